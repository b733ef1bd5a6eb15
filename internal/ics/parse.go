// Package ics turns iCalendar payloads into normalized events. Recurring
// events are expanded into concrete occurrences inside a window so imported
// feeds look like provider fetches to the controller.
package ics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/njoerd114/calendarrelay/internal/model"
)

// DefaultMaxOccurrences caps the expansion of a single recurring event.
const DefaultMaxOccurrences = 1000

// Options controls how a payload is normalized.
type Options struct {
	// Provider is stamped on every event and prefixes the normalized ids.
	Provider     model.Provider
	CalendarID   string
	CalendarName string

	// Start and End bound recurrence expansion and drop single events that
	// do not overlap. A zero End disables both.
	Start time.Time
	End   time.Time

	MaxOccurrences int
}

type parsedEvent struct {
	uid      string
	ev       *model.CalendarEvent
	rrule    string
	exdates  []time.Time
	override *time.Time // RECURRENCE-ID
}

// Parse reads an iCalendar stream. VEVENTs that cannot be read are skipped
// and reported through the joined error alongside the events that could.
func Parse(r io.Reader, opts Options, now time.Time) ([]*model.CalendarEvent, error) {
	if !opts.Provider.Valid() {
		return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultMaxOccurrences
	}

	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parsing calendar: %w", err)
	}

	var (
		parsed []parsedEvent
		errs   []error
	)
	for _, ve := range cal.Events() {
		p, err := parseVEvent(ve, opts, now.UTC())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parsed = append(parsed, p)
	}

	overrides := make(map[string][]parsedEvent)
	for _, p := range parsed {
		if p.override != nil {
			overrides[p.uid] = append(overrides[p.uid], p)
		}
	}

	var out []*model.CalendarEvent
	for _, p := range parsed {
		if p.override != nil {
			continue
		}
		if p.rrule == "" || opts.End.IsZero() {
			if inWindow(p.ev.StartTime, p.ev.EndTime, opts) {
				out = append(out, p.ev)
			}
			continue
		}
		occ, err := expand(p, overrides[p.uid], opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, errors.Join(errs...)
}

func parseVEvent(ve *ical.VEvent, opts Options, now time.Time) (parsedEvent, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return parsedEvent{}, errors.New("vevent without UID")
	}

	allDay := false
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			allDay = true
		}
		if !strings.Contains(p.Value, "T") {
			allDay = true
		}
	}

	var start, end time.Time
	var err error
	if allDay {
		start, err = ve.GetAllDayStartAt()
	} else {
		start, err = ve.GetStartAt()
	}
	if err != nil {
		return parsedEvent{}, fmt.Errorf("event %s start: %w", uid, err)
	}
	if allDay {
		end, err = ve.GetAllDayEndAt()
	} else {
		end, err = ve.GetEndAt()
	}
	if err != nil || end.IsZero() {
		end = start
		if allDay {
			end = start.AddDate(0, 0, 1)
		}
	}
	if allDay {
		start = dateUTC(start)
		end = dateUTC(end)
	}

	ev := &model.CalendarEvent{
		ID:           model.EventID(opts.Provider, uid),
		Provider:     opts.Provider,
		ProviderID:   uid,
		Title:        propValue(ve, ical.ComponentPropertySummary),
		Description:  propValue(ve, ical.ComponentPropertyDescription),
		Location:     propValue(ve, ical.ComponentPropertyLocation),
		StartTime:    start.UTC(),
		EndTime:      end.UTC(),
		AllDay:       allDay,
		Participants: []model.Participant{},
		CalendarID:   opts.CalendarID,
		CalendarName: opts.CalendarName,
		Link:         propValue(ve, ical.ComponentPropertyUrl),
		Status:       eventStatus(propValue(ve, ical.ComponentPropertyStatus)),
		LastSynced:   now,
	}

	switch strings.ToUpper(propValue(ve, ical.ComponentPropertyClass)) {
	case "PRIVATE", "CONFIDENTIAL":
		ev.Private = true
	}
	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		ev.Organizer = &model.Participant{
			Email:          mailAddress(p.Value),
			Name:           param(p, "CN"),
			ResponseStatus: model.ResponseAccepted,
		}
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		ev.Participants = append(ev.Participants, model.Participant{
			Email:          mailAddress(p.Value),
			Name:           param(p, "CN"),
			ResponseStatus: partStat(param(p, "PARTSTAT")),
		})
	}
	if t, err := parseStamp(propValue(ve, ical.ComponentPropertyCreated)); err == nil {
		ev.CreatedAt = &t
	}
	if t, err := parseStamp(propValue(ve, ical.ComponentPropertyLastModified)); err == nil {
		ev.UpdatedAt = &t
	}

	out := parsedEvent{uid: uid, ev: ev}
	if rule := propValue(ve, ical.ComponentPropertyRrule); rule != "" {
		out.rrule = rule
		ev.Recurring = true
		ev.RecurrencePattern = "RRULE:" + rule
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(strings.TrimSpace(part), p); err == nil {
				out.exdates = append(out.exdates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, err := parseICSTime(p.Value, p); err == nil {
			out.override = &t
			ev.Recurring = true
		}
	}
	return out, nil
}

// expand materializes the occurrences of a recurring event inside the
// window. Each occurrence gets its own id suffixed with its UTC start.
func expand(base parsedEvent, overrides []parsedEvent, opts Options) ([]*model.CalendarEvent, error) {
	rule, err := rrule.StrToRRule(base.rrule)
	if err != nil {
		return nil, fmt.Errorf("event %s rrule %q: %w", base.uid, base.rrule, err)
	}
	rule.DTStart(base.ev.StartTime)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range base.exdates {
		set.ExDate(ex)
	}

	duration := base.ev.EndTime.Sub(base.ev.StartTime)
	starts := set.Between(opts.Start.Add(-duration), opts.End, true)
	if len(starts) > opts.MaxOccurrences {
		starts = starts[:opts.MaxOccurrences]
	}

	out := make([]*model.CalendarEvent, 0, len(starts))
	for _, s := range starts {
		src := base.ev
		occStart, occEnd := s.UTC(), s.UTC().Add(duration)
		for _, ov := range overrides {
			if ov.override.Equal(s) {
				src = ov.ev
				occStart, occEnd = ov.ev.StartTime, ov.ev.EndTime
				break
			}
		}

		occ := *src
		occ.Participants = append([]model.Participant(nil), src.Participants...)
		occ.StartTime = occStart
		occ.EndTime = occEnd
		occ.Recurring = true
		occ.RecurrencePattern = base.ev.RecurrencePattern
		occ.ProviderID = base.uid
		occ.ID = model.EventID(opts.Provider, base.uid+"_"+s.UTC().Format("20060102T150405Z"))
		out = append(out, &occ)
	}
	return out, nil
}

func inWindow(start, end time.Time, opts Options) bool {
	if opts.End.IsZero() {
		return true
	}
	return start.Before(opts.End) && !end.Before(opts.Start)
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

func param(p *ical.IANAProperty, name string) string {
	if vs := p.ICalParameters[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func mailAddress(v string) string {
	if len(v) > 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// parseICSTime reads EXDATE and RECURRENCE-ID values, honouring a TZID
// parameter when the zone is known.
func parseICSTime(v string, p *ical.IANAProperty) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	loc := time.UTC
	if tz := param(p, "TZID"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, time.UTC)
	}
}

func parseStamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse("20060102T150405Z", v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func eventStatus(s string) model.EventStatus {
	switch strings.ToUpper(s) {
	case "TENTATIVE":
		return model.StatusTentative
	case "CANCELLED":
		return model.StatusCancelled
	default:
		return model.StatusConfirmed
	}
}

func partStat(s string) model.ResponseStatus {
	switch strings.ToUpper(s) {
	case "ACCEPTED":
		return model.ResponseAccepted
	case "DECLINED":
		return model.ResponseDeclined
	case "TENTATIVE":
		return model.ResponseTentative
	default:
		return model.ResponseNeedsAction
	}
}
