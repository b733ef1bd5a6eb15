package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/njoerd114/calendarrelay/internal/model"
)

const (
	// markerProp carries the normalized source id on copies written by the
	// relay.
	markerProp = "X-CALENDARRELAY-ID"
	productID  = "-//calendarrelay//EN"
)

// fromICal converts one VEVENT to the normalized model. objectPath becomes
// the ProviderID since updates and deletes address the resource, not the UID.
func fromICal(comp *ical.Component, objectPath, calendarID, calendarName string, now time.Time) (*model.CalendarEvent, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	if uid == "" {
		return nil, fmt.Errorf("%s: event without UID", objectPath)
	}

	ve := ical.Event{Component: comp}
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, fmt.Errorf("event %s: missing DTSTART", uid)
	}
	allDay := startProp.ValueType() == ical.ValueDate
	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", uid, err)
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil || end.IsZero() {
		end = start
		if allDay {
			end = start.AddDate(0, 0, 1)
		}
	}

	ev := &model.CalendarEvent{
		ID:           model.EventID(model.ProviderApple, uid),
		Provider:     model.ProviderApple,
		ProviderID:   objectPath,
		Title:        propText(comp, ical.PropSummary),
		Description:  propText(comp, ical.PropDescription),
		Location:     propText(comp, ical.PropLocation),
		StartTime:    start.UTC(),
		EndTime:      end.UTC(),
		AllDay:       allDay,
		Participants: []model.Participant{},
		CalendarID:   calendarID,
		CalendarName: calendarName,
		Link:         propText(comp, ical.PropURL),
		Status:       icalStatus(propText(comp, ical.PropStatus)),
		LastSynced:   now,
	}
	if marker := propText(comp, markerProp); marker != "" {
		ev.ID = marker
	}

	switch strings.ToUpper(propText(comp, ical.PropClass)) {
	case "PRIVATE", "CONFIDENTIAL":
		ev.Private = true
	}

	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		ev.Organizer = &model.Participant{
			Email:          mailAddress(p.Value),
			Name:           p.Params.Get(ical.ParamCommonName),
			ResponseStatus: model.ResponseAccepted,
		}
	}
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		ev.Participants = append(ev.Participants, model.Participant{
			Email:          mailAddress(p.Value),
			Name:           p.Params.Get(ical.ParamCommonName),
			ResponseStatus: partStat(p.Params.Get(ical.ParamParticipationStatus)),
		})
	}

	if rule := propText(comp, ical.PropRecurrenceRule); rule != "" {
		ev.Recurring = true
		ev.RecurrencePattern = "RRULE:" + rule
	} else if comp.Props.Get(ical.PropRecurrenceID) != nil {
		ev.Recurring = true
	}

	if t, ok := propTime(comp, ical.PropCreated); ok {
		ev.CreatedAt = &t
	}
	if t, ok := propTime(comp, ical.PropLastModified); ok {
		ev.UpdatedAt = &t
	}
	return ev, nil
}

// toICal wraps ev in a VCALENDAR with uid as the event UID.
func toICal(ev *model.CalendarEvent, uid string, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ve.Props.SetText(ical.PropSummary, ev.Title)
	if ev.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, ev.StartTime.UTC())
		ve.Props.SetDate(ical.PropDateTimeEnd, ev.EndTime.UTC())
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.StartTime.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndTime.UTC())
	}
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Private {
		ve.Props.SetText(ical.PropClass, "PRIVATE")
	}
	switch ev.Status {
	case model.StatusTentative:
		ve.Props.SetText(ical.PropStatus, "TENTATIVE")
	case model.StatusCancelled:
		ve.Props.SetText(ical.PropStatus, "CANCELLED")
	default:
		ve.Props.SetText(ical.PropStatus, "CONFIRMED")
	}
	for _, p := range ev.Participants {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = "mailto:" + p.Email
		if p.Name != "" {
			prop.Params.Set(ical.ParamCommonName, p.Name)
		}
		prop.Params.Set(ical.ParamParticipationStatus, icalPartStat(p.ResponseStatus))
		ve.Props.Add(prop)
	}
	ve.Props.SetText(markerProp, ev.ID)

	cal.Children = append(cal.Children, ve.Component)
	return cal
}

func propText(comp *ical.Component, name string) string {
	v, _ := comp.Props.Text(name)
	return v
}

func propTime(comp *ical.Component, name string) (time.Time, bool) {
	p := comp.Props.Get(name)
	if p == nil {
		return time.Time{}, false
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func mailAddress(v string) string {
	if len(v) > 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

func icalStatus(s string) model.EventStatus {
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

func icalPartStat(s model.ResponseStatus) string {
	switch s {
	case model.ResponseAccepted:
		return "ACCEPTED"
	case model.ResponseDeclined:
		return "DECLINED"
	case model.ResponseTentative:
		return "TENTATIVE"
	default:
		return "NEEDS-ACTION"
	}
}
