package google

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/njoerd114/calendarrelay/internal/model"
)

// markerKey is the private extended property holding the normalized id of
// the source event a copy was created from.
const markerKey = "calendarrelay_id"

const dateLayout = "2006-01-02"

// fromGoogle converts a Google Calendar event to the normalized model.
func fromGoogle(item *calendar.Event, calendarID, calendarName string, now time.Time) (*model.CalendarEvent, error) {
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", item.Id, err)
	}

	ev := &model.CalendarEvent{
		ID:           model.EventID(model.ProviderGoogle, item.Id),
		Provider:     model.ProviderGoogle,
		ProviderID:   item.Id,
		Title:        item.Summary,
		Description:  item.Description,
		Location:     item.Location,
		StartTime:    start,
		EndTime:      end,
		AllDay:       allDay,
		Participants: []model.Participant{},
		CalendarID:   calendarID,
		CalendarName: calendarName,
		Link:         item.HtmlLink,
		Private:      item.Visibility == "private" || item.Visibility == "confidential",
		Status:       eventStatus(item.Status),
		LastSynced:   now,
	}

	if item.ExtendedProperties != nil {
		if id := item.ExtendedProperties.Private[markerKey]; id != "" {
			ev.ID = id
		}
	}

	if item.Organizer != nil && item.Organizer.Email != "" {
		ev.Organizer = &model.Participant{
			Email:          item.Organizer.Email,
			Name:           item.Organizer.DisplayName,
			ResponseStatus: model.ResponseAccepted,
		}
	}
	for _, a := range item.Attendees {
		ev.Participants = append(ev.Participants, model.Participant{
			Email:          a.Email,
			Name:           a.DisplayName,
			ResponseStatus: responseStatus(a.ResponseStatus),
		})
	}

	if len(item.Recurrence) > 0 {
		ev.Recurring = true
		ev.RecurrencePattern = strings.Join(item.Recurrence, "\n")
	} else if item.RecurringEventId != "" {
		ev.Recurring = true
	}

	if t, err := time.Parse(time.RFC3339, item.Created); err == nil {
		ev.CreatedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
		ev.UpdatedAt = &t
	}
	return ev, nil
}

// toGoogle converts a normalized event into a Google Calendar event body and
// stamps it with the normalized id.
func toGoogle(ev *model.CalendarEvent) *calendar.Event {
	item := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       formatEventTime(ev.StartTime, ev.AllDay),
		End:         formatEventTime(ev.EndTime, ev.AllDay),
		Status:      string(ev.Status),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{markerKey: ev.ID},
		},
	}
	if ev.Private {
		item.Visibility = "private"
	}
	for _, p := range ev.Participants {
		item.Attendees = append(item.Attendees, &calendar.EventAttendee{
			Email:          p.Email,
			DisplayName:    p.Name,
			ResponseStatus: googleResponse(p.ResponseStatus),
		})
	}
	if ev.Recurring && strings.HasPrefix(ev.RecurrencePattern, "RRULE:") {
		item.Recurrence = strings.Split(ev.RecurrencePattern, "\n")
	}
	return item
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, fmt.Errorf("missing time")
	}
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v, false, err
	}
	if t.Date != "" {
		v, err := time.ParseInLocation(dateLayout, t.Date, time.UTC)
		return v, true, err
	}
	return time.Time{}, false, fmt.Errorf("neither date nor dateTime set")
}

func formatEventTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.UTC().Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}

func eventStatus(s string) model.EventStatus {
	switch s {
	case "tentative":
		return model.StatusTentative
	case "cancelled":
		return model.StatusCancelled
	default:
		return model.StatusConfirmed
	}
}

func responseStatus(s string) model.ResponseStatus {
	switch s {
	case "accepted":
		return model.ResponseAccepted
	case "declined":
		return model.ResponseDeclined
	case "tentative":
		return model.ResponseTentative
	default:
		return model.ResponseNeedsAction
	}
}

func googleResponse(s model.ResponseStatus) string {
	if s == model.ResponseNeedsAction || s == "" {
		return "needsAction"
	}
	return string(s)
}
