package microsoft

import (
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/calendarrelay/internal/model"
)

// graphTimeLayout matches Graph's dateTimeTimeZone values, which carry up to
// seven fractional digits and no offset.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphAttendee struct {
	Type   string `json:"type,omitempty"`
	Status *struct {
		Response string `json:"response"`
	} `json:"status,omitempty"`
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEvent struct {
	ID            string           `json:"id,omitempty"`
	TransactionID string           `json:"transactionId,omitempty"`
	Subject       string           `json:"subject"`
	Body          *itemBody        `json:"body,omitempty"`
	Start         dateTimeTimeZone `json:"start"`
	End           dateTimeTimeZone `json:"end"`
	Location      *graphLocation   `json:"location,omitempty"`
	IsAllDay      bool             `json:"isAllDay"`
	IsCancelled   bool             `json:"isCancelled,omitempty"`
	Organizer     *struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"organizer,omitempty"`
	Attendees  []graphAttendee `json:"attendees,omitempty"`
	Recurrence *struct {
		Pattern struct {
			Type     string `json:"type"`
			Interval int    `json:"interval"`
		} `json:"pattern"`
	} `json:"recurrence,omitempty"`
	Type                 string `json:"type,omitempty"`
	ShowAs               string `json:"showAs,omitempty"`
	Sensitivity          string `json:"sensitivity,omitempty"`
	WebLink              string `json:"webLink,omitempty"`
	CreatedDateTime      string `json:"createdDateTime,omitempty"`
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
	Removed              *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

type graphCalendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Color             string `json:"color,omitempty"`
	CanEdit           bool   `json:"canEdit"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
}

// fromGraph converts a Graph event to the normalized model under provider p.
func fromGraph(p model.Provider, item *graphEvent, calendarID, calendarName string, now time.Time) (*model.CalendarEvent, error) {
	start, err := parseGraphTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", item.ID, err)
	}
	end, err := parseGraphTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", item.ID, err)
	}

	ev := &model.CalendarEvent{
		ID:           model.EventID(p, item.ID),
		Provider:     p,
		ProviderID:   item.ID,
		Title:        item.Subject,
		StartTime:    start,
		EndTime:      end,
		AllDay:       item.IsAllDay,
		Participants: []model.Participant{},
		CalendarID:   calendarID,
		CalendarName: calendarName,
		Link:         item.WebLink,
		Private:      item.Sensitivity == "private" || item.Sensitivity == "confidential",
		Status:       graphStatus(item),
		LastSynced:   now,
	}
	if item.TransactionID != "" {
		ev.ID = item.TransactionID
	}
	if item.Body != nil {
		ev.Description = item.Body.Content
	}
	if item.Location != nil {
		ev.Location = item.Location.DisplayName
	}
	if item.Organizer != nil && item.Organizer.EmailAddress.Address != "" {
		ev.Organizer = &model.Participant{
			Email:          item.Organizer.EmailAddress.Address,
			Name:           item.Organizer.EmailAddress.Name,
			ResponseStatus: model.ResponseAccepted,
		}
	}
	for _, a := range item.Attendees {
		resp := ""
		if a.Status != nil {
			resp = a.Status.Response
		}
		ev.Participants = append(ev.Participants, model.Participant{
			Email:          a.EmailAddress.Address,
			Name:           a.EmailAddress.Name,
			ResponseStatus: graphResponse(resp),
		})
	}
	if item.Recurrence != nil {
		ev.Recurring = true
		ev.RecurrencePattern = strings.ToUpper(item.Recurrence.Pattern.Type)
	} else if item.Type == "occurrence" || item.Type == "exception" {
		ev.Recurring = true
	}
	if t, err := time.Parse(time.RFC3339, item.CreatedDateTime); err == nil {
		ev.CreatedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, item.LastModifiedDateTime); err == nil {
		ev.UpdatedAt = &t
	}
	return ev, nil
}

// toGraph builds a create/update body. The normalized id travels in
// transactionId so copies can be matched on the next snapshot.
func toGraph(ev *model.CalendarEvent, create bool) *graphEvent {
	item := &graphEvent{
		Subject:  ev.Title,
		Start:    formatGraphTime(ev.StartTime, ev.AllDay),
		End:      formatGraphTime(ev.EndTime, ev.AllDay),
		IsAllDay: ev.AllDay,
		ShowAs:   "busy",
	}
	if create {
		item.TransactionID = ev.ID
	}
	if ev.Description != "" {
		item.Body = &itemBody{ContentType: "text", Content: ev.Description}
	}
	if ev.Location != "" {
		item.Location = &graphLocation{DisplayName: ev.Location}
	}
	if ev.Status == model.StatusTentative {
		item.ShowAs = "tentative"
	}
	if ev.Private {
		item.Sensitivity = "private"
	}
	for _, p := range ev.Participants {
		item.Attendees = append(item.Attendees, graphAttendee{
			Type:         "required",
			EmailAddress: emailAddress{Name: p.Name, Address: p.Email},
		})
	}
	return item
}

func parseGraphTime(v dateTimeTimeZone) (time.Time, error) {
	if v.DateTime == "" {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}
	loc := time.UTC
	if v.TimeZone != "" && v.TimeZone != "UTC" {
		if l, err := time.LoadLocation(v.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphTimeLayout, v.DateTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatGraphTime(t time.Time, allDay bool) dateTimeTimeZone {
	t = t.UTC()
	if allDay {
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return dateTimeTimeZone{DateTime: t.Format("2006-01-02T15:04:05"), TimeZone: "UTC"}
}

func graphStatus(item *graphEvent) model.EventStatus {
	switch {
	case item.IsCancelled:
		return model.StatusCancelled
	case item.ShowAs == "tentative":
		return model.StatusTentative
	default:
		return model.StatusConfirmed
	}
}

func graphResponse(s string) model.ResponseStatus {
	switch s {
	case "accepted", "organizer":
		return model.ResponseAccepted
	case "declined":
		return model.ResponseDeclined
	case "tentativelyAccepted":
		return model.ResponseTentative
	default:
		return model.ResponseNeedsAction
	}
}
