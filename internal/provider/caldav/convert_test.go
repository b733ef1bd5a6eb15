package caldav

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/njoerd114/calendarrelay/internal/model"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Apple Inc.//iCal//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:uid-42\r\n" +
	"DTSTAMP:20260201T080000Z\r\n" +
	"DTSTART:20260302T090000Z\r\n" +
	"DTEND:20260302T100000Z\r\n" +
	"SUMMARY:Planning\r\n" +
	"LOCATION:Room 4\r\n" +
	"STATUS:TENTATIVE\r\n" +
	"CLASS:PRIVATE\r\n" +
	"RRULE:FREQ=WEEKLY;BYDAY=MO\r\n" +
	"ORGANIZER;CN=Ana:mailto:ana@example.com\r\n" +
	"ATTENDEE;CN=Bo;PARTSTAT=DECLINED:mailto:bo@example.com\r\n" +
	"LAST-MODIFIED:20260210T080000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func decodeOne(t *testing.T, data string) *ical.Component {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	return events[0].Component
}

func TestFromICal(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	comp := decodeOne(t, sampleICS)

	ev, err := fromICal(comp, "/cal/home/uid-42.ics", "/cal/home/", "Home", now)
	if err != nil {
		t.Fatalf("fromICal: %v", err)
	}
	if ev.ID != "apple_uid-42" || ev.ProviderID != "/cal/home/uid-42.ics" {
		t.Errorf("identity = %q/%q", ev.ID, ev.ProviderID)
	}
	if !ev.StartTime.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) || ev.AllDay {
		t.Errorf("start = %v allDay=%t", ev.StartTime, ev.AllDay)
	}
	if ev.Status != model.StatusTentative || !ev.Private {
		t.Errorf("status/private = %q/%t", ev.Status, ev.Private)
	}
	if !ev.Recurring || ev.RecurrencePattern != "RRULE:FREQ=WEEKLY;BYDAY=MO" {
		t.Errorf("recurrence = %t %q", ev.Recurring, ev.RecurrencePattern)
	}
	if ev.Organizer == nil || ev.Organizer.Email != "ana@example.com" || ev.Organizer.Name != "Ana" {
		t.Errorf("Organizer = %+v", ev.Organizer)
	}
	if len(ev.Participants) != 1 || ev.Participants[0].ResponseStatus != model.ResponseDeclined {
		t.Errorf("Participants = %+v", ev.Participants)
	}
	if ev.UpdatedAt == nil || ev.UpdatedAt.Day() != 10 {
		t.Errorf("UpdatedAt = %v", ev.UpdatedAt)
	}
	if ev.CalendarName != "Home" {
		t.Errorf("CalendarName = %q", ev.CalendarName)
	}
}

func TestFromICal_MissingUID(t *testing.T) {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetDateTime(ical.PropDateTimeStart, time.Now())
	if _, err := fromICal(comp, "/x.ics", "/", "", time.Now()); err == nil {
		t.Error("expected error for event without UID")
	}
}

// Scenario: a copy written to the destination reads back with the source's
// normalized id and the same content.
func TestToICal_RoundTripKeepsMarker(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	src := &model.CalendarEvent{
		ID:           "google_abc",
		Provider:     model.ProviderGoogle,
		Title:        "Offsite",
		Location:     "Lisbon",
		StartTime:    start,
		EndTime:      start.AddDate(0, 0, 2),
		AllDay:       true,
		Status:       model.StatusConfirmed,
		Participants: []model.Participant{{Email: "a@example.com", Name: "A", ResponseStatus: model.ResponseAccepted}},
	}

	cal := toICal(src, "dest-uid", now)
	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		t.Fatalf("encode: %v", err)
	}
	comp := decodeOne(t, buf.String())

	ev, err := fromICal(comp, "/cal/dest-uid.ics", "/cal/", "", now)
	if err != nil {
		t.Fatalf("fromICal: %v", err)
	}
	if ev.ID != "google_abc" {
		t.Errorf("ID = %q, want marker google_abc", ev.ID)
	}
	if uid, _ := comp.Props.Text(ical.PropUID); uid != "dest-uid" {
		t.Errorf("UID = %q, want dest-uid", uid)
	}
	if !ev.AllDay || !ev.StartTime.Equal(start) || !ev.EndTime.Equal(src.EndTime) {
		t.Errorf("times = %v..%v allDay=%t", ev.StartTime, ev.EndTime, ev.AllDay)
	}
	if ev.Title != "Offsite" || ev.Location != "Lisbon" {
		t.Errorf("content = %q/%q", ev.Title, ev.Location)
	}
	if len(ev.Participants) != 1 || ev.Participants[0].ResponseStatus != model.ResponseAccepted {
		t.Errorf("Participants = %+v", ev.Participants)
	}
}

func TestSupportsEvents(t *testing.T) {
	if !supportsEvents(caldavCalendar(nil)) {
		t.Error("empty component set should accept events")
	}
	if supportsEvents(caldavCalendar([]string{ical.CompToDo})) {
		t.Error("VTODO-only collection should not accept events")
	}
	if !supportsEvents(caldavCalendar([]string{ical.CompToDo, ical.CompEvent})) {
		t.Error("mixed collection should accept events")
	}
}

func caldavCalendar(components []string) caldav.Calendar {
	return caldav.Calendar{Path: "/cal/", Name: "Cal", SupportedComponentSet: components}
}
