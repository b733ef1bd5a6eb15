package microsoft

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Fake Graph server
// ---------------------------------------------------------------------------

type fakeGraph struct {
	srv      *httptest.Server
	requests atomic.Int32
	created  atomic.Pointer[graphEvent]
	prefer   atomic.Value // last Prefer header on a delta request
	auth     atomic.Value // last Authorization header
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	f := &fakeGraph{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /me/calendars/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, graphCalendar{ID: r.PathValue("id"), Name: "Work"})
	})

	mux.HandleFunc("GET /me/calendars", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, collection[graphCalendar]{Value: []graphCalendar{
			{ID: "cal1", Name: "Work", CanEdit: true, IsDefaultCalendar: true},
			{ID: "cal2", Name: "Holidays", CanEdit: false},
		}})
	})

	mux.HandleFunc("GET /me/calendars/{id}/calendarView/delta", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.prefer.Store(r.Header.Get("Prefer"))
		f.auth.Store(r.Header.Get("Authorization"))
		q := r.URL.Query()
		switch {
		case q.Get("token") == "stale":
			http.Error(w, `{"error":{"code":"SyncStateNotFound"}}`, http.StatusGone)
		case q.Get("page") == "2":
			writeJSON(w, collection[graphEvent]{
				Value: []graphEvent{
					{
						ID:      "e2",
						Subject: "Lunch",
						Start:   dateTimeTimeZone{DateTime: "2026-03-02T12:00:00.0000000", TimeZone: "UTC"},
						End:     dateTimeTimeZone{DateTime: "2026-03-02T13:00:00.0000000", TimeZone: "UTC"},
					},
					{ID: "gone", Removed: &struct {
						Reason string `json:"reason"`
					}{Reason: "deleted"}},
				},
				DeltaLink: f.srv.URL + "/me/calendars/cal1/calendarView/delta?token=next",
			})
		default:
			if q.Get("startDateTime") == "" {
				http.Error(w, "missing window", http.StatusBadRequest)
				return
			}
			writeJSON(w, collection[graphEvent]{
				Value: []graphEvent{{
					ID:            "e1",
					TransactionID: "google_src-1",
					Subject:       "Standup",
					Start:         dateTimeTimeZone{DateTime: "2026-03-02T09:00:00.0000000", TimeZone: "UTC"},
					End:           dateTimeTimeZone{DateTime: "2026-03-02T09:15:00.0000000", TimeZone: "UTC"},
				}},
				NextLink: f.srv.URL + "/me/calendars/cal1/calendarView/delta?page=2",
			})
		}
	})

	mux.HandleFunc("POST /me/calendars/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		var ev graphEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.created.Store(&ev)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, ev)
	})

	mux.HandleFunc("POST /me/calendars", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, graphCalendar{ID: "new-cal", Name: body["name"], Color: body["color"]})
	})

	mux.HandleFunc("DELETE /me/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestSession(t *testing.T, f *fakeGraph) provider.Session {
	t.Helper()
	a := NewMicrosoft("id", "secret", "", f.srv.URL, discardLogger())
	s, err := a.Authenticate(context.Background(), provider.Credentials{"access_token": "tok", "token_type": "Bearer"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// Scenario: a full window fetch follows nextLink until a deltaLink appears;
// removed entries are dropped and the delta link becomes the next token.
func TestGetEvents_FollowsNextLinkToDelta(t *testing.T) {
	f := newFakeGraph(t)
	s := newTestSession(t, f)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := s.GetEvents(context.Background(), "cal1", provider.Query{
		Start: start, End: start.AddDate(0, 0, 30), MaxResults: 50,
	})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}

	if len(page.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(page.Events))
	}
	if got := page.Events[0].ID; got != "google_src-1" {
		t.Errorf("events[0].ID = %q, want transactionId google_src-1", got)
	}
	if got := page.Events[1].ID; got != "microsoft_e2" {
		t.Errorf("events[1].ID = %q, want microsoft_e2", got)
	}
	if got := page.Events[1].CalendarName; got != "Work" {
		t.Errorf("CalendarName = %q, want Work", got)
	}
	if !strings.HasSuffix(page.NextToken, "token=next") {
		t.Errorf("NextToken = %q, want delta link", page.NextToken)
	}
	if got := f.requests.Load(); got != 2 {
		t.Errorf("delta requests = %d, want 2", got)
	}
	if p, _ := f.prefer.Load().(string); !strings.Contains(p, "odata.maxpagesize=50") {
		t.Errorf("Prefer = %q, want maxpagesize", p)
	}
	if auth, _ := f.auth.Load().(string); auth != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", auth)
	}
}

// Scenario: a stale delta link answers 410 and is not retried.
func TestGetEvents_GoneIsTokenExpired(t *testing.T) {
	f := newFakeGraph(t)
	s := newTestSession(t, f)

	_, err := s.GetEvents(context.Background(), "cal1", provider.Query{
		Token: f.srv.URL + "/me/calendars/cal1/calendarView/delta?token=stale",
	})
	if !errors.Is(err, provider.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if got := f.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestCreateEvent_SetsTransactionID(t *testing.T) {
	f := newFakeGraph(t)
	s := newTestSession(t, f)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := &model.CalendarEvent{
		ID:        "apple_uid-9",
		Title:     "Dentist",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Location:  "Main St",
		Private:   true,
	}
	if err := s.CreateEvent(context.Background(), "cal1", ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	got := f.created.Load()
	if got == nil {
		t.Fatal("no event posted")
	}
	if got.TransactionID != "apple_uid-9" {
		t.Errorf("transactionId = %q, want apple_uid-9", got.TransactionID)
	}
	if got.Start.DateTime != "2026-03-02T09:00:00" || got.Start.TimeZone != "UTC" {
		t.Errorf("start = %+v", got.Start)
	}
	if got.Location == nil || got.Location.DisplayName != "Main St" {
		t.Errorf("location = %+v", got.Location)
	}
	if got.Sensitivity != "private" {
		t.Errorf("sensitivity = %q, want private", got.Sensitivity)
	}
}

func TestDeleteEvent_NotFoundIsPermanent(t *testing.T) {
	f := newFakeGraph(t)
	s := newTestSession(t, f)

	if err := s.DeleteEvent(context.Background(), "cal1", "e1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	err := s.DeleteEvent(context.Background(), "cal1", "missing")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
}

func TestListCalendarsAndCreate(t *testing.T) {
	f := newFakeGraph(t)
	s := newTestSession(t, f)

	cals, err := s.ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(cals) != 2 || !cals[0].Primary || !cals[1].ReadOnly {
		t.Errorf("calendars = %+v", cals)
	}

	creator, ok := s.(provider.CalendarCreator)
	if !ok {
		t.Fatal("session does not implement CalendarCreator")
	}
	id, err := creator.CreateCalendar(context.Background(), "Work (Synced)", "", "lightBlue")
	if err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	if id != "new-cal" {
		t.Errorf("id = %q, want new-cal", id)
	}
}

// ---------------------------------------------------------------------------
// Exchange
// ---------------------------------------------------------------------------

func TestExchange_BasicAuthAndURLOverride(t *testing.T) {
	f := newFakeGraph(t)
	a := NewExchange("http://unused.invalid", discardLogger())
	if a.Provider() != model.ProviderExchange {
		t.Errorf("Provider = %q", a.Provider())
	}

	s, err := a.Authenticate(context.Background(), provider.Credentials{
		"username":     "jane",
		"password":     "pw",
		"exchange_url": f.srv.URL,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := s.GetEvents(context.Background(), "cal1", provider.Query{Start: start, End: start.AddDate(0, 0, 7)})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(page.Events) != 2 || page.Events[1].Provider != model.ProviderExchange {
		t.Fatalf("events = %+v", page.Events)
	}
	if auth, _ := f.auth.Load().(string); !strings.HasPrefix(auth, "Basic ") {
		t.Errorf("Authorization = %q, want basic auth", auth)
	}
}

func TestExchange_RequiresCredentials(t *testing.T) {
	a := NewExchange("http://example.invalid", discardLogger())
	if _, err := a.Authenticate(context.Background(), provider.Credentials{"username": "jane"}); err == nil {
		t.Error("expected error without password")
	}
}
