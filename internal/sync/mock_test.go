package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/njoerd114/calendarrelay/internal/fetch"
	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

var (
	testLogger = slog.Default()
	fixedNow   = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

// --- Mock Storage ------------------------------------------------------------

type mockStorage struct {
	mu          gosync.Mutex
	config      []byte // JSON so callers never share pointers with the store
	agentEvents map[string][]json.RawMessage
	imports     map[string][]json.RawMessage
	runs        []model.SyncRunResult
	sourceRuns  map[string][]model.SourceSyncResult
	configSaves int
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		agentEvents: make(map[string][]json.RawMessage),
		imports:     make(map[string][]json.RawMessage),
		sourceRuns:  make(map[string][]model.SourceSyncResult),
	}
}

// seed stores cfg without validation.
func (m *mockStorage) seed(cfg *model.SyncConfiguration) {
	b, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	m.config = b
	m.mu.Unlock()
}

func (m *mockStorage) Configuration(_ context.Context) (*model.SyncConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return nil, nil
	}
	var cfg model.SyncConfiguration
	if err := json.Unmarshal(m.config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *mockStorage) SaveConfiguration(_ context.Context, cfg *model.SyncConfiguration) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = b
	m.configSaves++
	return nil
}

func (m *mockStorage) AgentEvents(_ context.Context, agentID string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentEvents[agentID], nil
}

func (m *mockStorage) SaveAgentEvents(_ context.Context, agentID string, events []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentEvents[agentID] = events
	return nil
}

func (m *mockStorage) ImportData(_ context.Context, sourceID string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imports[sourceID], nil
}

func (m *mockStorage) SaveImportData(_ context.Context, sourceID string, events []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imports[sourceID] = events
	return nil
}

func (m *mockStorage) SaveSyncResult(_ context.Context, res *model.SyncRunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *res)
	return nil
}

func (m *mockStorage) LatestSyncResult(_ context.Context) (*model.SyncRunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) == 0 {
		return nil, nil
	}
	r := m.runs[len(m.runs)-1]
	return &r, nil
}

func (m *mockStorage) SyncHistory(_ context.Context, n int) ([]model.HistoryEntry[model.SyncRunResult], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.HistoryEntry[model.SyncRunResult]
	for i := len(m.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, model.HistoryEntry[model.SyncRunResult]{Timestamp: m.runs[i].EndTime.Format(time.RFC3339), Result: m.runs[i]})
	}
	return out, nil
}

func (m *mockStorage) SaveSourceSyncResult(_ context.Context, res *model.SourceSyncResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceRuns[res.SourceID] = append(m.sourceRuns[res.SourceID], *res)
	return nil
}

func (m *mockStorage) SourceSyncHistory(_ context.Context, sourceID string, n int) ([]model.HistoryEntry[model.SourceSyncResult], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.sourceRuns[sourceID]
	var out []model.HistoryEntry[model.SourceSyncResult]
	for i := len(runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, model.HistoryEntry[model.SourceSyncResult]{Timestamp: runs[i].EndTime.Format(time.RFC3339), Result: runs[i]})
	}
	return out, nil
}

func (m *mockStorage) sourceResultCount(sourceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sourceRuns[sourceID])
}

// --- Mock Fetcher ------------------------------------------------------------

type mockFetcher struct {
	mu       gosync.Mutex
	result   *fetch.Result
	requests []fetch.Request

	// When non-nil, GetAllEvents signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func newMockFetcher(events ...*model.CalendarEvent) *mockFetcher {
	return &mockFetcher{result: &fetch.Result{Events: events, Tokens: fetch.Tokens{}}}
}

func (m *mockFetcher) GetAllEvents(_ context.Context, req fetch.Request) *fetch.Result {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	res := m.result
	m.mu.Unlock()

	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	// Hand out copies so the controller cannot mutate the canned events.
	out := &fetch.Result{Tokens: res.Tokens, Failures: res.Failures}
	for _, ev := range res.Events {
		cp := *ev
		out.Events = append(out.Events, &cp)
	}
	return out
}

func (m *mockFetcher) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// --- Mock Destination --------------------------------------------------------

type mockRegistry map[string]provider.Adapter

func (r mockRegistry) Lookup(providerType string) (provider.Adapter, error) {
	a, ok := r[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedProvider, providerType)
	}
	return a, nil
}

// mockDestination is an adapter whose single session stores events per
// calendar keyed by provider-native id.
type mockDestination struct {
	mu        gosync.Mutex
	calendars map[string]map[string]*model.CalendarEvent
	nextID    int

	creates, updates int
	newCalendars     map[string]string // calendar id → color

	noCreator   bool  // session does not implement CalendarCreator
	authErr     error // returned by Authenticate
	snapshotErr error // returned by GetEvents
	failCreate  map[string]bool
}

func newMockDestination() *mockDestination {
	return &mockDestination{
		calendars:    make(map[string]map[string]*model.CalendarEvent),
		newCalendars: make(map[string]string),
		failCreate:   make(map[string]bool),
	}
}

func (m *mockDestination) Provider() model.Provider { return model.ProviderGoogle }

func (m *mockDestination) Authenticate(_ context.Context, _ provider.Credentials) (provider.Session, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	if m.noCreator {
		return sessionOnly{&mockDestSession{m}}, nil
	}
	return &mockDestSession{m}, nil
}

// sessionOnly hides every method beyond provider.Session.
type sessionOnly struct{ provider.Session }

type mockDestSession struct{ d *mockDestination }

func (s *mockDestSession) ListCalendars(context.Context) ([]provider.Calendar, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []provider.Calendar
	for id := range s.d.calendars {
		out = append(out, provider.Calendar{ID: id, Name: id, Provider: model.ProviderGoogle})
	}
	return out, nil
}

func (s *mockDestSession) GetEvents(_ context.Context, calendarID string, _ provider.Query) (*provider.EventPage, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.snapshotErr != nil {
		return nil, s.d.snapshotErr
	}
	page := &provider.EventPage{}
	for _, ev := range s.d.calendars[calendarID] {
		cp := *ev
		page.Events = append(page.Events, &cp)
	}
	return page, nil
}

func (s *mockDestSession) CreateEvent(_ context.Context, calendarID string, ev *model.CalendarEvent) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.failCreate[ev.ID] {
		return errors.New("quota exceeded")
	}
	s.d.nextID++
	cp := *ev
	cp.ProviderID = fmt.Sprintf("dst-%d", s.d.nextID)
	cp.CalendarID = calendarID
	s.d.calendar(calendarID)[cp.ProviderID] = &cp
	s.d.creates++
	return nil
}

func (s *mockDestSession) UpdateEvent(_ context.Context, calendarID, nativeID string, ev *model.CalendarEvent) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	cal := s.d.calendar(calendarID)
	if _, ok := cal[nativeID]; !ok {
		return fmt.Errorf("event %q not found", nativeID)
	}
	cp := *ev
	cp.ProviderID = nativeID
	cp.CalendarID = calendarID
	cal[nativeID] = &cp
	s.d.updates++
	return nil
}

func (s *mockDestSession) DeleteEvent(_ context.Context, calendarID, nativeID string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	delete(s.d.calendar(calendarID), nativeID)
	return nil
}

func (s *mockDestSession) CreateCalendar(_ context.Context, name, _, color string) (string, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.nextID++
	id := fmt.Sprintf("cal-%d", s.d.nextID)
	s.d.calendar(id)
	s.d.newCalendars[id] = color
	return id, nil
}

// calendar returns the event map for id, creating it. Caller holds mu.
func (m *mockDestination) calendar(id string) map[string]*model.CalendarEvent {
	cal, ok := m.calendars[id]
	if !ok {
		cal = make(map[string]*model.CalendarEvent)
		m.calendars[id] = cal
	}
	return cal
}

// seedEvent places a copy of ev in calendarID under nativeID.
func (m *mockDestination) seedEvent(calendarID, nativeID string, ev *model.CalendarEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	cp.ProviderID = nativeID
	cp.CalendarID = calendarID
	m.calendar(calendarID)[nativeID] = &cp
}

// find returns the copy of the event with normalized id in calendarID.
func (m *mockDestination) find(calendarID, id string) *model.CalendarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.calendars[calendarID] {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

func (m *mockDestination) counts() (creates, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates
}

// --- Fixtures ----------------------------------------------------------------

func newTestController(store Storage, fetcher Fetcher, dest *mockDestination) *Controller {
	c := NewController(store, fetcher, mockRegistry{"google": dest}, testLogger)
	c.now = func() time.Time { return fixedNow }
	n := 0
	c.newRunID = func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}
	return c
}

func testEvent(id, title string, start time.Time, updated time.Time) *model.CalendarEvent {
	return &model.CalendarEvent{
		ID:           id,
		Provider:     model.ProviderGoogle,
		ProviderID:   "native-" + id,
		Title:        title,
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Participants: []model.Participant{},
		CalendarID:   "primary",
		CalendarName: "Work",
		Status:       model.StatusConfirmed,
		UpdatedAt:    &updated,
		LastSynced:   fixedNow,
	}
}

func testSource(id string, method model.SyncMethod) model.SyncSource {
	s := model.NewSyncSource()
	s.ID = id
	s.Name = "Source " + id
	s.ProviderType = "google"
	s.SyncMethod = method
	s.Calendars = []string{"primary"}
	return s
}

func testDestination(strategy model.ConflictResolution) *model.SyncDestination {
	d := model.NewSyncDestination()
	d.ID = "dest"
	d.Name = "Destination"
	d.ProviderType = "google"
	d.CalendarID = "main"
	d.ConflictResolution = strategy
	return &d
}

func testConfig(dst *model.SyncDestination, sources ...model.SyncSource) *model.SyncConfiguration {
	cfg := model.NewSyncConfiguration()
	cfg.Destination = dst
	cfg.Sources = append(cfg.Sources, sources...)
	return cfg
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
