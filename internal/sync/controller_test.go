package sync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/calendarrelay/internal/model"
)

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

func TestConfiguration_EmptyStore(t *testing.T) {
	c := newTestController(newMockStorage(), newMockFetcher(), newMockDestination())
	cfg, err := c.Configuration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sources == nil || cfg.Agents == nil || cfg.Destination != nil {
		t.Errorf("configuration = %+v, want empty collections and no destination", cfg)
	}
}

func TestConfiguration_EmptyStore_Persisted(t *testing.T) {
	store := newMockStorage()
	c := newTestController(store, newMockFetcher(), newMockDestination())

	if _, err := c.Configuration(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.configSaves != 1 {
		t.Errorf("config saves = %d, want 1", store.configSaves)
	}
	stored, err := store.Configuration(context.Background())
	if err != nil || stored == nil {
		t.Fatalf("stored configuration = %v, %v; want a document", stored, err)
	}

	// A second read finds the document and writes nothing.
	if _, err := c.Configuration(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.configSaves != 1 {
		t.Errorf("config saves after reread = %d, want 1", store.configSaves)
	}
}

func TestAddSource(t *testing.T) {
	store := newMockStorage()
	c := newTestController(store, newMockFetcher(), newMockDestination())
	ctx := context.Background()

	if _, err := c.AddSource(ctx, testSource("s1", model.MethodAPI)); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	_, err := c.AddSource(ctx, testSource("s1", model.MethodFile))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate err = %v, want ErrAlreadyExists", err)
	}

	invalid := testSource("s2", model.MethodAPI)
	invalid.ProviderType = "fax"
	if _, err := c.AddSource(ctx, invalid); !errors.Is(err, ErrInvalid) {
		t.Errorf("invalid err = %v, want ErrInvalid", err)
	}

	sources, _ := c.Sources(ctx)
	if len(sources) != 1 {
		t.Errorf("sources = %d, want 1", len(sources))
	}
}

func TestUpdateSource_KeepsID(t *testing.T) {
	store := newMockStorage()
	store.seed(testConfig(nil, testSource("s1", model.MethodAPI)))
	c := newTestController(store, newMockFetcher(), newMockDestination())

	got, err := c.UpdateSource(context.Background(), "s1", func(s *model.SyncSource) {
		s.ID = "renamed"
		s.Name = "Personal"
		s.Enabled = false
	})
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}
	if got.ID != "s1" || got.Name != "Personal" || got.Enabled {
		t.Errorf("source = %+v, want id s1, name Personal, disabled", got)
	}

	_, err = c.UpdateSource(context.Background(), "missing", func(*model.SyncSource) {})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestRemoveSource(t *testing.T) {
	store := newMockStorage()
	store.seed(testConfig(nil, testSource("s1", model.MethodAPI), testSource("s2", model.MethodAPI)))
	c := newTestController(store, newMockFetcher(), newMockDestination())
	ctx := context.Background()

	if err := c.RemoveSource(ctx, "s1"); err != nil {
		t.Fatalf("RemoveSource: %v", err)
	}
	if err := c.RemoveSource(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove err = %v, want ErrNotFound", err)
	}
	sources, _ := c.Sources(ctx)
	if len(sources) != 1 || sources[0].ID != "s2" {
		t.Errorf("sources = %+v, want only s2", sources)
	}
}

// ---------------------------------------------------------------------------
// Destination
// ---------------------------------------------------------------------------

func TestConfigureDestination_SeparateCalendars_Provisioned(t *testing.T) {
	google := testSource("g", model.MethodAPI)
	apple := testSource("a", model.MethodAgent)
	apple.ProviderType = "apple"
	other := testSource("o", model.MethodFile)
	other.ProviderType = "fastmail"
	off := testSource("off", model.MethodAPI)
	off.Enabled = false

	store := newMockStorage()
	store.seed(testConfig(nil, google, apple, other, off))
	dest := newMockDestination()
	c := newTestController(store, newMockFetcher(), dest)

	dst := *testDestination(model.LatestWins)
	dst.CalendarStrategy = model.StrategySeparateCalendar
	dst.CalendarID = ""
	got, err := c.ConfigureDestination(context.Background(), dst)
	if err != nil {
		t.Fatalf("ConfigureDestination: %v", err)
	}

	if len(got.SourceCalendars) != 3 {
		t.Fatalf("SourceCalendars = %v, want 3 entries", got.SourceCalendars)
	}
	if _, ok := got.SourceCalendars["off"]; ok {
		t.Error("disabled source was provisioned")
	}
	wantColors := map[string]string{"g": "lightGreen", "a": "lightPurple", "o": "auto"}
	for src, color := range wantColors {
		calID := got.SourceCalendars[src]
		if dest.newCalendars[calID] != color {
			t.Errorf("source %s color = %q, want %q", src, dest.newCalendars[calID], color)
		}
	}

	// Mapping is persisted.
	cfg, _ := store.Configuration(context.Background())
	if len(cfg.Destination.SourceCalendars) != 3 {
		t.Errorf("stored SourceCalendars = %v, want 3 entries", cfg.Destination.SourceCalendars)
	}
}

func TestConfigureDestination_ExistingMappingKept(t *testing.T) {
	store := newMockStorage()
	store.seed(testConfig(nil, testSource("g", model.MethodAPI)))
	dest := newMockDestination()
	c := newTestController(store, newMockFetcher(), dest)

	dst := *testDestination(model.LatestWins)
	dst.CalendarStrategy = model.StrategySeparateCalendar
	dst.SourceCalendars = map[string]string{"g": "existing-cal"}
	got, err := c.ConfigureDestination(context.Background(), dst)
	if err != nil {
		t.Fatalf("ConfigureDestination: %v", err)
	}
	if got.SourceCalendars["g"] != "existing-cal" {
		t.Errorf("mapping = %q, want existing-cal", got.SourceCalendars["g"])
	}
	if len(dest.newCalendars) != 0 {
		t.Errorf("calendars created = %d, want 0", len(dest.newCalendars))
	}
}

// Scenario: the same separate-calendar destination is posted twice without
// a mapping in the body → the second call reuses the stored calendars.
func TestConfigureDestination_Repost_NoDuplicateCalendars(t *testing.T) {
	store := newMockStorage()
	store.seed(testConfig(nil, testSource("g", model.MethodAPI), testSource("h", model.MethodFile)))
	dest := newMockDestination()
	c := newTestController(store, newMockFetcher(), dest)

	dst := *testDestination(model.LatestWins)
	dst.CalendarStrategy = model.StrategySeparateCalendar
	first, err := c.ConfigureDestination(context.Background(), dst)
	if err != nil {
		t.Fatalf("first ConfigureDestination: %v", err)
	}
	if len(dest.newCalendars) != 2 {
		t.Fatalf("calendars created = %d, want 2", len(dest.newCalendars))
	}
	mapping := map[string]string{}
	for k, v := range first.SourceCalendars {
		mapping[k] = v
	}

	dst = *testDestination(model.LatestWins)
	dst.CalendarStrategy = model.StrategySeparateCalendar
	second, err := c.ConfigureDestination(context.Background(), dst)
	if err != nil {
		t.Fatalf("second ConfigureDestination: %v", err)
	}
	if len(dest.newCalendars) != 2 {
		t.Errorf("calendars created after repost = %d, want 2", len(dest.newCalendars))
	}
	for src, cal := range mapping {
		if second.SourceCalendars[src] != cal {
			t.Errorf("mapping[%s] = %q, want %q", src, second.SourceCalendars[src], cal)
		}
	}
}

func TestConfigureDestination_CreationUnsupported_LeavesUnmapped(t *testing.T) {
	store := newMockStorage()
	store.seed(testConfig(nil, testSource("g", model.MethodAPI)))
	dest := newMockDestination()
	dest.noCreator = true
	c := newTestController(store, newMockFetcher(), dest)

	dst := *testDestination(model.LatestWins)
	dst.CalendarStrategy = model.StrategySeparateCalendar
	got, err := c.ConfigureDestination(context.Background(), dst)
	if err != nil {
		t.Fatalf("ConfigureDestination: %v", err)
	}
	if len(got.SourceCalendars) != 0 {
		t.Errorf("SourceCalendars = %v, want none", got.SourceCalendars)
	}
	// Unmapped sources fall back to the shared calendar.
	if target := got.TargetCalendar("g"); target != "main" {
		t.Errorf("TargetCalendar = %q, want main", target)
	}
}

func TestConfigureDestination_Invalid(t *testing.T) {
	c := newTestController(newMockStorage(), newMockFetcher(), newMockDestination())
	dst := *testDestination("coin_flip")
	if _, err := c.ConfigureDestination(context.Background(), dst); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

// ---------------------------------------------------------------------------
// Agents and heartbeats
// ---------------------------------------------------------------------------

func testAgent(id string, interval int) model.SyncAgentConfig {
	a := model.NewSyncAgentConfig()
	a.ID = id
	a.Name = "Agent " + id
	a.IntervalMinutes = interval
	return a
}

func TestAddAgent(t *testing.T) {
	c := newTestController(newMockStorage(), newMockFetcher(), newMockDestination())
	ctx := context.Background()

	if _, err := c.AddAgent(ctx, testAgent("laptop", 15)); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if _, err := c.AddAgent(ctx, testAgent("laptop", 15)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate err = %v, want ErrAlreadyExists", err)
	}
	if _, err := c.AddAgent(ctx, testAgent("zero", 0)); !errors.Is(err, ErrInvalid) {
		t.Errorf("zero interval err = %v, want ErrInvalid", err)
	}
	if _, err := c.Agent(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Agent(ghost) err = %v, want ErrNotFound", err)
	}
}

func TestRegisterHeartbeat_StoresCheckInAndEvents(t *testing.T) {
	store := newMockStorage()
	cfg := testConfig(nil)
	cfg.Agents = append(cfg.Agents, testAgent("laptop", 15))
	store.seed(cfg)
	c := newTestController(store, newMockFetcher(), newMockDestination())
	ctx := context.Background()

	events := []json.RawMessage{mustJSON(testEvent("apple_x", "X", day1, t0))}
	resp, err := c.RegisterHeartbeat(ctx, "laptop", model.Heartbeat{Status: "ok", Events: events})
	if err != nil {
		t.Fatalf("RegisterHeartbeat: %v", err)
	}
	if resp.Status != "success" || !resp.Timestamp.Equal(fixedNow) {
		t.Errorf("response = %+v, want success at %s", resp, fixedNow)
	}

	agent, _ := c.Agent(ctx, "laptop")
	if agent.LastCheckIn == nil || !agent.LastCheckIn.Equal(fixedNow) {
		t.Errorf("LastCheckIn = %v, want %s", agent.LastCheckIn, fixedNow)
	}
	if got := len(store.agentEvents["laptop"]); got != 1 {
		t.Errorf("cached events = %d, want 1", got)
	}

	// A heartbeat without events keeps the cache.
	if _, err := c.RegisterHeartbeat(ctx, "laptop", model.Heartbeat{Status: "ok"}); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if got := len(store.agentEvents["laptop"]); got != 1 {
		t.Errorf("cached events after empty heartbeat = %d, want 1", got)
	}

	if _, err := c.RegisterHeartbeat(ctx, "ghost", model.Heartbeat{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown agent err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Scenario: agent liveness at the 2×interval boundary
// ---------------------------------------------------------------------------

func TestCheckAgentHeartbeats_Boundary(t *testing.T) {
	const interval = 30
	grace := 2 * interval * time.Minute
	tests := []struct {
		name    string
		ago     *time.Duration
		enabled bool
		want    string
	}{
		{"just inside", durPtr(grace - time.Second), true, "active"},
		{"exactly at grace", durPtr(grace), true, "inactive"},
		{"just outside", durPtr(grace + time.Second), true, "inactive"},
		{"never checked in", nil, true, "inactive"},
	}

	store := newMockStorage()
	cfg := testConfig(nil)
	for _, tt := range tests {
		a := testAgent(tt.name, interval)
		if tt.ago != nil {
			at := fixedNow.Add(-*tt.ago)
			a.LastCheckIn = &at
		}
		cfg.Agents = append(cfg.Agents, a)
	}
	disabled := testAgent("disabled", interval)
	disabled.Enabled = false
	cfg.Agents = append(cfg.Agents, disabled)
	store.seed(cfg)
	c := newTestController(store, newMockFetcher(), newMockDestination())

	report, err := c.CheckAgentHeartbeats(context.Background())
	if err != nil {
		t.Fatalf("CheckAgentHeartbeats: %v", err)
	}
	if report.TotalAgents != 4 {
		t.Errorf("TotalAgents = %d, want 4", report.TotalAgents)
	}
	if report.ActiveAgents != 1 || report.InactiveAgents != 3 {
		t.Errorf("active/inactive = %d/%d, want 1/3", report.ActiveAgents, report.InactiveAgents)
	}
	for _, tt := range tests {
		if got := report.AgentStatus[tt.name].Status; got != tt.want {
			t.Errorf("%s: status = %q, want %q", tt.name, got, tt.want)
		}
	}
	if _, ok := report.AgentStatus["disabled"]; ok {
		t.Error("disabled agent included in report")
	}
}

func durPtr(d time.Duration) *time.Duration { return &d }

// ---------------------------------------------------------------------------
// Imports
// ---------------------------------------------------------------------------

func TestImportEvents_StoresAndSyncs(t *testing.T) {
	store := newMockStorage()
	store.seed(testConfig(testDestination(model.LatestWins), testSource("upload", model.MethodFile)))
	dest := newMockDestination()
	c := newTestController(store, newMockFetcher(), dest)

	payload := []json.RawMessage{
		mustJSON(testEvent("google_a", "A", day1, t0)),
		mustJSON(testEvent("google_b", "B", day1, t0)),
	}
	res, err := c.ImportEvents(context.Background(), "upload", payload)
	if err != nil {
		t.Fatalf("ImportEvents: %v", err)
	}
	if res.EventsCreated != 2 {
		t.Errorf("EventsCreated = %d, want 2", res.EventsCreated)
	}
	if len(store.imports["upload"]) != 2 {
		t.Errorf("stored import = %d payloads, want 2", len(store.imports["upload"]))
	}

	if _, err := c.ImportEvents(context.Background(), "nope", payload); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown source err = %v, want ErrNotFound", err)
	}
}

const importICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//EN
BEGIN:VEVENT
UID:standup@example.com
DTSTART:20260302T090000Z
DTEND:20260302T091500Z
SUMMARY:Standup
END:VEVENT
END:VCALENDAR
`

func TestImportICS_ParsesAndSyncs(t *testing.T) {
	src := testSource("upload", model.MethodFile)
	src.ProviderType = "apple"
	store := newMockStorage()
	store.seed(testConfig(testDestination(model.LatestWins), src))
	dest := newMockDestination()
	c := newTestController(store, newMockFetcher(), dest)

	res, err := c.ImportICS(context.Background(), "upload", strings.NewReader(importICS))
	if err != nil {
		t.Fatalf("ImportICS: %v", err)
	}
	if res.EventsCreated != 1 {
		t.Errorf("EventsCreated = %d, want 1", res.EventsCreated)
	}
	got := dest.find("main", "apple_standup@example.com")
	if got == nil {
		t.Fatal("imported event missing from destination")
	}
	if got.Title != "Standup" {
		t.Errorf("title = %q, want Standup", got.Title)
	}
}

const noUIDICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nDTSTART:20260302T090000Z\r\nSUMMARY:No UID\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func TestImportICS_NoReadableEvents_Invalid(t *testing.T) {
	src := testSource("upload", model.MethodFile)
	src.ProviderType = "apple"
	store := newMockStorage()
	store.seed(testConfig(testDestination(model.LatestWins), src))
	c := newTestController(store, newMockFetcher(), newMockDestination())

	_, err := c.ImportICS(context.Background(), "upload", strings.NewReader(noUIDICS))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}
