package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calendarrelay/internal/ics"
	"github.com/njoerd114/calendarrelay/internal/model"
)

const (
	otelScope   = "calendarrelay/sync"
	spanAll     = "sync.all"
	spanSource  = "sync.source"
	spanWrite   = "sync.write"
	syncAllUnit = "sync_all"

	metricCreated       = "calendarrelay.sync.events.created"
	metricUpdated       = "calendarrelay.sync.events.updated"
	metricUnchanged     = "calendarrelay.sync.events.unchanged"
	metricFailed        = "calendarrelay.sync.events.failed"
	metricSourcesFailed = "calendarrelay.sync.sources.failed"

	// syncWindow is the span read from sources and snapshotted from the
	// destination, starting at today 00:00 UTC.
	syncWindow = 90 * 24 * time.Hour
	// apiMaxResults caps events fetched per source calendar.
	apiMaxResults = 250
)

// Controller coordinates configuration, agents and sync runs. Create one with
// [NewController]; it is safe for concurrent use.
type Controller struct {
	store    Storage
	fetcher  Fetcher
	registry Registry
	log      *slog.Logger

	now      func() time.Time
	newRunID func() string

	mu     gosync.Mutex
	active map[string]bool // in-flight units: syncAllUnit and source ids

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer           trace.Tracer
	cntCreated       metric.Int64Counter
	cntUpdated       metric.Int64Counter
	cntUnchanged     metric.Int64Counter
	cntFailed        metric.Int64Counter
	cntSourcesFailed metric.Int64Counter
}

// NewController creates a Controller. registry resolves the destination
// adapter; fetcher serves api sources.
func NewController(store Storage, fetcher Fetcher, registry Registry, logger *slog.Logger) *Controller {
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Controller{
		store:    store,
		fetcher:  fetcher,
		registry: registry,
		log:      logger,
		now:      time.Now,
		newRunID: uuid.NewString,
		active:   make(map[string]bool),

		tracer:           otel.Tracer(otelScope),
		cntCreated:       mustCounter(metricCreated, "Number of destination events created"),
		cntUpdated:       mustCounter(metricUpdated, "Number of destination events updated"),
		cntUnchanged:     mustCounter(metricUnchanged, "Number of incoming events that needed no write"),
		cntFailed:        mustCounter(metricFailed, "Number of events that failed to sync"),
		cntSourcesFailed: mustCounter(metricSourcesFailed, "Number of source syncs that failed"),
	}
}

// acquire marks unit as in flight. It returns false if it already was.
func (c *Controller) acquire(unit string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[unit] {
		return false
	}
	c.active[unit] = true
	return true
}

func (c *Controller) release(unit string) {
	c.mu.Lock()
	delete(c.active, unit)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Configuration returns the stored configuration. An empty store is
// initialized with an empty configuration first.
func (c *Controller) Configuration(ctx context.Context) (*model.SyncConfiguration, error) {
	cfg, err := c.store.Configuration(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg == nil {
		cfg = model.NewSyncConfiguration()
		normalize(cfg)
		if err := c.store.SaveConfiguration(ctx, cfg); err != nil {
			return nil, fmt.Errorf("initializing configuration: %w", err)
		}
		c.log.Info("initialized empty sync configuration")
		return cfg, nil
	}
	normalize(cfg)
	return cfg, nil
}

// SaveConfiguration validates and replaces the whole configuration.
func (c *Controller) SaveConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.store.SaveConfiguration(ctx, cfg); err != nil {
		return fmt.Errorf("saving configuration: %w", err)
	}
	return nil
}

// normalize replaces nil collections so stored documents always carry them.
func normalize(cfg *model.SyncConfiguration) {
	if cfg.Sources == nil {
		cfg.Sources = []model.SyncSource{}
	}
	if cfg.Agents == nil {
		cfg.Agents = []model.SyncAgentConfig{}
	}
	if cfg.GlobalSettings == nil {
		cfg.GlobalSettings = map[string]any{}
	}
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.SyncTokens == nil {
			s.SyncTokens = map[string]string{}
		}
		if s.Calendars == nil {
			s.Calendars = []string{}
		}
		if s.ConnectionInfo == nil {
			s.ConnectionInfo = map[string]any{}
		}
	}
	if d := cfg.Destination; d != nil && d.SourceCalendars == nil {
		d.SourceCalendars = map[string]string{}
	}
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// Sources lists the configured sources.
func (c *Controller) Sources(ctx context.Context) ([]model.SyncSource, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.Sources, nil
}

// AddSource appends src. The id must be unused.
func (c *Controller) AddSource(ctx context.Context, src model.SyncSource) (*model.SyncSource, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Source(src.ID) != nil {
		return nil, fmt.Errorf("source %q: %w", src.ID, ErrAlreadyExists)
	}
	cfg.Sources = append(cfg.Sources, src)
	if err := c.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	c.log.Info("source added", "source_id", src.ID, "provider", src.ProviderType, "method", src.SyncMethod)
	return cfg.Source(src.ID), nil
}

// UpdateSource applies mutate to the stored source. The id cannot change.
func (c *Controller) UpdateSource(ctx context.Context, id string, mutate func(*model.SyncSource)) (*model.SyncSource, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	src := cfg.Source(id)
	if src == nil {
		return nil, fmt.Errorf("source %q: %w", id, ErrNotFound)
	}
	mutate(src)
	src.ID = id
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg.Source(id), nil
}

// RemoveSource deletes the source with id.
func (c *Controller) RemoveSource(ctx context.Context, id string) error {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return err
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].ID == id {
			cfg.Sources = append(cfg.Sources[:i], cfg.Sources[i+1:]...)
			if err := c.SaveConfiguration(ctx, cfg); err != nil {
				return err
			}
			c.log.Info("source removed", "source_id", id)
			return nil
		}
	}
	return fmt.Errorf("source %q: %w", id, ErrNotFound)
}

// ---------------------------------------------------------------------------
// Destination
// ---------------------------------------------------------------------------

// ConfigureDestination stores dst. Under the separate-calendar strategy a
// calendar is provisioned for every enabled source that lacks one;
// provisioning failures are logged and leave the source unmapped.
func (c *Controller) ConfigureDestination(ctx context.Context, dst model.SyncDestination) (*model.SyncDestination, error) {
	if dst.SourceCalendars == nil {
		dst.SourceCalendars = map[string]string{}
	}
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}

	// Calendars provisioned earlier on the same provider stay mapped.
	if prev := cfg.Destination; prev != nil && prev.ProviderType == dst.ProviderType {
		for srcID, calID := range prev.SourceCalendars {
			if dst.SourceCalendars[srcID] == "" {
				dst.SourceCalendars[srcID] = calID
			}
		}
	}

	if dst.CalendarStrategy == model.StrategySeparateCalendar {
		c.provisionCalendars(ctx, &dst, cfg.Sources)
	}

	cfg.Destination = &dst
	if err := c.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	c.log.Info("destination configured", "provider", dst.ProviderType, "strategy", dst.CalendarStrategy)
	return cfg.Destination, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// Agents lists the configured agents.
func (c *Controller) Agents(ctx context.Context) ([]model.SyncAgentConfig, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.Agents, nil
}

// Agent returns the agent with id.
func (c *Controller) Agent(ctx context.Context, id string) (*model.SyncAgentConfig, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	a := cfg.Agent(id)
	if a == nil {
		return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return a, nil
}

// AddAgent appends agent. The id must be unused.
func (c *Controller) AddAgent(ctx context.Context, agent model.SyncAgentConfig) (*model.SyncAgentConfig, error) {
	if err := agent.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Agent(agent.ID) != nil {
		return nil, fmt.Errorf("agent %q: %w", agent.ID, ErrAlreadyExists)
	}
	if agent.Sources == nil {
		agent.Sources = []model.SyncSource{}
	}
	cfg.Agents = append(cfg.Agents, agent)
	if err := c.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	c.log.Info("agent added", "agent_id", agent.ID, "interval_minutes", agent.IntervalMinutes)
	return cfg.Agent(agent.ID), nil
}

// RegisterHeartbeat stamps the agent's check-in time and, when the payload
// carries events, replaces the agent's cached events.
func (c *Controller) RegisterHeartbeat(ctx context.Context, agentID string, hb model.Heartbeat) (*model.HeartbeatResponse, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	agent := cfg.Agent(agentID)
	if agent == nil {
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}

	now := c.now().UTC()
	agent.LastCheckIn = &now
	if err := c.store.SaveConfiguration(ctx, cfg); err != nil {
		return nil, fmt.Errorf("saving check-in: %w", err)
	}

	if hb.Events != nil {
		if err := c.store.SaveAgentEvents(ctx, agentID, hb.Events); err != nil {
			return nil, fmt.Errorf("caching agent events: %w", err)
		}
	}

	c.log.Debug("heartbeat registered", "agent_id", agentID, "status", hb.Status, "events", len(hb.Events))
	return &model.HeartbeatResponse{
		Status:    "success",
		Timestamp: now,
		Message:   "Heartbeat registered successfully",
	}, nil
}

// CheckAgentHeartbeats reports liveness for every enabled agent. An agent is
// active while less than twice its interval has passed since its last
// check-in; an agent that never checked in is inactive.
func (c *Controller) CheckAgentHeartbeats(ctx context.Context) (*model.AgentStatusReport, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	report := &model.AgentStatusReport{AgentStatus: make(map[string]model.AgentHealth)}
	for _, a := range cfg.Agents {
		if !a.Enabled {
			continue
		}
		report.TotalAgents++

		grace := 2 * time.Duration(a.IntervalMinutes) * time.Minute
		status := "inactive"
		if a.LastCheckIn != nil && now.Sub(*a.LastCheckIn) < grace {
			status = "active"
			report.ActiveAgents++
		} else {
			report.InactiveAgents++
		}
		report.AgentStatus[a.ID] = model.AgentHealth{Name: a.Name, Status: status, LastCheckIn: a.LastCheckIn}
	}
	return report, nil
}

// ---------------------------------------------------------------------------
// Imports
// ---------------------------------------------------------------------------

// ImportEvents stores a normalized event payload for sourceID and syncs the
// source.
func (c *Controller) ImportEvents(ctx context.Context, sourceID string, events []json.RawMessage) (*model.SourceSyncResult, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Source(sourceID) == nil {
		return nil, fmt.Errorf("source %q: %w", sourceID, ErrNotFound)
	}
	if err := c.store.SaveImportData(ctx, sourceID, events); err != nil {
		return nil, fmt.Errorf("storing import: %w", err)
	}
	c.log.Info("import stored", "source_id", sourceID, "events", len(events))
	return c.SyncSource(ctx, sourceID)
}

// ImportICS parses an iCalendar payload for sourceID over the sync window,
// stores the normalized events and syncs the source. The source's
// provider_type names the events. Unreadable VEVENTs are logged and skipped.
func (c *Controller) ImportICS(ctx context.Context, sourceID string, r io.Reader) (*model.SourceSyncResult, error) {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	src := cfg.Source(sourceID)
	if src == nil {
		return nil, fmt.Errorf("source %q: %w", sourceID, ErrNotFound)
	}

	start, end := c.window()
	events, err := ics.Parse(r, ics.Options{
		Provider:     model.Provider(src.ProviderType),
		CalendarID:   sourceID,
		CalendarName: src.Name,
		Start:        start,
		End:          end,
	}, c.now())
	if events == nil && err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err != nil {
		c.log.Warn("ics import skipped events", "source_id", sourceID, "error", err)
	}

	raw := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encoding event %s: %w", ev.ID, err)
		}
		raw = append(raw, b)
	}
	return c.ImportEvents(ctx, sourceID, raw)
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// LatestResult returns the most recent SyncAll result, or nil.
func (c *Controller) LatestResult(ctx context.Context) (*model.SyncRunResult, error) {
	return c.store.LatestSyncResult(ctx)
}

// History returns up to n SyncAll results, newest first.
func (c *Controller) History(ctx context.Context, n int) ([]model.HistoryEntry[model.SyncRunResult], error) {
	return c.store.SyncHistory(ctx, n)
}

// SourceHistory returns up to n results for sourceID, newest first.
func (c *Controller) SourceHistory(ctx context.Context, sourceID string, n int) ([]model.HistoryEntry[model.SourceSyncResult], error) {
	return c.store.SourceSyncHistory(ctx, sourceID, n)
}

// window returns [today 00:00 UTC, +syncWindow).
func (c *Controller) window() (time.Time, time.Time) {
	now := c.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(syncWindow)
}
