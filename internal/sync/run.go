package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calendarrelay/internal/fetch"
	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

// SyncAll syncs every enabled source in order and records the aggregate run.
// Individual source failures are counted in the result, not returned.
// A concurrent call returns a result with status in_progress.
func (c *Controller) SyncAll(ctx context.Context) (*model.SyncRunResult, error) {
	runID := c.newRunID()
	if !c.acquire(syncAllUnit) {
		return &model.SyncRunResult{
			RunID:   runID,
			Status:  model.ResultInProgress,
			Message: "Sync already in progress",
			Errors:  []string{},
		}, nil
	}
	defer c.release(syncAllUnit)

	ctx, span := c.tracer.Start(ctx, spanAll, trace.WithAttributes(attribute.String("sync.run_id", runID)))
	defer span.End()

	cfg, err := c.Configuration(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if cfg.Destination == nil {
		span.RecordError(ErrNoDestination)
		return nil, ErrNoDestination
	}

	run := &model.SyncRunResult{
		RunID:     runID,
		Status:    model.ResultCompleted,
		Errors:    []string{},
		StartTime: c.now().UTC(),
	}

	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		if !c.acquire(src.ID) {
			c.log.Info("source sync already in progress, skipping", "source_id", src.ID)
			continue
		}
		res, err := c.syncSource(ctx, src.ID, runID)
		c.release(src.ID)

		switch {
		case err != nil:
			run.SourcesFailed++
			run.Errors = append(run.Errors, fmt.Sprintf("source %s: %v", src.ID, err))
			c.log.Error("source sync failed", "source_id", src.ID, "error", err)
		case res.Status == model.ResultFailed:
			run.SourcesFailed++
			run.Errors = append(run.Errors, fmt.Sprintf("source %s: %s", src.ID, res.Message))
		default:
			run.SourcesSynced++
		}
		if res != nil {
			run.EventsSynced += res.EventsSynced
			for _, e := range res.Errors {
				run.Errors = append(run.Errors, fmt.Sprintf("source %s: %s", src.ID, e))
			}
		}
	}

	if run.SourcesFailed > 0 && run.SourcesSynced == 0 {
		run.Status = model.ResultFailed
	}
	run.Message = fmt.Sprintf("synced %d sources, %d failed", run.SourcesSynced, run.SourcesFailed)
	run.EndTime = c.now().UTC()

	span.SetAttributes(
		attribute.Int("sync.sources_synced", run.SourcesSynced),
		attribute.Int("sync.sources_failed", run.SourcesFailed),
		attribute.Int("sync.events_synced", run.EventsSynced),
	)

	if err := c.store.SaveSyncResult(ctx, run); err != nil {
		return run, fmt.Errorf("saving sync result: %w", err)
	}
	c.log.Info("sync complete",
		"run_id", runID,
		"sources_synced", run.SourcesSynced,
		"sources_failed", run.SourcesFailed,
		"events_synced", run.EventsSynced,
	)
	return run, nil
}

// SyncSource syncs one source into the destination. A concurrent call for
// the same source returns a result with status in_progress.
func (c *Controller) SyncSource(ctx context.Context, id string) (*model.SourceSyncResult, error) {
	runID := c.newRunID()
	if !c.acquire(id) {
		return &model.SourceSyncResult{
			RunID:    runID,
			SourceID: id,
			Status:   model.ResultInProgress,
			Message:  fmt.Sprintf("Sync for source %s already in progress", id),
			Errors:   []string{},
		}, nil
	}
	defer c.release(id)
	return c.syncSource(ctx, id, runID)
}

// syncSource does the work of SyncSource. The caller holds the unit for id.
func (c *Controller) syncSource(ctx context.Context, id, runID string) (*model.SourceSyncResult, error) {
	ctx, span := c.tracer.Start(ctx, spanSource, trace.WithAttributes(attribute.String("sync.source_id", id)))
	defer span.End()

	cfg, err := c.Configuration(ctx)
	if err != nil {
		return nil, err
	}
	src := cfg.Source(id)
	if src == nil {
		return nil, fmt.Errorf("source %q: %w", id, ErrNotFound)
	}

	res := &model.SourceSyncResult{
		RunID:     runID,
		SourceID:  id,
		Status:    model.ResultCompleted,
		Errors:    []string{},
		StartTime: c.now().UTC(),
	}
	if !src.Enabled {
		res.Status = model.ResultSkipped
		res.Message = "Source is disabled"
		res.EndTime = res.StartTime
		return res, nil
	}
	if cfg.Destination == nil {
		return nil, ErrNoDestination
	}

	events, tokens, acqErr := c.acquireEvents(ctx, src, res)
	if acqErr != nil {
		res.Status = model.ResultFailed
		res.Message = acqErr.Error()
		res.EndTime = c.now().UTC()
		span.RecordError(acqErr)
		c.cntSourcesFailed.Add(ctx, 1)
		if err := c.store.SaveSourceSyncResult(ctx, res); err != nil {
			c.log.Error("saving source result failed", "source_id", id, "error", err)
		}
		return res, acqErr
	}

	var writeErr error
	if len(events) > 0 {
		if writeErr = c.writeEvents(ctx, cfg.Destination, src, events, res); writeErr != nil {
			res.Status = model.ResultFailed
			res.Message = writeErr.Error()
			span.RecordError(writeErr)
			c.cntSourcesFailed.Add(ctx, 1)
		}
	}

	// A token only advances once every event it covers reached the
	// destination; otherwise the next run must see those events again.
	if len(tokens) > 0 && (writeErr != nil || res.EventsFailed > 0) {
		c.log.Warn("keeping previous sync tokens",
			"source_id", id,
			"events_failed", res.EventsFailed,
			"write_failed", writeErr != nil,
		)
		tokens = nil
	}

	if err := c.recordProgress(ctx, id, tokens); err != nil {
		res.Errors = append(res.Errors, err.Error())
		c.log.Error("recording source progress failed", "source_id", id, "error", err)
	}

	if res.Status == model.ResultCompleted {
		res.Message = fmt.Sprintf("synced %d events, %d failed", res.EventsSynced, res.EventsFailed)
	}
	res.EndTime = c.now().UTC()
	span.SetAttributes(
		attribute.Int("sync.events_synced", res.EventsSynced),
		attribute.Int("sync.events_failed", res.EventsFailed),
	)

	if err := c.store.SaveSourceSyncResult(ctx, res); err != nil {
		return res, fmt.Errorf("saving source result: %w", err)
	}
	c.log.Info("source synced",
		"source_id", id,
		"method", src.SyncMethod,
		"created", res.EventsCreated,
		"updated", res.EventsUpdated,
		"unchanged", res.EventsUnchanged,
		"failed", res.EventsFailed,
	)
	return res, nil
}

// acquireEvents reads the source's events according to its sync method.
// Partial failures land in res; the returned error means no events could be
// acquired at all.
func (c *Controller) acquireEvents(ctx context.Context, src *model.SyncSource, res *model.SourceSyncResult) ([]*model.CalendarEvent, map[string]string, error) {
	switch src.SyncMethod {
	case model.MethodAPI:
		return c.fetchFromAPI(ctx, src, res)

	case model.MethodAgent:
		agentID := c.agentFor(ctx, src)
		raw, err := c.store.AgentEvents(ctx, agentID)
		if err != nil {
			return nil, nil, fmt.Errorf("reading agent %s cache: %w", agentID, err)
		}
		if raw == nil {
			c.log.Info("no cached events for agent", "source_id", src.ID, "agent_id", agentID)
		}
		return c.decodeEvents(src.ID, raw, res), nil, nil

	case model.MethodFile, model.MethodEmail:
		raw, err := c.store.ImportData(ctx, src.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("reading import data: %w", err)
		}
		return c.decodeEvents(src.ID, raw, res), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, src.SyncMethod)
	}
}

func (c *Controller) fetchFromAPI(ctx context.Context, src *model.SyncSource, res *model.SourceSyncResult) ([]*model.CalendarEvent, map[string]string, error) {
	p := model.Provider(src.ProviderType)
	if !p.Valid() {
		return nil, nil, fmt.Errorf("%w: %q for provider %q", ErrUnsupportedMethod, src.SyncMethod, src.ProviderType)
	}

	start, end := c.window()
	out := c.fetcher.GetAllEvents(ctx, fetch.Request{
		Credentials: map[model.Provider]provider.Credentials{p: provider.Credentials(src.Credentials)},
		Selections:  map[model.Provider][]string{p: src.Calendars},
		Start:       start,
		End:         end,
		MaxResults:  apiMaxResults,
		Tokens:      fetch.Tokens{p: src.SyncTokens},
	})
	for _, f := range out.Failures {
		res.Errors = append(res.Errors, f.Error())
	}
	return out.Events, out.Tokens[p], nil
}

// agentFor picks the agent serving src: the one listing it among its
// sources, else connection_info.agent_id, else the source id itself.
func (c *Controller) agentFor(ctx context.Context, src *model.SyncSource) string {
	cfg, err := c.Configuration(ctx)
	if err == nil {
		for i := range cfg.Agents {
			if cfg.Agents[i].Serves(src.ID) {
				return cfg.Agents[i].ID
			}
		}
	}
	if id, ok := src.ConnectionInfo["agent_id"].(string); ok && id != "" {
		return id
	}
	return src.ID
}

// decodeEvents parses cached payloads. Payloads that fail to decode or
// validate are counted as failed events.
func (c *Controller) decodeEvents(sourceID string, raw []json.RawMessage, res *model.SourceSyncResult) []*model.CalendarEvent {
	events := make([]*model.CalendarEvent, 0, len(raw))
	for i, r := range raw {
		var ev model.CalendarEvent
		err := json.Unmarshal(r, &ev)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			res.EventsFailed++
			res.Errors = append(res.Errors, fmt.Sprintf("payload %d: %v", i, err))
			c.log.Warn("skipping invalid event payload", "source_id", sourceID, "index", i, "error", err)
			continue
		}
		events = append(events, &ev)
	}
	return events
}

// recordProgress merges tokens into the stored source and stamps last_sync
// on a freshly loaded configuration.
func (c *Controller) recordProgress(ctx context.Context, id string, tokens map[string]string) error {
	cfg, err := c.Configuration(ctx)
	if err != nil {
		return err
	}
	src := cfg.Source(id)
	if src == nil {
		return errors.New("source removed during sync")
	}
	for cal, tok := range tokens {
		src.SyncTokens[cal] = tok
	}
	now := c.now().UTC()
	src.LastSync = &now
	if err := c.store.SaveConfiguration(ctx, cfg); err != nil {
		return fmt.Errorf("saving sync progress: %w", err)
	}
	return nil
}
