package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

// writeEvents reconciles events against one snapshot of the destination
// calendar and records the outcome in res. Individual event failures are
// counted and never abort the batch; the returned error means the
// destination could not be reached at all.
func (c *Controller) writeEvents(ctx context.Context, dst *model.SyncDestination, src *model.SyncSource, events []*model.CalendarEvent, res *model.SourceSyncResult) error {
	if src.SyncDirection == model.DirectionWriteOnly {
		c.log.Debug("write-only source, not copying events", "source_id", src.ID)
		return nil
	}

	target := dst.TargetCalendar(src.ID)
	ctx, span := c.tracer.Start(ctx, spanWrite, trace.WithAttributes(
		attribute.String("sync.source_id", src.ID),
		attribute.String("sync.calendar_id", target),
		attribute.Int("sync.incoming", len(events)),
	))
	defer span.End()

	sess, err := c.destinationSession(ctx, dst)
	if err != nil {
		span.RecordError(err)
		return err
	}

	existing := c.snapshot(ctx, sess, target)

	var created, updated, unchanged, failed int
	for _, ev := range events {
		out, err := c.writeOne(ctx, sess, dst.ConflictResolution, target, ev, existing[ev.ID])
		if err != nil {
			failed++
			res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
			c.log.Warn("event sync failed", "source_id", src.ID, "event_id", ev.ID, "error", err)
			continue
		}
		switch out {
		case outcomeCreated:
			created++
		case outcomeUpdated:
			updated++
		default:
			unchanged++
		}
	}

	res.EventsCreated += created
	res.EventsUpdated += updated
	res.EventsUnchanged += unchanged
	res.EventsSynced += created + updated + unchanged
	res.EventsFailed += failed

	c.cntCreated.Add(ctx, int64(created))
	c.cntUpdated.Add(ctx, int64(updated))
	c.cntUnchanged.Add(ctx, int64(unchanged))
	c.cntFailed.Add(ctx, int64(failed))
	span.SetAttributes(
		attribute.Int("sync.created", created),
		attribute.Int("sync.updated", updated),
		attribute.Int("sync.unchanged", unchanged),
		attribute.Int("sync.failed", failed),
	)
	return nil
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// writeOne creates ev when the destination has no copy (current is nil),
// otherwise updates the copy only if the resolved winner differs from it.
func (c *Controller) writeOne(ctx context.Context, sess provider.Session, strategy model.ConflictResolution, target string, ev, current *model.CalendarEvent) (outcome, error) {
	if current == nil {
		if err := sess.CreateEvent(ctx, target, ev); err != nil {
			return 0, fmt.Errorf("creating: %w", err)
		}
		return outcomeCreated, nil
	}

	winner := c.resolve(strategy, ev, current)
	if winner.Equal(current) {
		return outcomeUnchanged, nil
	}
	if err := sess.UpdateEvent(ctx, target, current.ProviderID, winner); err != nil {
		return 0, fmt.Errorf("updating %s: %w", current.ProviderID, err)
	}
	return outcomeUpdated, nil
}

// resolve picks the version to keep when an event exists on both sides.
func (c *Controller) resolve(strategy model.ConflictResolution, incoming, existing *model.CalendarEvent) *model.CalendarEvent {
	switch strategy {
	case model.SourceWins:
		return incoming
	case model.DestinationWins:
		return existing
	case model.LatestWins:
		if incoming.LatestChange().After(existing.LatestChange()) {
			return incoming
		}
		return existing
	default:
		c.log.Warn("manual conflict resolution required, keeping destination copy",
			"event_id", incoming.ID, "title", incoming.Title)
		return existing
	}
}

func (c *Controller) destinationSession(ctx context.Context, dst *model.SyncDestination) (provider.Session, error) {
	adapter, err := c.registry.Lookup(dst.ProviderType)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	sess, err := adapter.Authenticate(ctx, provider.Credentials(dst.Credentials))
	if err != nil {
		return nil, fmt.Errorf("authenticating destination: %w", err)
	}
	return sess, nil
}

// snapshot reads the destination calendar over the sync window, keyed by
// normalized id. A failed read is logged and yields an empty snapshot.
func (c *Controller) snapshot(ctx context.Context, sess provider.Session, calendarID string) map[string]*model.CalendarEvent {
	start, end := c.window()
	page, err := sess.GetEvents(ctx, calendarID, provider.Query{Start: start, End: end})
	if err != nil {
		c.log.Warn("reading destination events failed, treating as empty", "calendar_id", calendarID, "error", err)
		return map[string]*model.CalendarEvent{}
	}
	out := make(map[string]*model.CalendarEvent, len(page.Events))
	for _, ev := range page.Events {
		out[ev.ID] = ev
	}
	return out
}
