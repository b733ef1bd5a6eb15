// Package fetch is the unified fetch layer: it fans calendar and event reads
// out across providers concurrently and merges the results. A failing
// provider or calendar never fails its siblings; it contributes an empty
// result and a [Failure] entry.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

const (
	// DefaultWindow is the fetch span when a request leaves End unset.
	DefaultWindow = 30 * 24 * time.Hour
	// DefaultMaxResults is the per-calendar cap when a request leaves
	// MaxResults unset.
	DefaultMaxResults = 100

	otelScope     = "github.com/njoerd114/calendarrelay/internal/fetch"
	spanCalendars = "fetch.calendars"
	spanEvents    = "fetch.events"
	spanCalendar  = "fetch.calendar"
)

// Registry resolves adapters by provider type.
// Implemented by [provider.Registry].
type Registry interface {
	Lookup(providerType string) (provider.Adapter, error)
}

// Service runs fan-out reads against the registered adapters.
type Service struct {
	registry Registry
	log      *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

// New returns a Service.
func New(registry Registry, logger *slog.Logger) *Service {
	return &Service{registry: registry, log: logger, now: time.Now, tracer: otel.Tracer(otelScope)}
}

// Tokens maps provider to calendar id to continuation token.
type Tokens map[model.Provider]map[string]string

// Get returns the token for one calendar of one provider, or "".
func (t Tokens) Get(p model.Provider, calendarID string) string {
	return t[p][calendarID]
}

func (t Tokens) set(p model.Provider, calendarID, token string) {
	if t[p] == nil {
		t[p] = make(map[string]string)
	}
	t[p][calendarID] = token
}

// Request describes one GetAllEvents call.
type Request struct {
	// Credentials per provider; providers without an entry are skipped.
	Credentials map[model.Provider]provider.Credentials
	// Selections lists the calendar ids to read per provider.
	Selections map[model.Provider][]string
	Start      time.Time
	End        time.Time
	MaxResults int
	// Tokens holds the continuation tokens from the last fetch.
	Tokens Tokens
}

// Failure records one provider or calendar that contributed no events.
// CalendarID is empty when authentication failed for the whole provider.
type Failure struct {
	Provider   model.Provider
	CalendarID string
	Err        error
}

func (f Failure) Error() string {
	if f.CalendarID == "" {
		return fmt.Sprintf("%s: %v", f.Provider, f.Err)
	}
	return fmt.Sprintf("%s calendar %s: %v", f.Provider, f.CalendarID, f.Err)
}

// Result is the merged outcome of GetAllEvents.
type Result struct {
	// Events sorted ascending by start time.
	Events []*model.CalendarEvent
	// Tokens holds only calendars that returned a new token.
	Tokens   Tokens
	Failures []Failure
}

// Err joins all failures, or returns nil.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// ListAllCalendars lists calendars for every provider in creds concurrently.
// A provider that fails maps to an empty list.
func (s *Service) ListAllCalendars(ctx context.Context, creds map[model.Provider]provider.Credentials) map[model.Provider][]provider.Calendar {
	ctx, span := s.tracer.Start(ctx, spanCalendars, trace.WithAttributes(attribute.Int("fetch.providers", len(creds))))
	defer span.End()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[model.Provider][]provider.Calendar, len(creds))
	)
	for p, c := range creds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cals, err := s.listCalendars(ctx, p, c)
			if err != nil {
				s.log.Warn("listing calendars failed", "provider", p, "error", err)
				span.RecordError(err, trace.WithAttributes(attribute.String("fetch.provider", string(p))))
				cals = []provider.Calendar{}
			}
			mu.Lock()
			out[p] = cals
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (s *Service) listCalendars(ctx context.Context, p model.Provider, creds provider.Credentials) ([]provider.Calendar, error) {
	sess, err := s.authenticate(ctx, p, creds)
	if err != nil {
		return nil, err
	}
	return sess.ListCalendars(ctx)
}

// GetAllEvents reads every selected calendar concurrently, one goroutine per
// (provider, calendar). Each provider authenticates once.
func (s *Service) GetAllEvents(ctx context.Context, req Request) *Result {
	start, end := req.Start, req.End
	if start.IsZero() {
		now := s.now().UTC()
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = start.Add(DefaultWindow)
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	ctx, span := s.tracer.Start(ctx, spanEvents, trace.WithAttributes(
		attribute.Int("fetch.providers", len(req.Selections)),
		attribute.String("fetch.start", start.Format(time.RFC3339)),
		attribute.String("fetch.end", end.Format(time.RFC3339)),
	))
	defer span.End()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = &Result{Tokens: make(Tokens)}
	)
	fail := func(f Failure) {
		s.log.Warn("fetch failed", "provider", f.Provider, "calendar_id", f.CalendarID, "error", f.Err)
		mu.Lock()
		res.Failures = append(res.Failures, f)
		mu.Unlock()
	}

	for p, calendars := range req.Selections {
		if len(calendars) == 0 {
			continue
		}
		creds, ok := req.Credentials[p]
		if !ok {
			fail(Failure{Provider: p, Err: errors.New("no credentials")})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.authenticate(ctx, p, creds)
			if err != nil {
				fail(Failure{Provider: p, Err: err})
				return
			}

			for _, calID := range calendars {
				wg.Add(1)
				go func() {
					defer wg.Done()
					cctx, cspan := s.tracer.Start(ctx, spanCalendar, trace.WithAttributes(
						attribute.String("fetch.provider", string(p)),
						attribute.String("fetch.calendar_id", calID),
					))
					defer cspan.End()

					q := provider.Query{Start: start, End: end, MaxResults: maxResults, Token: req.Tokens.Get(p, calID)}
					page, err := s.getEvents(cctx, sess, calID, q)
					if err != nil {
						cspan.RecordError(err)
						cspan.SetStatus(codes.Error, "fetch failed")
						fail(Failure{Provider: p, CalendarID: calID, Err: err})
						return
					}
					cspan.SetAttributes(attribute.Int("fetch.events", len(page.Events)))
					mu.Lock()
					res.Events = append(res.Events, page.Events...)
					if page.NextToken != "" {
						res.Tokens.set(p, calID, page.NextToken)
					}
					mu.Unlock()
				}()
			}
		}()
	}
	wg.Wait()

	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].StartTime.Before(res.Events[j].StartTime)
	})
	span.SetAttributes(
		attribute.Int("fetch.events", len(res.Events)),
		attribute.Int("fetch.failures", len(res.Failures)),
	)
	return res
}

// getEvents falls back to one full fetch when the continuation token has
// expired.
func (s *Service) getEvents(ctx context.Context, sess provider.Session, calendarID string, q provider.Query) (*provider.EventPage, error) {
	page, err := sess.GetEvents(ctx, calendarID, q)
	if err == nil || q.Token == "" || !errors.Is(err, provider.ErrTokenExpired) {
		return page, err
	}
	s.log.Info("sync token expired, running full fetch", "calendar_id", calendarID)
	q.Token = ""
	return sess.GetEvents(ctx, calendarID, q)
}

func (s *Service) authenticate(ctx context.Context, p model.Provider, creds provider.Credentials) (provider.Session, error) {
	adapter, err := s.registry.Lookup(string(p))
	if err != nil {
		return nil, err
	}
	sess, err := adapter.Authenticate(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("authenticating %s: %w", p, err)
	}
	return sess, nil
}
