// Package api serves the sync controller over HTTP. Every endpoint takes and
// returns JSON; errors are reported as {"detail": "..."} with a status code
// derived from the controller's sentinel errors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/njoerd114/calendarrelay/internal/fetch"
	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

const (
	// maxBodyBytes caps request bodies, imports included.
	maxBodyBytes = 10 << 20

	defaultHistoryLimit = 10
	readHeaderTimeout   = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// Controller is the set of sync operations the API exposes.
// Implemented by [sync.Controller].
type Controller interface {
	Configuration(ctx context.Context) (*model.SyncConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error
	ConfigureDestination(ctx context.Context, dst model.SyncDestination) (*model.SyncDestination, error)

	Sources(ctx context.Context) ([]model.SyncSource, error)
	AddSource(ctx context.Context, src model.SyncSource) (*model.SyncSource, error)
	UpdateSource(ctx context.Context, id string, mutate func(*model.SyncSource)) (*model.SyncSource, error)
	RemoveSource(ctx context.Context, id string) error

	Agents(ctx context.Context) ([]model.SyncAgentConfig, error)
	Agent(ctx context.Context, id string) (*model.SyncAgentConfig, error)
	AddAgent(ctx context.Context, agent model.SyncAgentConfig) (*model.SyncAgentConfig, error)
	RegisterHeartbeat(ctx context.Context, agentID string, hb model.Heartbeat) (*model.HeartbeatResponse, error)
	CheckAgentHeartbeats(ctx context.Context) (*model.AgentStatusReport, error)

	SyncAll(ctx context.Context) (*model.SyncRunResult, error)
	SyncSource(ctx context.Context, id string) (*model.SourceSyncResult, error)
	ImportEvents(ctx context.Context, sourceID string, events []json.RawMessage) (*model.SourceSyncResult, error)
	ImportICS(ctx context.Context, sourceID string, r io.Reader) (*model.SourceSyncResult, error)

	History(ctx context.Context, n int) ([]model.HistoryEntry[model.SyncRunResult], error)
	SourceHistory(ctx context.Context, sourceID string, n int) ([]model.HistoryEntry[model.SourceSyncResult], error)
}

// Fetcher reads calendars and events across providers for the unified view.
// Implemented by [fetch.Service].
type Fetcher interface {
	ListAllCalendars(ctx context.Context, creds map[model.Provider]provider.Credentials) map[model.Provider][]provider.Calendar
	GetAllEvents(ctx context.Context, req fetch.Request) *fetch.Result
}

// Server routes HTTP requests to a [Controller] and a [Fetcher].
type Server struct {
	ctrl    Controller
	fetcher Fetcher
	log     *slog.Logger
	mux     *http.ServeMux
	newID   func() string
}

// New creates a Server with every route registered.
func New(ctrl Controller, fetcher Fetcher, logger *slog.Logger, newID func() string) *Server {
	s := &Server{ctrl: ctrl, fetcher: fetcher, log: logger, mux: http.NewServeMux(), newID: newID}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/calendars", s.handleListCalendars)
	s.mux.HandleFunc("GET /api/events", s.handleListEvents)

	s.mux.HandleFunc("GET /api/sync/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/sync/config", s.handlePutConfig)
	s.mux.HandleFunc("POST /api/sync/config/destination", s.handleConfigureDestination)

	s.mux.HandleFunc("GET /api/sync/sources", s.handleListSources)
	s.mux.HandleFunc("POST /api/sync/sources", s.handleAddSource)
	s.mux.HandleFunc("PUT /api/sync/sources/{id}", s.handleUpdateSource)
	s.mux.HandleFunc("DELETE /api/sync/sources/{id}", s.handleRemoveSource)
	s.mux.HandleFunc("GET /api/sync/sources/{id}/history", s.handleSourceHistory)

	s.mux.HandleFunc("GET /api/sync/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/sync/agents", s.handleAddAgent)
	s.mux.HandleFunc("GET /api/sync/agents/status", s.handleAgentStatus)
	s.mux.HandleFunc("POST /api/sync/agents/{id}/heartbeat", s.handleHeartbeat)

	s.mux.HandleFunc("POST /api/sync/run", s.handleSyncAll)
	s.mux.HandleFunc("POST /api/sync/run/{id}", s.handleSyncSource)
	s.mux.HandleFunc("POST /api/sync/import/{id}", s.handleImport)
	s.mux.HandleFunc("GET /api/sync/history", s.handleHistory)
}

// Handler returns the routed handler wrapped with request logging and
// tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.logRequests(s.mux), "calendarrelay.api")
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
