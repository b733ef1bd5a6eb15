package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/calendarrelay/internal/fetch"
	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
	syncp "github.com/njoerd114/calendarrelay/internal/sync"
)

// errBadRequest marks request bodies and parameters that could not be read.
var errBadRequest = errors.New("bad request")

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- configuration -----------------------------------------------------------

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.ctrl.Configuration(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.SyncConfiguration
	if err := decodeBody(w, r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ctrl.SaveConfiguration(r.Context(), &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &cfg)
}

func (s *Server) handleConfigureDestination(w http.ResponseWriter, r *http.Request) {
	dst := model.NewSyncDestination()
	if err := decodeBody(w, r, &dst); err != nil {
		s.writeError(w, err)
		return
	}
	if dst.ID == "" {
		dst.ID = s.newID()
	}
	out, err := s.ctrl.ConfigureDestination(r.Context(), dst)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- sources -----------------------------------------------------------------

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.ctrl.Sources(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	src := model.NewSyncSource()
	if err := decodeBody(w, r, &src); err != nil {
		s.writeError(w, err)
		return
	}
	if src.ID == "" {
		src.ID = s.newID()
	}
	out, err := s.ctrl.AddSource(r.Context(), src)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUpdateSource merges the JSON object in the body over the stored
// source. Fields absent from the body keep their values.
func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Reject type mismatches before touching the stored source.
	var probe model.SyncSource
	if err := json.Unmarshal(raw, &probe); err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	out, err := s.ctrl.UpdateSource(r.Context(), r.PathValue("id"), func(src *model.SyncSource) {
		_ = json.Unmarshal(raw, src)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.RemoveSource(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Source %s removed", id),
	})
}

func (s *Server) handleSourceHistory(w http.ResponseWriter, r *http.Request) {
	n, err := historyLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hist, err := s.ctrl.SourceHistory(r.Context(), r.PathValue("id"), n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hist))
}

// --- agents ------------------------------------------------------------------

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.ctrl.Agents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	agent := model.NewSyncAgentConfig()
	if err := decodeBody(w, r, &agent); err != nil {
		s.writeError(w, err)
		return
	}
	if agent.ID == "" {
		agent.ID = s.newID()
	}
	out, err := s.ctrl.AddAgent(r.Context(), agent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.CheckAgentHeartbeats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleHeartbeat requires "Authorization: Bearer <auth_token>" when the
// agent has a token configured.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.ctrl.Agent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agent.AuthToken != "" && !validBearer(r, agent.AuthToken) {
		s.log.Warn("heartbeat rejected", "agent_id", id, "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "invalid agent token"})
		return
	}

	var hb model.Heartbeat
	if err := decodeBody(w, r, &hb); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.ctrl.RegisterHeartbeat(r.Context(), id, hb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func validBearer(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// --- sync --------------------------------------------------------------------

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.SyncAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncSource(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.SyncSource(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type importResponse struct {
	Status         string                  `json:"status"`
	EventsImported int                     `json:"events_imported"`
	SyncResult     *model.SourceSyncResult `json:"sync_result"`
}

// handleImport accepts a text/calendar body or a JSON array of normalized
// events.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		res      *model.SourceSyncResult
		imported int
		err      error
	)
	if ct == "text/calendar" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		res, err = s.ctrl.ImportICS(r.Context(), id, r.Body)
		if res != nil {
			imported = res.EventsSynced + res.EventsFailed
		}
	} else {
		var events []json.RawMessage
		if err := decodeBody(w, r, &events); err != nil {
			s.writeError(w, err)
			return
		}
		imported = len(events)
		res, err = s.ctrl.ImportEvents(r.Context(), id, events)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, importResponse{Status: "success", EventsImported: imported, SyncResult: res})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	n, err := historyLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hist, err := s.ctrl.History(r.Context(), n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hist))
}

// --- helpers -----------------------------------------------------------------

func historyLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer, got %q", errBadRequest, raw)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var raw json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding request body: %w", errBadRequest, err)
	}
	return nil
}

type errorBody struct {
	Detail string `json:"detail"`
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncp.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncp.ErrAlreadyExists),
		errors.Is(err, syncp.ErrInvalid),
		errors.Is(err, syncp.ErrUnsupportedMethod),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, syncp.ErrNoDestination):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, code, errorBody{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// --- unified view ------------------------------------------------------------

// Query parameters of GET /api/calendars and GET /api/events. Structured
// values are JSON keyed by provider.
const (
	paramCredentials = "credentials"
	paramCalendars   = "calendars"
	paramSyncTokens  = "sync_tokens"
	paramStart       = "start"
	paramEnd         = "end"
	paramMaxResults  = "max_results"
)

type eventsResponse struct {
	Events     []*model.CalendarEvent `json:"events"`
	SyncTokens fetch.Tokens           `json:"syncTokens"`
	Errors     []string               `json:"errors,omitempty"`
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	creds, err := credentialsParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.fetcher.ListAllCalendars(r.Context(), creds))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	req, err := eventsRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := s.fetcher.GetAllEvents(r.Context(), req)

	out := eventsResponse{Events: nonNil(res.Events), SyncTokens: res.Tokens}
	if out.SyncTokens == nil {
		out.SyncTokens = fetch.Tokens{}
	}
	for _, f := range res.Failures {
		out.Errors = append(out.Errors, f.Error())
	}
	writeJSON(w, http.StatusOK, out)
}

func eventsRequest(r *http.Request) (fetch.Request, error) {
	var req fetch.Request
	creds, err := credentialsParam(r)
	if err != nil {
		return req, err
	}
	req.Credentials = creds

	q := r.URL.Query()
	if err := jsonParam(q.Get(paramCalendars), paramCalendars, &req.Selections); err != nil {
		return req, err
	}
	for p := range req.Selections {
		if !p.Valid() {
			return req, fmt.Errorf("%w: %s: unknown provider %q", errBadRequest, paramCalendars, p)
		}
	}
	if len(req.Selections) == 0 {
		return req, fmt.Errorf("%w: %s is required", errBadRequest, paramCalendars)
	}
	if err := jsonParam(q.Get(paramSyncTokens), paramSyncTokens, &req.Tokens); err != nil {
		return req, err
	}

	if req.Start, err = timeParam(q.Get(paramStart), paramStart); err != nil {
		return req, err
	}
	if req.End, err = timeParam(q.Get(paramEnd), paramEnd); err != nil {
		return req, err
	}
	if !req.Start.IsZero() && !req.End.IsZero() && !req.End.After(req.Start) {
		return req, fmt.Errorf("%w: %s must be after %s", errBadRequest, paramEnd, paramStart)
	}

	if raw := q.Get(paramMaxResults); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return req, fmt.Errorf("%w: %s must be a positive integer, got %q", errBadRequest, paramMaxResults, raw)
		}
		req.MaxResults = n
	}
	return req, nil
}

func credentialsParam(r *http.Request) (map[model.Provider]provider.Credentials, error) {
	var creds map[model.Provider]provider.Credentials
	if err := jsonParam(r.URL.Query().Get(paramCredentials), paramCredentials, &creds); err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: %s is required", errBadRequest, paramCredentials)
	}
	for p := range creds {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown provider %q", errBadRequest, paramCredentials, p)
		}
	}
	return creds, nil
}

// jsonParam decodes a JSON query value into v. An empty value leaves v as is.
func jsonParam(raw, name string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %s: %w", errBadRequest, name, err)
	}
	return nil
}

// timeParam accepts RFC 3339 timestamps and bare dates. Dates mean midnight
// UTC.
func timeParam(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 time or a date, got %q", errBadRequest, name, raw)
}
