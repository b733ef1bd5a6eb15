package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/calendarrelay/internal/model"
)

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Redis      RedisOptions
	FileDir    string
	SQLitePath string
}

// pingTimeout bounds the redis reachability probe in Open.
const pingTimeout = 5 * time.Second

// Manager exposes typed operations over a [Backend].
type Manager struct {
	backend Backend
	log     *slog.Logger
	now     func() time.Time
}

// NewManager wraps an already opened backend.
func NewManager(backend Backend, logger *slog.Logger) *Manager {
	return &Manager{backend: backend, log: logger, now: time.Now}
}

// Open creates the backend named in opts. If redis is selected but cannot be
// reached, Open logs a warning and falls back to the file backend in
// opts.FileDir.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Manager, error) {
	switch opts.Backend {
	case BackendRedis:
		rb := NewRedisBackend(opts.Redis)
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := rb.Ping(pctx)
		cancel()
		if err == nil {
			logger.Info("storage ready", "backend", BackendRedis, "addr", opts.Redis.Addr)
			return NewManager(rb, logger), nil
		}
		_ = rb.Close()
		logger.Warn("redis unreachable, falling back to file storage",
			"addr", opts.Redis.Addr, "path", opts.FileDir, "error", err)
		return openFile(opts.FileDir, logger)

	case BackendFile, "":
		return openFile(opts.FileDir, logger)

	case BackendSQLite:
		sb, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("storage ready", "backend", BackendSQLite, "path", opts.SQLitePath)
		return NewManager(sb, logger), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

func openFile(dir string, logger *slog.Logger) (*Manager, error) {
	fb, err := NewFileBackend(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("storage ready", "backend", BackendFile, "path", dir)
	return NewManager(fb, logger), nil
}

// Backend returns the name of the active backend.
func (m *Manager) Backend() string { return m.backend.Name() }

// Ping checks the backend is reachable.
func (m *Manager) Ping(ctx context.Context) error { return m.backend.Ping(ctx) }

// Close releases the backend.
func (m *Manager) Close() error { return m.backend.Close() }

// --- configuration -----------------------------------------------------------

// Configuration returns the stored configuration, or (nil, nil) if none has
// been saved yet.
func (m *Manager) Configuration(ctx context.Context) (*model.SyncConfiguration, error) {
	var cfg model.SyncConfiguration
	ok, err := m.getJSON(ctx, KeyConfiguration, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfiguration replaces the stored configuration.
func (m *Manager) SaveConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	return m.setJSON(ctx, KeyConfiguration, cfg, 0)
}

// --- agent and import caches -------------------------------------------------

// AgentEvents returns the events last pushed by agentID, or nil.
func (m *Manager) AgentEvents(ctx context.Context, agentID string) ([]json.RawMessage, error) {
	var events []json.RawMessage
	if _, err := m.getJSON(ctx, AgentEventsKey(agentID), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SaveAgentEvents replaces the agent's cached events. They expire after
// [CacheTTL].
func (m *Manager) SaveAgentEvents(ctx context.Context, agentID string, events []json.RawMessage) error {
	return m.setJSON(ctx, AgentEventsKey(agentID), nonNil(events), CacheTTL)
}

// ImportData returns the events last imported for sourceID, or nil.
func (m *Manager) ImportData(ctx context.Context, sourceID string) ([]json.RawMessage, error) {
	var events []json.RawMessage
	if _, err := m.getJSON(ctx, ImportKey(sourceID), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SaveImportData replaces the source's imported events. They expire after
// [CacheTTL].
func (m *Manager) SaveImportData(ctx context.Context, sourceID string, events []json.RawMessage) error {
	return m.setJSON(ctx, ImportKey(sourceID), nonNil(events), CacheTTL)
}

// --- results and history -----------------------------------------------------

// SaveSyncResult stores res as the latest full-sync result and prepends it to
// the history, keeping [HistoryLimit] entries.
func (m *Manager) SaveSyncResult(ctx context.Context, res *model.SyncRunResult) error {
	return saveResult(ctx, m, KeyLatestResult, KeyHistory, HistoryLimit, res)
}

// LatestSyncResult returns the most recent full-sync result, or nil.
func (m *Manager) LatestSyncResult(ctx context.Context) (*model.SyncRunResult, error) {
	var res model.SyncRunResult
	ok, err := m.getJSON(ctx, KeyLatestResult, &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

// SyncHistory returns up to n full-sync history entries, newest first.
func (m *Manager) SyncHistory(ctx context.Context, n int) ([]model.HistoryEntry[model.SyncRunResult], error) {
	return readHistory[model.SyncRunResult](ctx, m, KeyHistory, n)
}

// SaveSourceSyncResult stores res as the source's latest result and prepends
// it to the source history, keeping [SourceHistoryLimit] entries.
func (m *Manager) SaveSourceSyncResult(ctx context.Context, res *model.SourceSyncResult) error {
	return saveResult(ctx, m,
		SourceLatestResultKey(res.SourceID), SourceHistoryKey(res.SourceID), SourceHistoryLimit, res)
}

// LatestSourceSyncResult returns the source's most recent result, or nil.
func (m *Manager) LatestSourceSyncResult(ctx context.Context, sourceID string) (*model.SourceSyncResult, error) {
	var res model.SourceSyncResult
	ok, err := m.getJSON(ctx, SourceLatestResultKey(sourceID), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

// SourceSyncHistory returns up to n history entries for sourceID, newest first.
func (m *Manager) SourceSyncHistory(ctx context.Context, sourceID string, n int) ([]model.HistoryEntry[model.SourceSyncResult], error) {
	return readHistory[model.SourceSyncResult](ctx, m, SourceHistoryKey(sourceID), n)
}

func saveResult[T any](ctx context.Context, m *Manager, latestKey, historyKey string, limit int, res *T) error {
	if err := m.setJSON(ctx, latestKey, res, 0); err != nil {
		return err
	}
	entry := model.HistoryEntry[*T]{
		Timestamp: m.now().UTC().Format(historyTimestampForm),
		Result:    res,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}
	return m.backend.PushCapped(ctx, historyKey, data, limit)
}

func readHistory[T any](ctx context.Context, m *Manager, key string, n int) ([]model.HistoryEntry[T], error) {
	raw, err := m.backend.Range(ctx, key, n)
	if err != nil {
		return nil, err
	}
	entries := make([]model.HistoryEntry[T], 0, len(raw))
	for _, data := range raw {
		var entry model.HistoryEntry[T]
		if err := json.Unmarshal(data, &entry); err != nil {
			m.log.Warn("skipping unreadable history entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// --- helpers -----------------------------------------------------------------

func (m *Manager) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := m.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return m.backend.Set(ctx, key, data, ttl)
}

func nonNil(events []json.RawMessage) []json.RawMessage {
	if events == nil {
		return []json.RawMessage{}
	}
	return events
}
