package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FileBackend stores each document as a JSON file under a base directory.
//
// Layout:
//
//	sync_config.json
//	latest_sync.json
//	history/sync_<ts>.json
//	agent_<id>_events.json
//	import_<id>.json
//	source_<id>_latest_sync.json
//	history/<id>/sync_<ts>.json
//
// A positive TTL is recorded in a "<file>.expires" sidecar.
type FileBackend struct {
	dir string

	mu  sync.Mutex
	now func() time.Time
}

// NewFileBackend creates the base directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FileBackend{dir: dir, now: time.Now}, nil
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// Ping implements Backend.
func (b *FileBackend) Ping(context.Context) error {
	if _, err := os.Stat(b.dir); err != nil {
		return fmt.Errorf("checking storage directory: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

// Get implements Backend.
func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.documentPath(key)
	expired, err := b.expired(path)
	if err != nil {
		return nil, err
	}
	if expired {
		_ = os.Remove(path)
		_ = os.Remove(path + ".expires")
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Set implements Backend.
func (b *FileBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.documentPath(key)
	if err := writeFileAtomic(path, value); err != nil {
		return err
	}
	if ttl > 0 {
		expiry := b.now().Add(ttl).UTC().Format(time.RFC3339Nano)
		return writeFileAtomic(path+".expires", []byte(expiry))
	}
	if err := os.Remove(path + ".expires"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing expiry of %s: %w", path, err)
	}
	return nil
}

// PushCapped implements Backend. Each entry is its own file; the oldest files
// past limit are deleted.
func (b *FileBackend) PushCapped(_ context.Context, key string, value []byte, limit int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := b.listDir(key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	// Fixed-width nanosecond stamps keep lexical order equal to push order.
	base := "sync_" + b.now().UTC().Format("20060102150405.000000000")
	name := base + ".json"
	for i := 1; fileExists(filepath.Join(dir, name)); i++ {
		name = fmt.Sprintf("%s_%d.json", base, i)
	}
	if err := writeFileAtomic(filepath.Join(dir, name), value); err != nil {
		return err
	}

	names, err := listEntries(dir)
	if err != nil {
		return err
	}
	if excess := len(names) - limit; excess > 0 {
		for _, old := range names[:excess] {
			if err := os.Remove(filepath.Join(dir, old)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("pruning %s: %w", old, err)
			}
		}
	}
	return nil
}

// Range implements Backend.
func (b *FileBackend) Range(_ context.Context, key string, n int) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}
	dir := b.listDir(key)
	names, err := listEntries(dir)
	if err != nil {
		return nil, err
	}
	slices.Reverse(names)
	if len(names) > n {
		names = names[:n]
	}

	out := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading history entry %s: %w", name, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// --- layout ------------------------------------------------------------------

func (b *FileBackend) documentPath(key string) string {
	var name string
	switch {
	case key == KeyConfiguration:
		name = "sync_config.json"
	case key == KeyLatestResult:
		name = "latest_sync.json"
	case strings.HasPrefix(key, "sync:agent:") && strings.HasSuffix(key, ":events"):
		id := strings.TrimSuffix(strings.TrimPrefix(key, "sync:agent:"), ":events")
		name = "agent_" + escape(id) + "_events.json"
	case strings.HasPrefix(key, "sync:import:"):
		name = "import_" + escape(strings.TrimPrefix(key, "sync:import:")) + ".json"
	case strings.HasPrefix(key, "sync:source:") && strings.HasSuffix(key, ":latest_result"):
		id := strings.TrimSuffix(strings.TrimPrefix(key, "sync:source:"), ":latest_result")
		name = "source_" + escape(id) + "_latest_sync.json"
	default:
		name = "doc_" + escape(key) + ".json"
	}
	return filepath.Join(b.dir, name)
}

func (b *FileBackend) listDir(key string) string {
	switch {
	case key == KeyHistory:
		return filepath.Join(b.dir, "history")
	case strings.HasPrefix(key, "sync:source:") && strings.HasSuffix(key, ":history"):
		id := strings.TrimSuffix(strings.TrimPrefix(key, "sync:source:"), ":history")
		return filepath.Join(b.dir, "history", escape(id))
	default:
		return filepath.Join(b.dir, "lists", escape(key))
	}
}

func (b *FileBackend) expired(path string) (bool, error) {
	raw, err := os.ReadFile(path + ".expires")
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading expiry of %s: %w", path, err)
	}
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return false, fmt.Errorf("parsing expiry of %s: %w", path, err)
	}
	return !b.now().Before(at), nil
}

// --- helpers -----------------------------------------------------------------

// escape makes an id safe to embed in a file name.
func escape(id string) string {
	return strings.ReplaceAll(url.PathEscape(id), ".", "%2E")
}

// listEntries returns the history files in dir in ascending (oldest first)
// order. A missing directory yields no entries.
func listEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "sync_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
