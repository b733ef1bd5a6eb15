package setup

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/njoerd114/calendarrelay/internal/config"
	"github.com/njoerd114/calendarrelay/internal/storage"
)

// StorageOptions maps the storage section of the config file to
// [storage.Options].
func StorageOptions(cfg config.StorageConfig) storage.Options {
	return storage.Options{
		Backend: cfg.Backend,
		Redis: storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		FileDir:    cfg.File.Path,
		SQLitePath: cfg.SQLite.Path,
	}
}

// ProbeStorage opens the configured backend, pings it and closes it again.
// It returns the name of the backend that actually answered, which is "file"
// when redis was selected but could not be reached.
func ProbeStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (string, error) {
	m, err := storage.Open(ctx, StorageOptions(cfg), logger)
	if err != nil {
		return "", fmt.Errorf("opening %s storage: %w", cfg.Backend, err)
	}
	defer func() { _ = m.Close() }()

	if err := m.Ping(ctx); err != nil {
		return "", fmt.Errorf("pinging %s storage: %w", m.Backend(), err)
	}
	return m.Backend(), nil
}

// PingEndpoint checks that a provider server answers HTTP at rawURL. Any
// status below 500 counts as reachable since unauthenticated requests are
// normally refused with 401.
func PingEndpoint(ctx context.Context, client *http.Client, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("unexpected HTTP %d from %s", resp.StatusCode, rawURL)
	}
	return nil
}
