// Package sync implements the calendar sync controller. It owns the sync
// configuration, acquires events per source (provider APIs through the fetch
// layer, agent caches, imported payloads), reconciles them against the
// destination calendar and records every run.
//
// The package contains two main components:
//
//   - [Controller] exposes configuration, agent and sync operations.
//   - [Engine] triggers [Controller.SyncAll] on a schedule.
package sync

import (
	"context"
	"encoding/json"

	"github.com/njoerd114/calendarrelay/internal/fetch"
	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

// Storage persists the configuration document, agent and import caches, and
// sync results. Absent documents read as nil with a nil error.
// Implemented by [storage.Manager].
type Storage interface {
	Configuration(ctx context.Context) (*model.SyncConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error

	AgentEvents(ctx context.Context, agentID string) ([]json.RawMessage, error)
	SaveAgentEvents(ctx context.Context, agentID string, events []json.RawMessage) error
	ImportData(ctx context.Context, sourceID string) ([]json.RawMessage, error)
	SaveImportData(ctx context.Context, sourceID string, events []json.RawMessage) error

	SaveSyncResult(ctx context.Context, res *model.SyncRunResult) error
	LatestSyncResult(ctx context.Context) (*model.SyncRunResult, error)
	SyncHistory(ctx context.Context, n int) ([]model.HistoryEntry[model.SyncRunResult], error)
	SaveSourceSyncResult(ctx context.Context, res *model.SourceSyncResult) error
	SourceSyncHistory(ctx context.Context, sourceID string, n int) ([]model.HistoryEntry[model.SourceSyncResult], error)
}

// Fetcher reads events from provider APIs.
// Implemented by [fetch.Service].
type Fetcher interface {
	GetAllEvents(ctx context.Context, req fetch.Request) *fetch.Result
}

// Registry resolves destination adapters by provider type.
// Implemented by [provider.Registry].
type Registry interface {
	Lookup(providerType string) (provider.Adapter, error)
}
