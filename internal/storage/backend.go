// Package storage persists the sync configuration, agent and import caches,
// and sync history.
//
// Only this package talks to a storage backend. All other packages receive a
// [*Manager] and call its typed methods; every save replaces a whole document
// and every lookup of an absent document returns nil without an error.
package storage

import (
	"context"
	"time"
)

// Logical keys. Backends map them onto their own layout.
const (
	KeyConfiguration = "sync:configuration"
	KeyLatestResult  = "sync:latest_result"
	KeyHistory       = "sync:history"
)

// Retention policy.
const (
	CacheTTL             = 24 * time.Hour
	HistoryLimit         = 100
	SourceHistoryLimit   = 50
	historyTimestampForm = "20060102150405"
)

// AgentEventsKey is the cache key for events pushed by an agent.
func AgentEventsKey(agentID string) string { return "sync:agent:" + agentID + ":events" }

// ImportKey is the cache key for events imported for a source.
func ImportKey(sourceID string) string { return "sync:import:" + sourceID }

// SourceLatestResultKey is the key for a source's most recent result.
func SourceLatestResultKey(sourceID string) string {
	return "sync:source:" + sourceID + ":latest_result"
}

// SourceHistoryKey is the key for a source's result history.
func SourceHistoryKey(sourceID string) string { return "sync:source:" + sourceID + ":history" }

// Backend stores opaque JSON documents and capped, newest-first lists.
// Implemented by [RedisBackend], [FileBackend], and [SQLiteBackend].
type Backend interface {
	// Get returns the document stored under key, or (nil, nil) if it is
	// absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the document under key. A positive ttl expires it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PushCapped prepends value to the list under key and keeps the newest
	// limit entries.
	PushCapped(ctx context.Context, key string, value []byte, limit int) error
	// Range returns up to n entries of the list under key, newest first.
	Range(ctx context.Context, key string, n int) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
	Name() string
}
