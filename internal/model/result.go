package model

import (
	"encoding/json"
	"time"
)

// Result statuses.
const (
	ResultCompleted  = "completed"
	ResultSkipped    = "skipped"
	ResultInProgress = "in_progress"
	ResultFailed     = "failed"
)

// SourceSyncResult records the outcome of syncing one source.
type SourceSyncResult struct {
	RunID           string    `json:"run_id"`
	SourceID        string    `json:"source_id"`
	Status          string    `json:"status"`
	Message         string    `json:"message,omitempty"`
	EventsSynced    int       `json:"events_synced"`
	EventsFailed    int       `json:"events_failed"`
	EventsCreated   int       `json:"events_created"`
	EventsUpdated   int       `json:"events_updated"`
	EventsUnchanged int       `json:"events_unchanged"`
	Errors          []string  `json:"errors"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
}

// SyncRunResult records the outcome of a sync over all sources.
type SyncRunResult struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	SourcesSynced int       `json:"sources_synced"`
	SourcesFailed int       `json:"sources_failed"`
	EventsSynced  int       `json:"events_synced"`
	Errors        []string  `json:"errors"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

// HistoryEntry is one element of a capped history list.
type HistoryEntry[T any] struct {
	Timestamp string `json:"timestamp"`
	Result    T      `json:"result"`
}

// Heartbeat is the payload an agent posts on check-in. A nil Events slice
// means the payload carried no events field.
type Heartbeat struct {
	Timestamp   string            `json:"timestamp,omitempty"`
	Status      string            `json:"status,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Events      []json.RawMessage `json:"events,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AgentHealth is one agent's entry in an AgentStatusReport.
type AgentHealth struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	LastCheckIn *time.Time `json:"last_check_in"`
}

// AgentStatusReport summarises agent liveness.
type AgentStatusReport struct {
	TotalAgents    int                    `json:"total_agents"`
	ActiveAgents   int                    `json:"active_agents"`
	InactiveAgents int                    `json:"inactive_agents"`
	AgentStatus    map[string]AgentHealth `json:"agent_status"`
}
