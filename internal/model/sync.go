package model

import (
	"errors"
	"fmt"
	"time"
)

// SyncDirection controls whether a source is read, written, or both.
type SyncDirection string

const (
	DirectionReadOnly      SyncDirection = "read_only"
	DirectionWriteOnly     SyncDirection = "write_only"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// SyncFrequency is advisory metadata; scheduling is global.
type SyncFrequency string

const (
	FrequencyRealTime SyncFrequency = "real_time"
	FrequencyHourly   SyncFrequency = "hourly"
	FrequencyDaily    SyncFrequency = "daily"
	FrequencyManual   SyncFrequency = "manual"
)

// SyncMethod selects how events are acquired for a source.
type SyncMethod string

const (
	MethodAPI   SyncMethod = "api"
	MethodAgent SyncMethod = "agent"
	MethodFile  SyncMethod = "file"
	MethodEmail SyncMethod = "email"
)

// ConflictResolution selects the winner when an event exists on both sides.
type ConflictResolution string

const (
	SourceWins      ConflictResolution = "source_wins"
	DestinationWins ConflictResolution = "destination_wins"
	LatestWins      ConflictResolution = "latest_wins"
	ManualResolve   ConflictResolution = "manual"
)

// CalendarStrategy decides where a source's events land in the destination.
type CalendarStrategy string

const (
	// StrategySingle writes every source into SyncDestination.CalendarID.
	StrategySingle CalendarStrategy = "single"
	// StrategySeparateCalendar writes each source into its own provisioned
	// calendar, recorded in SyncDestination.SourceCalendars.
	StrategySeparateCalendar CalendarStrategy = "separate_calendar"
)

// SyncSource configures one calendar source.
type SyncSource struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ProviderType   string         `json:"provider_type"`
	ConnectionInfo map[string]any `json:"connection_info"`
	Credentials    map[string]any `json:"credentials,omitempty"`

	SyncDirection SyncDirection `json:"sync_direction"`
	SyncFrequency SyncFrequency `json:"sync_frequency"`
	SyncMethod    SyncMethod    `json:"sync_method"`

	Calendars  []string          `json:"calendars"`
	LastSync   *time.Time        `json:"last_sync,omitempty"`
	SyncTokens map[string]string `json:"sync_tokens"`
	Enabled    bool              `json:"enabled"`
}

// NewSyncSource returns a source carrying the default direction, frequency,
// method, and enabled flag. Decode JSON on top of it to honour defaults for
// omitted fields.
func NewSyncSource() SyncSource {
	return SyncSource{
		ConnectionInfo: map[string]any{},
		SyncDirection:  DirectionReadOnly,
		SyncFrequency:  FrequencyHourly,
		SyncMethod:     MethodAPI,
		Calendars:      []string{},
		SyncTokens:     map[string]string{},
		Enabled:        true,
	}
}

// Validate checks the fields the controller relies on.
func (s *SyncSource) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	switch s.SyncDirection {
	case DirectionReadOnly, DirectionWriteOnly, DirectionBidirectional:
	default:
		errs = append(errs, fmt.Errorf("unknown sync_direction %q", s.SyncDirection))
	}
	switch s.SyncFrequency {
	case FrequencyRealTime, FrequencyHourly, FrequencyDaily, FrequencyManual:
	default:
		errs = append(errs, fmt.Errorf("unknown sync_frequency %q", s.SyncFrequency))
	}
	switch s.SyncMethod {
	case MethodAPI:
		if !Provider(s.ProviderType).Valid() {
			errs = append(errs, fmt.Errorf("sync_method %q is not supported for provider_type %q", s.SyncMethod, s.ProviderType))
		}
	case MethodAgent, MethodFile, MethodEmail:
	default:
		errs = append(errs, fmt.Errorf("unknown sync_method %q", s.SyncMethod))
	}
	return errors.Join(errs...)
}

// SyncDestination configures the single destination calendar.
type SyncDestination struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	ProviderType       string             `json:"provider_type"`
	ConnectionInfo     map[string]any     `json:"connection_info"`
	Credentials        map[string]any     `json:"credentials,omitempty"`
	CalendarID         string             `json:"calendar_id"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
	Categories         map[string]string  `json:"categories"`
	CalendarStrategy   CalendarStrategy   `json:"calendar_strategy"`
	// SourceCalendars maps source id to the destination calendar provisioned
	// for it under StrategySeparateCalendar.
	SourceCalendars map[string]string `json:"source_calendars"`
}

// NewSyncDestination returns a destination with default conflict resolution
// and calendar strategy.
func NewSyncDestination() SyncDestination {
	return SyncDestination{
		ConnectionInfo:     map[string]any{},
		ConflictResolution: LatestWins,
		Categories:         map[string]string{},
		CalendarStrategy:   StrategySingle,
		SourceCalendars:    map[string]string{},
	}
}

// Validate checks the destination's provider and resolution strategy.
func (d *SyncDestination) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !Provider(d.ProviderType).Valid() {
		errs = append(errs, fmt.Errorf("unsupported destination provider_type %q", d.ProviderType))
	}
	switch d.ConflictResolution {
	case SourceWins, DestinationWins, LatestWins, ManualResolve:
	default:
		errs = append(errs, fmt.Errorf("unknown conflict_resolution %q", d.ConflictResolution))
	}
	switch d.CalendarStrategy {
	case StrategySingle:
		if d.CalendarID == "" {
			errs = append(errs, errors.New("calendar_id is required for the single calendar strategy"))
		}
	case StrategySeparateCalendar:
	default:
		errs = append(errs, fmt.Errorf("unknown calendar_strategy %q", d.CalendarStrategy))
	}
	return errors.Join(errs...)
}

// TargetCalendar returns the destination calendar that events from sourceID
// are written to.
func (d *SyncDestination) TargetCalendar(sourceID string) string {
	if d.CalendarStrategy == StrategySeparateCalendar {
		if id, ok := d.SourceCalendars[sourceID]; ok && id != "" {
			return id
		}
	}
	return d.CalendarID
}

// SyncAgentConfig describes a remote agent that pushes events on behalf of
// sources the server cannot reach directly.
type SyncAgentConfig struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Environment         string       `json:"environment"`
	AgentType           string       `json:"agent_type"`
	Sources             []SyncSource `json:"sources"`
	CommunicationMethod SyncMethod   `json:"communication_method"`
	APIEndpoint         string       `json:"api_endpoint,omitempty"`
	FilePath            string       `json:"file_path,omitempty"`
	EmailAddress        string       `json:"email_address,omitempty"`
	AuthToken           string       `json:"auth_token,omitempty"`
	IntervalMinutes     int          `json:"interval_minutes"`
	LastCheckIn         *time.Time   `json:"last_check_in,omitempty"`
	Enabled             bool         `json:"enabled"`
}

// NewSyncAgentConfig returns an agent with the default check-in interval.
func NewSyncAgentConfig() SyncAgentConfig {
	return SyncAgentConfig{
		Sources:             []SyncSource{},
		CommunicationMethod: MethodAgent,
		IntervalMinutes:     60,
		Enabled:             true,
	}
}

// Validate checks the agent's id and interval.
func (a *SyncAgentConfig) Validate() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if a.IntervalMinutes <= 0 {
		errs = append(errs, fmt.Errorf("interval_minutes must be positive, got %d", a.IntervalMinutes))
	}
	return errors.Join(errs...)
}

// Serves reports whether the agent pushes events for sourceID.
func (a *SyncAgentConfig) Serves(sourceID string) bool {
	for _, s := range a.Sources {
		if s.ID == sourceID {
			return true
		}
	}
	return false
}

// SyncConfiguration is the master document persisted by the storage layer.
type SyncConfiguration struct {
	Sources        []SyncSource      `json:"sources"`
	Destination    *SyncDestination  `json:"destination"`
	Agents         []SyncAgentConfig `json:"agents"`
	GlobalSettings map[string]any    `json:"global_settings"`
}

// NewSyncConfiguration returns an empty configuration.
func NewSyncConfiguration() *SyncConfiguration {
	return &SyncConfiguration{
		Sources:        []SyncSource{},
		Agents:         []SyncAgentConfig{},
		GlobalSettings: map[string]any{},
	}
}

// Source returns the source with the given id, or nil.
func (c *SyncConfiguration) Source(id string) *SyncSource {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// Agent returns the agent with the given id, or nil.
func (c *SyncConfiguration) Agent(id string) *SyncAgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// Validate checks uniqueness of source and agent ids and each element.
func (c *SyncConfiguration) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate source id %q", s.ID))
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", s.ID, err))
		}
	}
	seenAgents := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if seenAgents[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent id %q", a.ID))
		}
		seenAgents[a.ID] = true
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", a.ID, err))
		}
	}
	if c.Destination != nil {
		if err := c.Destination.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("destination: %w", err))
		}
	}
	return errors.Join(errs...)
}
