// Package model defines shared types used across the sync controller, the
// provider adapters, and the storage layer.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a calendar provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderApple     Provider = "apple"
	ProviderExchange  Provider = "exchange"
)

// Providers lists every provider with an adapter contract, in a stable order.
var Providers = []Provider{ProviderGoogle, ProviderMicrosoft, ProviderApple, ProviderExchange}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderApple, ProviderExchange:
		return true
	}
	return false
}

// ResponseStatus is a participant's reply to an invitation.
type ResponseStatus string

const (
	ResponseAccepted    ResponseStatus = "accepted"
	ResponseDeclined    ResponseStatus = "declined"
	ResponseTentative   ResponseStatus = "tentative"
	ResponseNeedsAction ResponseStatus = "needs_action"
)

// EventStatus is the lifecycle status of an event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// Participant is an organizer or attendee of an event.
type Participant struct {
	Email          string         `json:"email"`
	Name           string         `json:"name,omitempty"`
	ResponseStatus ResponseStatus `json:"response_status,omitempty"`
}

// CalendarEvent is the normalized representation of an event shared between
// the provider adapters, the agent and import payloads, and the controller.
type CalendarEvent struct {
	// ID is globally unique across providers: "<provider>_<native id>".
	ID string `json:"id"`

	Provider   Provider `json:"provider"`
	ProviderID string   `json:"provider_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	AllDay    bool      `json:"all_day"`

	Organizer    *Participant  `json:"organizer,omitempty"`
	Participants []Participant `json:"participants"`

	Recurring         bool   `json:"recurring"`
	RecurrencePattern string `json:"recurrence_pattern,omitempty"`

	CalendarID   string `json:"calendar_id"`
	CalendarName string `json:"calendar_name"`

	Link    string      `json:"link,omitempty"`
	Private bool        `json:"private"`
	Status  EventStatus `json:"status"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// LastSynced is when this copy was produced. It is excluded from
	// equality and from ContentHash.
	LastSynced time.Time `json:"last_synced"`
}

// EventID builds the normalized id for a provider-native event id.
func EventID(p Provider, nativeID string) string {
	return string(p) + "_" + nativeID
}

// Validate checks the invariants a normalized event must satisfy before it is
// written anywhere.
func (e *CalendarEvent) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !e.Provider.Valid() {
		errs = append(errs, fmt.Errorf("unknown provider %q", e.Provider))
	}
	if e.EndTime.Before(e.StartTime) {
		errs = append(errs, fmt.Errorf("end_time %s precedes start_time %s",
			e.EndTime.Format(time.RFC3339), e.StartTime.Format(time.RFC3339)))
	}
	return errors.Join(errs...)
}

// LatestChange returns the most recent known modification time of the event:
// UpdatedAt, else CreatedAt, else the zero time.
func (e *CalendarEvent) LatestChange() time.Time {
	if e.UpdatedAt != nil {
		return *e.UpdatedAt
	}
	if e.CreatedAt != nil {
		return *e.CreatedAt
	}
	return time.Time{}
}

// Equal reports whether e and other carry the same content. LastSynced is
// ignored.
func (e *CalendarEvent) Equal(other *CalendarEvent) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.ContentHash() == other.ContentHash()
}

// ContentHash returns a deterministic SHA-256 hex digest of every field except
// LastSynced. Times are hashed in UTC so equal instants in different zones
// compare equal.
func (e *CalendarEvent) ContentHash() string {
	h := sha256.New()
	field := func(v string) {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}

	field(e.ID)
	field(string(e.Provider))
	field(e.ProviderID)
	field(e.Title)
	field(e.Description)
	field(e.Location)
	field(formatTime(e.StartTime))
	field(formatTime(e.EndTime))
	field(fmt.Sprintf("%t", e.AllDay))
	if e.Organizer != nil {
		field("organizer:" + participantKey(*e.Organizer))
	} else {
		field("")
	}
	keys := make([]string, len(e.Participants))
	for i, p := range e.Participants {
		keys[i] = participantKey(p)
	}
	field(strings.Join(keys, ","))
	field(fmt.Sprintf("%t", e.Recurring))
	field(e.RecurrencePattern)
	field(e.CalendarID)
	field(e.CalendarName)
	field(e.Link)
	field(fmt.Sprintf("%t", e.Private))
	field(string(e.Status))
	field(formatTimePtr(e.CreatedAt))
	field(formatTimePtr(e.UpdatedAt))
	return hex.EncodeToString(h.Sum(nil))
}

func participantKey(p Participant) string {
	return p.Email + "|" + p.Name + "|" + string(p.ResponseStatus)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
