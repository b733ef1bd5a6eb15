// Package provider defines the contract every calendar adapter implements, a
// [Registry] that selects an adapter per provider type, and a 3-attempt
// exponential-backoff [Retry] helper shared by the adapters.
//
// Adapters live in subpackages (google, microsoft, caldav) and are thin
// wrappers over the provider client libraries.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/njoerd114/calendarrelay/internal/model"
)

// HTTPTimeout bounds every request an adapter makes.
const HTTPTimeout = 30 * time.Second

var (
	// ErrTokenExpired signals that a continuation token is no longer valid
	// and the caller should retry with a full fetch.
	ErrTokenExpired = errors.New("sync token expired")

	// ErrUnsupportedProvider is returned for provider types with no adapter.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrCalendarCreationUnsupported is returned when a destination cannot
	// provision calendars.
	ErrCalendarCreationUnsupported = errors.New("provider cannot create calendars")
)

// Credentials is the opaque credential document stored with a source or
// destination. Each adapter documents the keys it reads.
type Credentials map[string]any

// String returns the string value stored under key, or "".
func (c Credentials) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Calendar describes one calendar exposed by a provider.
type Calendar struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Color       string         `json:"color,omitempty"`
	Primary     bool           `json:"primary"`
	ReadOnly    bool           `json:"read_only"`
	Provider    model.Provider `json:"provider"`
}

// Query selects events from one calendar. A non-empty Token asks for an
// incremental fetch; providers ignore Start and End in that case.
type Query struct {
	Start      time.Time
	End        time.Time
	MaxResults int
	Token      string
}

// EventPage is the result of one GetEvents call. NextToken is empty when the
// provider issued no continuation token.
type EventPage struct {
	Events    []*model.CalendarEvent
	NextToken string
}

// Adapter authenticates against one provider type.
type Adapter interface {
	Provider() model.Provider
	Authenticate(ctx context.Context, creds Credentials) (Session, error)
}

// Session is an authenticated handle on one provider account.
type Session interface {
	ListCalendars(ctx context.Context) ([]Calendar, error)
	// GetEvents returns events from calendarID. It wraps [ErrTokenExpired]
	// when q.Token is rejected.
	GetEvents(ctx context.Context, calendarID string, q Query) (*EventPage, error)
	CreateEvent(ctx context.Context, calendarID string, ev *model.CalendarEvent) error
	// UpdateEvent replaces the event with the provider-native nativeID.
	UpdateEvent(ctx context.Context, calendarID, nativeID string, ev *model.CalendarEvent) error
	DeleteEvent(ctx context.Context, calendarID, nativeID string) error
}

// CalendarCreator is implemented by sessions that can provision calendars.
type CalendarCreator interface {
	CreateCalendar(ctx context.Context, name, description, color string) (string, error)
}

// Registry maps provider types to adapters.
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Provider().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Provider()] = a
}

// Lookup returns the adapter for providerType or wraps [ErrUnsupportedProvider].
func (r *Registry) Lookup(providerType string) (Adapter, error) {
	a, ok := r.adapters[model.Provider(providerType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, providerType)
	}
	return a, nil
}

// Providers returns the registered provider types.
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.adapters))
	for _, p := range model.Providers {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// NewHTTPClient returns a client with the adapter timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: HTTPTimeout}
}

// OAuthToken builds a token from the access_token, refresh_token, token_type
// and expiry (RFC 3339) credential keys.
func OAuthToken(creds Credentials) (*oauth2.Token, error) {
	tok := &oauth2.Token{
		AccessToken:  creds.String("access_token"),
		RefreshToken: creds.String("refresh_token"),
		TokenType:    creds.String("token_type"),
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("credentials need an access_token or refresh_token")
	}
	if raw := creds.String("expiry"); raw != "" {
		exp, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing token expiry: %w", err)
		}
		tok.Expiry = exp
	}
	return tok, nil
}

// OAuthClient returns an HTTP client that authorizes requests with tok and
// refreshes it through config when it expires.
func OAuthClient(ctx context.Context, config *oauth2.Config, tok *oauth2.Token) *http.Client {
	// The refresh client carries the timeout; the returned client inherits
	// its transport only.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, NewHTTPClient())
	hc := config.Client(ctx, tok)
	hc.Timeout = HTTPTimeout
	return hc
}
