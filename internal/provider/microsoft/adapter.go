// Package microsoft adapts Microsoft Graph calendars, and Exchange servers
// exposing the same REST surface, to the provider contract.
//
// Microsoft credentials keys: access_token, refresh_token, token_type, expiry.
// Exchange credentials keys: username, password, and optionally exchange_url
// to override the configured base URL. Continuation tokens are Graph delta
// links.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	msoauth "golang.org/x/oauth2/microsoft"

	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Adapter creates Graph sessions for one provider type.
type Adapter struct {
	provider model.Provider
	baseURL  string
	config   *oauth2.Config // nil selects basic auth
	log      *slog.Logger
}

// NewMicrosoft returns an OAuth-authenticated adapter. An empty baseURL
// selects [DefaultBaseURL]; an empty tenantID selects "common".
func NewMicrosoft(clientID, clientSecret, tenantID, baseURL string, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if tenantID == "" {
		tenantID = "common"
	}
	return &Adapter{
		provider: model.ProviderMicrosoft,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
			Endpoint:     msoauth.AzureADEndpoint(tenantID),
		},
		log: logger,
	}
}

// NewExchange returns a basic-auth adapter for an Exchange server.
func NewExchange(baseURL string, logger *slog.Logger) *Adapter {
	return &Adapter{
		provider: model.ProviderExchange,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		log:      logger,
	}
}

// Provider implements provider.Adapter.
func (a *Adapter) Provider() model.Provider { return a.provider }

// Authenticate implements provider.Adapter.
func (a *Adapter) Authenticate(ctx context.Context, creds provider.Credentials) (provider.Session, error) {
	s := &session{
		provider: a.provider,
		baseURL:  a.baseURL,
		log:      a.log,
		now:      time.Now,
		names:    make(map[string]string),
	}

	if a.config != nil {
		tok, err := provider.OAuthToken(creds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.provider, err)
		}
		s.http = provider.OAuthClient(ctx, a.config, tok)
		return s, nil
	}

	user, pass := creds.String("username"), creds.String("password")
	if user == "" || pass == "" {
		return nil, fmt.Errorf("%s credentials need username and password", a.provider)
	}
	if u := creds.String("exchange_url"); u != "" {
		s.baseURL = strings.TrimSuffix(u, "/")
	}
	if s.baseURL == "" {
		return nil, fmt.Errorf("%s: no server URL configured", a.provider)
	}
	hc := provider.NewHTTPClient()
	hc.Transport = &basicAuthTransport{username: user, password: pass, base: http.DefaultTransport}
	s.http = hc
	return s, nil
}

type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(req)
}

type session struct {
	provider model.Provider
	baseURL  string
	http     *http.Client
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	names map[string]string // calendar id -> display name
}

type collection[T any] struct {
	Value     []T    `json:"value"`
	NextLink  string `json:"@odata.nextLink"`
	DeltaLink string `json:"@odata.deltaLink"`
}

func (s *session) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	var out []provider.Calendar
	next := s.baseURL + "/me/calendars"
	for next != "" {
		var res collection[graphCalendar]
		if err := s.do(ctx, http.MethodGet, next, nil, &res, 0); err != nil {
			return nil, fmt.Errorf("listing calendars: %w", err)
		}
		for _, c := range res.Value {
			out = append(out, provider.Calendar{
				ID:       c.ID,
				Name:     c.Name,
				Color:    c.Color,
				Primary:  c.IsDefaultCalendar,
				ReadOnly: !c.CanEdit,
				Provider: s.provider,
			})
			s.rememberName(c.ID, c.Name)
		}
		next = res.NextLink
	}
	return out, nil
}

func (s *session) GetEvents(ctx context.Context, calendarID string, q provider.Query) (*provider.EventPage, error) {
	next := q.Token
	if next == "" {
		params := url.Values{}
		params.Set("startDateTime", q.Start.UTC().Format(time.RFC3339))
		params.Set("endDateTime", q.End.UTC().Format(time.RFC3339))
		next = fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?%s",
			s.baseURL, url.PathEscape(calendarID), params.Encode())
	}

	name := s.calendarName(ctx, calendarID)
	page := &provider.EventPage{}
	for next != "" {
		var res collection[graphEvent]
		if err := s.do(ctx, http.MethodGet, next, nil, &res, q.MaxResults); err != nil {
			return nil, fmt.Errorf("listing events in %s: %w", calendarID, err)
		}

		now := s.now().UTC()
		for i := range res.Value {
			item := &res.Value[i]
			if item.Removed != nil {
				continue
			}
			ev, err := fromGraph(s.provider, item, calendarID, name, now)
			if err != nil {
				s.log.Warn("skipping unreadable event", "provider", s.provider, "calendar_id", calendarID, "error", err)
				continue
			}
			page.Events = append(page.Events, ev)
		}

		if res.DeltaLink != "" {
			page.NextToken = res.DeltaLink
			break
		}
		next = res.NextLink
	}
	return page, nil
}

func (s *session) CreateEvent(ctx context.Context, calendarID string, ev *model.CalendarEvent) error {
	u := fmt.Sprintf("%s/me/calendars/%s/events", s.baseURL, url.PathEscape(calendarID))
	return s.do(ctx, http.MethodPost, u, toGraph(ev, true), nil, 0)
}

func (s *session) UpdateEvent(ctx context.Context, _, nativeID string, ev *model.CalendarEvent) error {
	u := fmt.Sprintf("%s/me/events/%s", s.baseURL, url.PathEscape(nativeID))
	return s.do(ctx, http.MethodPatch, u, toGraph(ev, false), nil, 0)
}

func (s *session) DeleteEvent(ctx context.Context, _, nativeID string) error {
	u := fmt.Sprintf("%s/me/events/%s", s.baseURL, url.PathEscape(nativeID))
	return s.do(ctx, http.MethodDelete, u, nil, nil, 0)
}

// CreateCalendar implements provider.CalendarCreator. color is a Graph
// calendarColor name such as "lightBlue".
func (s *session) CreateCalendar(ctx context.Context, name, _, color string) (string, error) {
	body := map[string]string{"name": name}
	if color != "" {
		body["color"] = color
	}
	var created graphCalendar
	if err := s.do(ctx, http.MethodPost, s.baseURL+"/me/calendars", body, &created, 0); err != nil {
		return "", fmt.Errorf("creating calendar %q: %w", name, err)
	}
	s.rememberName(created.ID, created.Name)
	return created.ID, nil
}

// calendarName resolves a display name once per calendar. Failures leave the
// name empty.
func (s *session) calendarName(ctx context.Context, calendarID string) string {
	s.mu.Lock()
	name, ok := s.names[calendarID]
	s.mu.Unlock()
	if ok {
		return name
	}

	var c graphCalendar
	u := fmt.Sprintf("%s/me/calendars/%s?$select=name", s.baseURL, url.PathEscape(calendarID))
	if err := s.do(ctx, http.MethodGet, u, nil, &c, 0); err != nil {
		s.log.Debug("resolving calendar name failed", "calendar_id", calendarID, "error", err)
	}
	s.rememberName(calendarID, c.Name)
	return c.Name
}

func (s *session) rememberName(id, name string) {
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
}

// do sends one request with retries and decodes a JSON response into out.
func (s *session) do(ctx context.Context, method, u string, body, out any, pageSize int) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	return provider.Retry(ctx, provider.DefaultAttempts, func() error {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return provider.Permanent(fmt.Errorf("building request: %w", err))
		}
		prefer := `outlook.timezone="UTC"`
		if pageSize > 0 {
			prefer += fmt.Sprintf(", odata.maxpagesize=%d", pageSize)
		}
		req.Header.Set("Prefer", prefer)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := checkStatus(resp); err != nil {
			return err
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return provider.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	})
}

// StatusError is a non-2xx Graph response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph returned %d: %s", e.Code, e.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}

	switch {
	case resp.StatusCode == http.StatusGone:
		return provider.Permanent(fmt.Errorf("%w: %w", provider.ErrTokenExpired, serr))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return serr
	default:
		return provider.Permanent(serr)
	}
}

var _ provider.CalendarCreator = (*session)(nil)
