// Package google adapts the Google Calendar v3 API to the provider contract.
//
// Credentials keys: access_token, refresh_token, token_type, expiry (RFC 3339).
// Tokens are refreshed in memory by golang.org/x/oauth2; refreshed tokens are
// not persisted.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

// Adapter creates Google Calendar sessions.
type Adapter struct {
	config   *oauth2.Config
	endpoint string
	log      *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpoint overrides the API base URL.
func WithEndpoint(url string) Option {
	return func(a *Adapter) { a.endpoint = url }
}

// New returns an adapter using the given OAuth client.
func New(clientID, clientSecret string, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     googleoauth.Endpoint,
		},
		log: logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider implements provider.Adapter.
func (a *Adapter) Provider() model.Provider { return model.ProviderGoogle }

// Authenticate implements provider.Adapter.
func (a *Adapter) Authenticate(ctx context.Context, creds provider.Credentials) (provider.Session, error) {
	tok, err := provider.OAuthToken(creds)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}

	opts := []option.ClientOption{option.WithHTTPClient(provider.OAuthClient(ctx, a.config, tok))}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return &session{svc: svc, log: a.log, now: time.Now}, nil
}

type session struct {
	svc *calendar.Service
	log *slog.Logger
	now func() time.Time
}

func (s *session) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	var list *calendar.CalendarList
	err := provider.Retry(ctx, provider.DefaultAttempts, func() error {
		var err error
		list, err = s.svc.CalendarList.List().Context(ctx).Do()
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("listing calendars: %w", err)
	}

	out := make([]provider.Calendar, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, provider.Calendar{
			ID:          item.Id,
			Name:        item.Summary,
			Description: item.Description,
			Color:       item.BackgroundColor,
			Primary:     item.Primary,
			ReadOnly:    item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			Provider:    model.ProviderGoogle,
		})
	}
	return out, nil
}

func (s *session) GetEvents(ctx context.Context, calendarID string, q provider.Query) (*provider.EventPage, error) {
	page := &provider.EventPage{}
	pageToken := ""
	for {
		call := s.svc.Events.List(calendarID).Context(ctx).SingleEvents(true)
		if q.MaxResults > 0 {
			call = call.MaxResults(int64(q.MaxResults))
		}
		if q.Token != "" {
			call = call.SyncToken(q.Token)
		} else {
			call = call.ShowDeleted(false).
				TimeMin(q.Start.Format(time.RFC3339)).
				TimeMax(q.End.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var res *calendar.Events
		err := provider.Retry(ctx, provider.DefaultAttempts, func() error {
			var err error
			res, err = call.Do()
			return classify(err)
		})
		if err != nil {
			return nil, fmt.Errorf("listing events in %s: %w", calendarID, err)
		}

		now := s.now().UTC()
		for _, item := range res.Items {
			if item.Status == "cancelled" && item.Start == nil {
				continue
			}
			ev, err := fromGoogle(item, calendarID, res.Summary, now)
			if err != nil {
				s.log.Warn("skipping unreadable google event", "calendar_id", calendarID, "error", err)
				continue
			}
			page.Events = append(page.Events, ev)
		}

		if res.NextPageToken == "" {
			page.NextToken = res.NextSyncToken
			return page, nil
		}
		pageToken = res.NextPageToken
	}
}

func (s *session) CreateEvent(ctx context.Context, calendarID string, ev *model.CalendarEvent) error {
	return provider.Retry(ctx, provider.DefaultAttempts, func() error {
		_, err := s.svc.Events.Insert(calendarID, toGoogle(ev)).Context(ctx).Do()
		return classify(err)
	})
}

func (s *session) UpdateEvent(ctx context.Context, calendarID, nativeID string, ev *model.CalendarEvent) error {
	return provider.Retry(ctx, provider.DefaultAttempts, func() error {
		_, err := s.svc.Events.Update(calendarID, nativeID, toGoogle(ev)).Context(ctx).Do()
		return classify(err)
	})
}

func (s *session) DeleteEvent(ctx context.Context, calendarID, nativeID string) error {
	return provider.Retry(ctx, provider.DefaultAttempts, func() error {
		return classify(s.svc.Events.Delete(calendarID, nativeID).Context(ctx).Do())
	})
}

// CreateCalendar implements provider.CalendarCreator. Google calendar colours
// come from a fixed palette, so color is not applied.
func (s *session) CreateCalendar(ctx context.Context, name, description, _ string) (string, error) {
	var created *calendar.Calendar
	err := provider.Retry(ctx, provider.DefaultAttempts, func() error {
		var err error
		created, err = s.svc.Calendars.Insert(&calendar.Calendar{
			Summary:     name,
			Description: description,
		}).Context(ctx).Do()
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("creating calendar %q: %w", name, err)
	}
	return created.Id, nil
}

// classify maps API errors onto retry semantics: 410 Gone is an expired sync
// token, other 4xx responses are permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusGone:
			return provider.Permanent(fmt.Errorf("%w: %v", provider.ErrTokenExpired, err))
		case gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests:
			return provider.Permanent(err)
		}
	}
	return err
}
