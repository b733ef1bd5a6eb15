// Package caldav adapts CalDAV servers (iCloud by default) to the provider
// contract under the apple provider type.
//
// Credentials keys: username, password (an app-specific password for iCloud),
// and optionally caldav_url to override the endpoint. Calendar ids are
// collection paths; event ProviderIDs are object paths. CalDAV offers no
// continuation token here, so every fetch is a full window query.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

// DefaultEndpoint is the iCloud CalDAV root.
const DefaultEndpoint = "https://caldav.icloud.com/"

// Adapter creates CalDAV sessions.
type Adapter struct {
	endpoint string
	log      *slog.Logger
}

// New returns an adapter for endpoint, or [DefaultEndpoint] when empty.
func New(endpoint string, logger *slog.Logger) *Adapter {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Adapter{endpoint: endpoint, log: logger}
}

// Provider implements provider.Adapter.
func (a *Adapter) Provider() model.Provider { return model.ProviderApple }

// Authenticate implements provider.Adapter. No request is made until the
// session is used.
func (a *Adapter) Authenticate(_ context.Context, creds provider.Credentials) (provider.Session, error) {
	user, pass := creds.String("username"), creds.String("password")
	if user == "" || pass == "" {
		return nil, fmt.Errorf("caldav credentials need username and password")
	}
	endpoint := a.endpoint
	if u := creds.String("caldav_url"); u != "" {
		endpoint = u
	}

	hc := webdav.HTTPClientWithBasicAuth(&http.Client{Timeout: provider.HTTPTimeout}, user, pass)
	client, err := caldav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating caldav client: %w", err)
	}
	return &session{
		client: client,
		log:    a.log,
		now:    time.Now,
		newUID: func() string { return uuid.NewString() },
	}, nil
}

type session struct {
	client *caldav.Client
	log    *slog.Logger
	now    func() time.Time
	newUID func() string

	mu        sync.Mutex
	calendars []provider.Calendar // discovered lazily
}

func (s *session) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	var found []caldav.Calendar
	err := provider.Retry(ctx, provider.DefaultAttempts, func() error {
		principal, err := s.client.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return fmt.Errorf("finding principal: %w", err)
		}
		homeSet, err := s.client.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return fmt.Errorf("finding calendar home set: %w", err)
		}
		found, err = s.client.FindCalendars(ctx, homeSet)
		if err != nil {
			return fmt.Errorf("finding calendars: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]provider.Calendar, 0, len(found))
	for _, c := range found {
		if !supportsEvents(c) {
			continue
		}
		out = append(out, provider.Calendar{
			ID:          c.Path,
			Name:        c.Name,
			Description: c.Description,
			Provider:    model.ProviderApple,
		})
	}

	s.mu.Lock()
	s.calendars = out
	s.mu.Unlock()
	return out, nil
}

// supportsEvents reports whether c accepts VEVENTs. An empty component set
// means the server did not say.
func supportsEvents(c caldav.Calendar) bool {
	if len(c.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range c.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

func (s *session) GetEvents(ctx context.Context, calendarID string, q provider.Query) (*provider.EventPage, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: q.Start.UTC(),
				End:   q.End.UTC(),
			}},
		},
	}

	var objects []caldav.CalendarObject
	err := provider.Retry(ctx, provider.DefaultAttempts, func() error {
		var err error
		objects, err = s.client.QueryCalendar(ctx, calendarID, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", calendarID, err)
	}

	name := s.calendarName(ctx, calendarID)
	now := s.now().UTC()
	page := &provider.EventPage{}
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			ev, err := fromICal(ve.Component, obj.Path, calendarID, name, now)
			if err != nil {
				s.log.Warn("skipping unreadable caldav event", "path", obj.Path, "error", err)
				continue
			}
			page.Events = append(page.Events, ev)
		}
	}
	if q.MaxResults > 0 && len(page.Events) > q.MaxResults {
		page.Events = page.Events[:q.MaxResults]
	}
	return page, nil
}

func (s *session) CreateEvent(ctx context.Context, calendarID string, ev *model.CalendarEvent) error {
	uid := s.newUID()
	objectPath := path.Join(calendarID, uid+".ics")
	return s.put(ctx, objectPath, toICal(ev, uid, s.now()))
}

// UpdateEvent rewrites the object at nativeID, keeping its UID.
func (s *session) UpdateEvent(ctx context.Context, _, nativeID string, ev *model.CalendarEvent) error {
	uid := strings.TrimSuffix(path.Base(nativeID), ".ics")
	return s.put(ctx, nativeID, toICal(ev, uid, s.now()))
}

func (s *session) DeleteEvent(ctx context.Context, _, nativeID string) error {
	return provider.Retry(ctx, provider.DefaultAttempts, func() error {
		return s.client.RemoveAll(ctx, nativeID)
	})
}

func (s *session) put(ctx context.Context, objectPath string, cal *ical.Calendar) error {
	return provider.Retry(ctx, provider.DefaultAttempts, func() error {
		if _, err := s.client.PutCalendarObject(ctx, objectPath, cal); err != nil {
			return fmt.Errorf("writing %s: %w", objectPath, err)
		}
		return nil
	})
}

// calendarName looks calendarID up in the discovered collections, running
// discovery once if needed. Failures leave the name empty.
func (s *session) calendarName(ctx context.Context, calendarID string) string {
	s.mu.Lock()
	cals := s.calendars
	s.mu.Unlock()

	if cals == nil {
		var err error
		if cals, err = s.ListCalendars(ctx); err != nil {
			s.log.Debug("caldav discovery failed", "error", err)
			return ""
		}
	}
	for _, c := range cals {
		if c.ID == calendarID {
			return c.Name
		}
	}
	return ""
}
