package sync

import (
	"context"
	"fmt"

	"github.com/njoerd114/calendarrelay/internal/model"
	"github.com/njoerd114/calendarrelay/internal/provider"
)

// sourceColors maps a source provider type to the destination calendar
// color used for its provisioned calendar.
var sourceColors = map[string]string{
	"google":    "lightGreen",
	"microsoft": "lightBlue",
	"exchange":  "lightTeal",
	"apple":     "lightPurple",
	"custom":    "lightYellow",
}

func colorFor(providerType string) string {
	if c, ok := sourceColors[providerType]; ok {
		return c
	}
	return "auto"
}

// provisionCalendars creates one destination calendar per enabled source
// lacking a mapping and records it in dst.SourceCalendars.
func (c *Controller) provisionCalendars(ctx context.Context, dst *model.SyncDestination, sources []model.SyncSource) {
	var pending []model.SyncSource
	for _, s := range sources {
		if s.Enabled && dst.SourceCalendars[s.ID] == "" {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return
	}

	sess, err := c.destinationSession(ctx, dst)
	if err != nil {
		c.log.Error("cannot provision source calendars", "error", err)
		return
	}
	creator, ok := sess.(provider.CalendarCreator)
	if !ok {
		c.log.Error("cannot provision source calendars",
			"provider", dst.ProviderType, "error", provider.ErrCalendarCreationUnsupported)
		return
	}

	for _, s := range pending {
		name := fmt.Sprintf("%s (Synced)", s.Name)
		desc := fmt.Sprintf("Events synced from %s", s.Name)
		id, err := creator.CreateCalendar(ctx, name, desc, colorFor(s.ProviderType))
		if err != nil {
			c.log.Error("creating source calendar failed", "source_id", s.ID, "error", err)
			continue
		}
		dst.SourceCalendars[s.ID] = id
		c.log.Info("source calendar provisioned", "source_id", s.ID, "calendar_id", id)
	}
}
