package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/njoerd114/calendarrelay/internal/config"
	"github.com/njoerd114/calendarrelay/internal/provider"
	"github.com/njoerd114/calendarrelay/internal/provider/caldav"
	"github.com/njoerd114/calendarrelay/internal/storage"
)

const defaultCron = "0 * * * *"

var backendOptions = []string{
	"file (JSON documents on disk)",
	"sqlite (single database file)",
	"redis (shared server, falls back to file when down)",
}

var backendNames = []string{storage.BackendFile, storage.BackendSQLite, storage.BackendRedis}

var providerOptions = []string{
	"Google Calendar (OAuth)",
	"Microsoft 365 (OAuth via Graph)",
	"Exchange server (basic auth)",
	"CalDAV (iCloud, Fastmail, ...)",
}

// Wizard guides the user through writing a first configuration file.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	client  *http.Client
}

// NewWizard creates a Wizard that writes its result to cfgPath.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger, cfgPath string) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		client:  provider.NewHTTPClient(),
	}
}

// Run executes the interactive setup: storage, provider credentials,
// schedule and API listener, then saves and reloads the file.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to CalendarRelay Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s.\n\n", wiz.cfgPath)

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("building default config: %w", err)
	}

	fmt.Fprintf(wiz.w, "Step 1/4: Storage\n")
	if err := wiz.configureStorage(ctx, cfg); err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "Step 2/4: Providers\n")
	if err := wiz.configureProviders(ctx, cfg); err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "Step 3/4: Schedule\n")
	wiz.configureSchedule(cfg)

	fmt.Fprintf(wiz.w, "Step 4/4: API and Save\n")
	cfg.HTTP.Listen = wiz.listenAddress(cfg.HTTP.Listen)

	if err := config.Save(wiz.cfgPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if _, err := config.Load(wiz.cfgPath); err != nil {
		return fmt.Errorf("re-reading written config: %w", err)
	}
	wiz.logger.Info("config written", "path", wiz.cfgPath, "backend", cfg.Storage.Backend)

	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "Setup complete!\n")
	fmt.Fprintf(wiz.w, "  Start:   calendarrelay serve\n")
	fmt.Fprintf(wiz.w, "  Sync:    calendarrelay sync\n")
	fmt.Fprintf(wiz.w, "  Status:  calendarrelay status\n\n")
	return nil
}

func (wiz *Wizard) configureStorage(ctx context.Context, cfg *config.Config) error {
	idx, err := wiz.prompt.Select("Storage backend", backendOptions)
	if err != nil {
		return fmt.Errorf("selecting storage backend: %w", err)
	}
	st := &cfg.Storage
	st.Backend = backendNames[idx]

	switch st.Backend {
	case storage.BackendFile:
		st.File.Path = wiz.prompt.String("Data directory", st.File.Path)
	case storage.BackendSQLite:
		st.SQLite.Path = wiz.prompt.String("Database file", st.SQLite.Path)
	case storage.BackendRedis:
		st.Redis.Addr = wiz.prompt.String("Redis address", st.Redis.Addr)
		st.Redis.Password = wiz.prompt.Optional("Redis password")
		st.File.Path = wiz.prompt.String("Fallback data directory", st.File.Path)
	}

	fmt.Fprintf(wiz.w, "  Checking storage...")
	active, err := ProbeStorage(ctx, *st, wiz.logger)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("storage check failed: %w", err)
	}
	if active != st.Backend {
		fmt.Fprintf(wiz.w, " ⚠ %s unreachable, %s storage will be used until it is\n\n", st.Backend, active)
		return nil
	}
	fmt.Fprintf(wiz.w, " ✓\n\n")
	return nil
}

func (wiz *Wizard) configureProviders(ctx context.Context, cfg *config.Config) error {
	picked, err := wiz.prompt.MultiSelect("Providers to enable", providerOptions)
	if err != nil {
		return fmt.Errorf("selecting providers: %w", err)
	}
	if len(picked) == 0 {
		fmt.Fprintf(wiz.w, "  No providers selected. Agents and imports still work.\n\n")
		return nil
	}

	p := &cfg.Providers
	for _, idx := range picked {
		fmt.Fprintf(wiz.w, "\n  %s\n", providerOptions[idx])
		switch idx {
		case 0:
			p.Google.ClientID = wiz.prompt.String("Client ID", "")
			p.Google.ClientSecret = wiz.prompt.Secret("Client secret")
		case 1:
			p.Microsoft.ClientID = wiz.prompt.String("Client ID", "")
			p.Microsoft.ClientSecret = wiz.prompt.Secret("Client secret")
			p.Microsoft.TenantID = wiz.prompt.String("Tenant ID", "common")
		case 2:
			p.Exchange.BaseURL = wiz.prompt.String("Exchange base URL", "")
			wiz.checkEndpoint(ctx, p.Exchange.BaseURL)
		case 3:
			p.CalDAV.Endpoint = wiz.prompt.String("CalDAV endpoint", caldav.DefaultEndpoint)
			wiz.checkEndpoint(ctx, p.CalDAV.Endpoint)
		}
	}
	fmt.Fprintf(wiz.w, "\n")
	return nil
}

// checkEndpoint reports reachability but never fails the wizard; the server
// may simply be offline right now.
func (wiz *Wizard) checkEndpoint(ctx context.Context, rawURL string) {
	fmt.Fprintf(wiz.w, "  Contacting %s...", rawURL)
	if err := PingEndpoint(ctx, wiz.client, rawURL); err != nil {
		wiz.logger.Warn("provider endpoint unreachable", "url", rawURL, "error", err)
		fmt.Fprintf(wiz.w, " ⚠ unreachable, keeping it anyway\n")
		return
	}
	fmt.Fprintf(wiz.w, " ✓\n")
}

func (wiz *Wizard) configureSchedule(cfg *config.Config) {
	if wiz.prompt.Confirm("Use a cron schedule instead of a fixed interval?", false) {
		for {
			spec := wiz.prompt.String("Cron expression (five fields)", defaultCron)
			if _, err := cron.ParseStandard(spec); err != nil {
				fmt.Fprintf(wiz.w, "  (invalid cron expression: %v)\n", err)
				continue
			}
			cfg.Sync.Schedule = spec
			break
		}
	} else {
		cfg.Sync.Interval = wiz.prompt.Duration("Sync interval", config.DefaultSyncInterval, config.MinSyncInterval)
	}
	fmt.Fprintf(wiz.w, "\n")
}

func (wiz *Wizard) listenAddress(def string) string {
	for {
		addr := wiz.prompt.String("API listen address", def)
		if _, _, err := net.SplitHostPort(addr); err == nil {
			return addr
		}
		fmt.Fprintf(wiz.w, "  (enter host:port, e.g. %s)\n", config.DefaultListen)
	}
}
