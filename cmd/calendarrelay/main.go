// CalendarRelay keeps calendars from several providers in one destination
// calendar, optionally fed by desktop agents and file imports.
//
// Usage:
//
//	calendarrelay init                         # interactive first-run wizard
//	calendarrelay serve [--config <path>]      # HTTP API + periodic sync engine
//	calendarrelay sync                         # one pass over every source then exit
//	calendarrelay sync-source <id>             # one pass over a single source
//	calendarrelay status                       # storage, last run and agent state
//	calendarrelay import <source-id> <file>    # import an .ics or JSON event file
//	calendarrelay version                      # print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/njoerd114/calendarrelay/internal/api"
	"github.com/njoerd114/calendarrelay/internal/config"
	"github.com/njoerd114/calendarrelay/internal/fetch"
	"github.com/njoerd114/calendarrelay/internal/provider"
	"github.com/njoerd114/calendarrelay/internal/provider/caldav"
	"github.com/njoerd114/calendarrelay/internal/provider/google"
	"github.com/njoerd114/calendarrelay/internal/provider/microsoft"
	"github.com/njoerd114/calendarrelay/internal/setup"
	"github.com/njoerd114/calendarrelay/internal/storage"
	syncp "github.com/njoerd114/calendarrelay/internal/sync"
	"github.com/njoerd114/calendarrelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	defaultCfg, _ := config.DefaultPath()
	return &cli.App{
		Name:    "calendarrelay",
		Usage:   "sync calendars from Google, Microsoft, Exchange and CalDAV into one destination",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: defaultCfg, Usage: "path to config.yaml", EnvVars: []string{"CALENDARRELAY_CONFIG"}},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			initCommand(),
			serveCommand(),
			syncCommand(),
			syncSourceCommand(),
			statusCommand(),
			importCommand(),
			versionCommand(),
		},
	}
}

// --- Subcommands -------------------------------------------------------------

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "interactive first-run wizard",
		Action: func(c *cli.Context) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return setup.NewWizard(os.Stdin, os.Stdout, logger, c.String("config")).Run(ctx)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API and the periodic sync engine",
		Action: func(c *cli.Context) error {
			rt, err := start(c)
			if err != nil {
				return err
			}
			defer rt.close()

			schedule, err := syncp.NewSchedule(rt.cfg.Sync.Interval, rt.cfg.Sync.Schedule)
			if err != nil {
				return fmt.Errorf("building sync schedule: %w", err)
			}
			engine := syncp.NewEngine(rt.ctrl, schedule, rt.cfg.Sync.FailureBackoff, rt.log)
			server := api.New(rt.ctrl, rt.fetcher, rt.log, uuid.NewString)

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			rt.log.Info("serving",
				"listen", rt.cfg.HTTP.Listen,
				"interval", rt.cfg.Sync.Interval,
				"schedule", rt.cfg.Sync.Schedule,
			)

			engineErr := make(chan error, 1)
			go func() { engineErr <- engine.Run(ctx) }()

			serveErr := server.ListenAndServe(ctx, rt.cfg.HTTP.Listen)
			// A listener failure must also stop the engine.
			stop()
			err = errors.Join(ignoreCanceled(serveErr), ignoreCanceled(<-engineErr))
			if err != nil {
				return err
			}
			rt.log.Info("shutdown complete")
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "run one pass over every enabled source then exit",
		Action: func(c *cli.Context) error {
			rt, err := start(c)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			res, err := rt.ctrl.SyncAll(ctx)
			if err != nil {
				return err
			}
			rt.log.Info("sync complete",
				"status", res.Status,
				"sources_synced", res.SourcesSynced,
				"sources_failed", res.SourcesFailed,
				"events_synced", res.EventsSynced,
			)
			return printJSON(c.App.Writer, res)
		},
	}
}

func syncSourceCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync-source",
		Usage:     "run one pass over a single source then exit",
		ArgsUsage: "<source-id>",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" || c.NArg() != 1 {
				return cli.Exit("usage: calendarrelay sync-source <source-id>", 2)
			}
			rt, err := start(c)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			res, err := rt.ctrl.SyncSource(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, res)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show storage, last run and agent state",
		Action: func(c *cli.Context) error {
			rt, err := start(c)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.printStatus(c.Context, c.App.Writer, c.String("config"))
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "import events for a source from an .ics file or a JSON array",
		ArgsUsage: "<source-id> <file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: calendarrelay import <source-id> <file>", 2)
			}
			sourceID, path := c.Args().Get(0), c.Args().Get(1)

			rt, err := start(c)
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.importFile(c.Context, sourceID, path)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, res)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print version",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintln(c.App.Writer, "calendarrelay", version)
			return err
		},
	}
}

// --- Wiring ------------------------------------------------------------------

// relay holds the components shared by every command that touches storage.
type relay struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Manager
	ctrl     *syncp.Controller
	fetcher  *fetch.Service
	shutdown telemetry.ShutdownFunc
}

// start loads the config and wires logger, telemetry, storage, adapters and
// controller.
func start(c *cli.Context) (*relay, error) {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if c.Bool("verbose") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfgPath := c.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w\n\n  Run 'calendarrelay init' to create a config file", err)
		}
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Debug("config loaded", "path", cfgPath, "backend", cfg.Storage.Backend)

	rt := &relay{cfg: cfg, log: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(c.Context, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			rt.shutdown = shutdownTel
		}
	}

	// --- Storage -------------------------------------------------------------

	store, err := storage.Open(c.Context, setup.StorageOptions(cfg.Storage), logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	rt.store = store

	// --- Providers and controller --------------------------------------------

	registry := newRegistry(cfg.Providers, logger)
	rt.fetcher = fetch.New(registry, logger)
	rt.ctrl = syncp.NewController(store, rt.fetcher, registry, logger)
	return rt, nil
}

// newRegistry registers an adapter for every provider the config enables.
// CalDAV needs no application credentials and is always available.
func newRegistry(p config.ProvidersConfig, logger *slog.Logger) *provider.Registry {
	reg := provider.NewRegistry()
	if p.Google.ClientID != "" {
		reg.Register(google.New(p.Google.ClientID, p.Google.ClientSecret, logger))
	}
	if p.Microsoft.ClientID != "" {
		reg.Register(microsoft.NewMicrosoft(p.Microsoft.ClientID, p.Microsoft.ClientSecret,
			p.Microsoft.TenantID, p.Microsoft.BaseURL, logger))
	}
	if p.Exchange.BaseURL != "" {
		reg.Register(microsoft.NewExchange(p.Exchange.BaseURL, logger))
	}
	reg.Register(caldav.New(p.CalDAV.Endpoint, logger))

	names := make([]string, 0, 4)
	for _, prov := range reg.Providers() {
		names = append(names, string(prov))
	}
	logger.Debug("provider adapters registered", "providers", strings.Join(names, ","))
	return reg
}

func (rt *relay) close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.log.Error("closing storage", "error", err)
		}
	}
	if rt.shutdown != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.shutdown(flushCtx); err != nil {
			rt.log.Error("telemetry shutdown error", "error", err)
		}
	}
}

// importFile dispatches on the file extension: .ics and .ical are parsed as
// iCalendar, anything else must be a JSON array of events.
func (rt *relay) importFile(ctx context.Context, sourceID, path string) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening import file: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ics", ".ical":
		return rt.ctrl.ImportICS(ctx, sourceID, f)
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading import file: %w", err)
	}
	var events []json.RawMessage
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("%s must contain a JSON array of events: %w", path, err)
	}
	return rt.ctrl.ImportEvents(ctx, sourceID, events)
}

func (rt *relay) printStatus(ctx context.Context, w io.Writer, cfgPath string) error {
	fmt.Fprintln(w, "CalendarRelay Status")
	fmt.Fprintln(w, "────────────────────")
	fmt.Fprintf(w, "  Config:    %s ✓\n", cfgPath)

	if err := rt.store.Ping(ctx); err != nil {
		fmt.Fprintf(w, "  Storage:   %s (unreachable: %v)\n", rt.store.Backend(), err)
	} else {
		fmt.Fprintf(w, "  Storage:   %s ✓\n", rt.store.Backend())
	}
	if rt.cfg.Sync.Schedule != "" {
		fmt.Fprintf(w, "  Schedule:  %s (cron)\n", rt.cfg.Sync.Schedule)
	} else {
		fmt.Fprintf(w, "  Schedule:  every %s\n", rt.cfg.Sync.Interval)
	}
	fmt.Fprintf(w, "  API:       http://%s\n", rt.cfg.HTTP.Listen)

	syncCfg, err := rt.ctrl.Configuration(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  Sources:   %d\n", len(syncCfg.Sources))
	if syncCfg.Destination != nil {
		fmt.Fprintf(w, "  Dest:      %s (%s)\n", syncCfg.Destination.Name, syncCfg.Destination.ProviderType)
	} else {
		fmt.Fprintf(w, "  Dest:      not configured\n")
	}

	latest, err := rt.ctrl.LatestResult(ctx)
	if err != nil {
		return err
	}
	if latest != nil {
		fmt.Fprintf(w, "  Last run:  %s at %s (%d events, %d source(s) failed)\n",
			latest.Status, latest.EndTime.Format(time.RFC3339), latest.EventsSynced, latest.SourcesFailed)
	} else {
		fmt.Fprintf(w, "  Last run:  never\n")
	}

	report, err := rt.ctrl.CheckAgentHeartbeats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  Agents:    %d active, %d inactive\n", report.ActiveAgents, report.InactiveAgents)
	return nil
}

// --- Helpers -----------------------------------------------------------------

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
