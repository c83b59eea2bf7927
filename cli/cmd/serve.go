package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BDNK1/reflow/cli/internal/constants"
	"github.com/BDNK1/reflow/cli/internal/paths"
	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/engine/yaml"
	"github.com/BDNK1/reflow/runtime/hotupdate"
	"github.com/BDNK1/reflow/runtime/migration"
	"github.com/BDNK1/reflow/runtime/server"
	"github.com/BDNK1/reflow/runtime/session"
	"github.com/BDNK1/reflow/runtime/telemetry"
)

var (
	configPath string
	serveAddr  string
	noWatch    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flow update service",
	Long: `Serve loads the configured flows, watches them for changes and applies
each change to the running sessions. Status, recheck and flow inspection are
served over HTTP.

Without sessions.endpoint in the config, sessions are kept in memory and the
session API is served under /api.

Example:
  reflow serve
  reflow serve --config deploy/reflow.yaml --addr :9090
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", constants.DefaultConfigFile, "Path to the config file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides server.addr")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch flow files; changes apply only on POST /recheck")
}

// service is the wired process: everything serve runs, built from one config.
type service struct {
	l         *slog.Logger
	cfg       *runtime.Config
	providers *telemetry.Providers
	loader    *yaml.FlowLoader
	coord     *hotupdate.Coordinator

	// local is set when sessions are kept in this process.
	local *session.MemoryManager
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		path = ""
	}
	cfg, err := runtime.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	svc, err := newService(ctx, cfg, path)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.providers.Shutdown(shutdownCtx); err != nil {
			svc.l.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	if _, err := svc.coord.Load(ctx); err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}

	if !noWatch {
		watcher := yaml.NewWatcher(svc.l, svc.loader, 0)
		go func() {
			err := watcher.Watch(ctx, func(ctx context.Context) {
				_, _ = svc.coord.HandleChange(ctx)
			})
			if err != nil {
				svc.l.Error("Flow watcher stopped", "error", err)
			}
		}()
	}

	var sessions runtime.SessionManager
	if svc.local != nil {
		sessions = svc.local
	}
	return server.New(svc.l, svc.coord, sessions).Run(ctx, cfg.Server.Addr)
}

func newService(ctx context.Context, cfg *runtime.Config, cfgPath string) (*service, error) {
	providers, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	l := telemetry.NewLogger(os.Stderr, cfg.LogLevel, providers)
	slog.SetDefault(l)

	flowsPath, err := paths.ResolveFlowsPath(cfgPath, cfg.FlowsPath)
	if err != nil {
		return nil, err
	}

	svc := &service{
		l:         l,
		cfg:       cfg,
		providers: providers,
		loader:    yaml.NewFlowLoader(flowsPath),
	}

	var sessions runtime.SessionManager
	if cfg.Sessions.Endpoint != "" {
		rc, err := session.RemoteConfigFrom(cfg.Sessions)
		if err != nil {
			return nil, fmt.Errorf("invalid sessions config: %w", err)
		}
		sessions = session.NewRemoteManager(l, rc)
		l.Info("Using remote session manager", "endpoint", rc.Endpoint)
	} else {
		svc.local = session.NewMemoryManager(l, func(name string) (*runtime.FlowDefinition, bool) {
			return svc.coord.Flow(name)
		})
		sessions = svc.local
	}

	migrator, err := migration.NewMigrator(l, sessions, cfg.Migration)
	if err != nil {
		return nil, fmt.Errorf("invalid migration config: %w", err)
	}

	svc.coord = hotupdate.NewCoordinator(l, svc.loader, sessions, migrator)
	svc.coord.AddUpdateCallback(func(e hotupdate.UpdateEvent) {
		attrs := []any{"flow", e.FlowName, "cycle", e.CycleID}
		if e.Migration != nil {
			attrs = append(attrs,
				"strategy", e.Migration.Strategy,
				"migrated", e.Migration.SuccessfulMigrations,
				"failed", e.Migration.FailedMigrations)
		}
		l.Info(fmt.Sprintf("Flow %s: %s", e.Type, e.FlowName), attrs...)
	})
	return svc, nil
}
