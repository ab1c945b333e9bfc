package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/extdev/extdev/internal/build"
	"github.com/extdev/extdev/internal/config"
	"github.com/extdev/extdev/internal/lockfile"
	"github.com/extdev/extdev/internal/payload"
	"github.com/extdev/extdev/internal/server"
	"github.com/extdev/extdev/internal/status"
	"github.com/extdev/extdev/internal/store"
	"github.com/extdev/extdev/internal/ui"
	"github.com/extdev/extdev/internal/watcher"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build, watch and serve the extensions of an app",
	Long: `Build every extension of the app, watch the app directory for changes and serve the
extensions to connected hosts.

Examples:
  # Serve the app in the current directory on a free port
  extdev serve

  # Use the project's bundler
  extdev serve --port 9292 --build-command "npm run build"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel, os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSession(ctx, stop, cfg, logger, cmd.OutOrStdout())
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("host", "127.0.0.1", "Interface to listen on")
	flags.Int("port", 0, "Port to listen on (0 picks a free port)")
	flags.String("public-url", "", "Public URL of the server, e.g. a tunnel")
	flags.String("build-command", "", "Shell command that bundles one extension (default: copy the entry file)")
	flags.String("build-root", "", "Build output directory (default: <app>/.shopify/dev-bundle)")
	flags.String("environment", "development", "Build environment passed to the build command")
	flags.Int("max-concurrency", 4, "Maximum number of concurrent builds")
	flags.Duration("debounce", 200*time.Millisecond, "Quiet period before a batch of file changes is processed")
	flags.String("api-key", "", "App API key (default: client_id of the app config)")
	flags.String("app-id", "", "App id")
	flags.String("store", "", "Development store domain")
	flags.String("db-type", store.TypeSQLite, "Build history database: sqlite or postgres")
	flags.String("db-path", "", "SQLite database path (default: <app>/.shopify/extdev.db)")

	for key, flag := range map[string]string{
		config.KeyHost:           "host",
		config.KeyPort:           "port",
		config.KeyPublicURL:      "public-url",
		config.KeyBuildCommand:   "build-command",
		config.KeyBuildRoot:      "build-root",
		config.KeyEnvironment:    "environment",
		config.KeyMaxConcurrency: "max-concurrency",
		config.KeyDebounce:       "debounce",
		config.KeyAPIKey:         "api-key",
		config.KeyAppID:          "app-id",
		config.KeyStore:          "store",
		config.KeyDBType:         "db-type",
		config.KeyDBPath:         "db-path",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(serveCmd)
}

// runSession runs one dev session until ctx is cancelled or a component fails.
func runSession(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *slog.Logger, stdout io.Writer) error {
	a, err := app.Load(cfg.AppDir)
	if err != nil {
		return fmt.Errorf("failed to load app: %w", err)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = a.ClientID
	}
	appID := cfg.AppID
	if appID == "" {
		appID = a.ID
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to bind %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	baseURL := cfg.ServerURL(port)
	previewURL := baseURL + cfg.ExtensionsPath + "/dev-console"

	history, err := store.Open(ctx, cfg.DB)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to open build history: %w", err)
	}
	defer history.Close()
	logger.Info("Build history opened", "type", cfg.DB.Type)

	var adapter build.Adapter = build.NewPassthroughAdapter(afero.NewOsFs())
	if cfg.BuildCommand != "" {
		adapter = build.NewCommandAdapter(cfg.BuildCommand, logger)
	}

	appWatcher := watcher.NewAppEventWatcher(a, adapter, watcher.Options{
		BuildRoot:      cfg.BuildRoot,
		Environment:    cfg.Environment,
		Debounce:       cfg.Debounce,
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
	})
	tracker := status.NewTracker(appWatcher, status.Options{
		Retention:  cfg.LogRetention,
		Wait:       cfg.StatusWait,
		PreviewURL: previewURL,
		Logger:     logger,
	})
	payloads := payload.NewStore(payload.Options{
		ServerURL:       baseURL,
		WebsocketURL:    cfg.WebsocketURL(port),
		ExtensionsPath:  cfg.ExtensionsPath,
		ManifestVersion: cfg.ManifestVersion,
		APIKey:          apiKey,
		AppID:           appID,
		AppName:         a.Name,
		StoreFQDN:       cfg.StoreFQDN,
	}, nil)
	console, err := ui.NewHandler(payloads, history, logger)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to load dev console: %w", err)
	}
	srv := server.New(server.Options{
		Store:           payloads,
		Tracker:         tracker,
		History:         history,
		Console:         console,
		BuildRoot:       appWatcher.BuildRoot(),
		ExtensionsPath:  cfg.ExtensionsPath,
		ManifestVersion: cfg.ManifestVersion,
		Logger:          logger,
	}, nil)
	recorder := store.NewRecorder(history, logger)

	appWatcher.
		OnStart(srv.HandleStart).
		OnStart(tracker.HandleStart).
		OnStart(recorder.HandleEvent).
		OnEvent(srv.HandleAppEvent).
		OnEvent(tracker.HandleEvent).
		OnEvent(recorder.HandleEvent).
		OnError(func(err error) {
			tracker.Log("error", "app", err.Error())
			if errors.Is(err, watcher.ErrAppConfigDeleted) {
				logger.Error("App configuration deleted, stopping dev session", "path", a.ConfigPath)
				stop()
				return
			}
			logger.Error("App watcher error", "error", err)
		})

	if err := lockfile.Write(cfg.AppDir, lockfile.Session{
		Port:      port,
		PID:       os.Getpid(),
		URL:       baseURL,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := lockfile.Remove(cfg.AppDir); err != nil {
			logger.Warn("Failed to remove lockfile", "error", err)
		}
	}()

	fmt.Fprintf(stdout, "Dev server running at %s\nPreview: %s\n", baseURL, previewURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		buildOut := io.MultiWriter(stdout, tracker.LogWriter("info", "build"))
		buildErr := io.MultiWriter(os.Stderr, tracker.LogWriter("error", "build"))
		if err := appWatcher.Start(gctx, buildOut, buildErr); err != nil {
			return fmt.Errorf("app watcher failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Dev session stopped")
	return err
}
