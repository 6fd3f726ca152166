package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/warden/internal/api"
	"github.com/clawinfra/warden/internal/config"
	"github.com/clawinfra/warden/internal/notify"
	"github.com/clawinfra/warden/internal/policy"
	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/security"
	"github.com/clawinfra/warden/internal/storage"
	"github.com/clawinfra/warden/internal/sweeper"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Engine    *sandbox.Engine
	Notifier  *notify.MQTTNotifier
	APIServer *api.Server
	Sweeper   *sweeper.Sweeper
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("warden", flag.ExitOnError)
	configPath := fs.String("config", "warden.json", "Path to config file")
	port := fs.Int("port", 0, "Override the API port")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("Warden v%s (built %s)\n", version, buildTime)
		fmt.Println("Authorization and escalation service for autonomous agents")
		return 0
	}

	app, err := setup(*configPath, *port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close()

	if err := serve(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components
func setup(configPath string, portOverride int) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting Warden",
		"version", version,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	app.Config = cfg

	// Recreate logger with config's log level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = store

	defaults, err := loadPolicy(cfg, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	var notifier sandbox.Notifier = notify.NewLog(app.Logger)
	if cfg.MQTT.Enabled {
		mq := notify.NewMQTT(
			cfg.MQTT.Host,
			cfg.MQTT.Port,
			cfg.MQTT.Username,
			cfg.MQTT.Password,
			cfg.MQTT.TopicPrefix,
			app.Logger,
		)
		if err := mq.Start(); err != nil {
			app.Logger.Warn("mqtt connect failed, falling back to log notifications", "error", err)
		} else {
			app.Notifier = mq
			notifier = mq
		}
	}

	engine, err := sandbox.NewEngine(sandbox.Config{
		Store:    store,
		Logger:   app.Logger,
		Notifier: notifier,
		Sampler:  sandbox.ProcSampler{},
		Defaults: defaults,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	app.Engine = engine

	jwtSecret := security.GetJWTSecret()
	if jwtSecret == nil {
		app.Logger.Warn("WARDEN_JWT_SECRET not set, API authentication disabled")
	}
	app.APIServer = api.NewServer(cfg.Server.Port, engine, jwtSecret, app.Logger)

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(cfg.Sweeper.Schedule, engine, app.Logger)
		if err != nil {
			return nil, fmt.Errorf("create sweeper: %w", err)
		}
		app.Sweeper = sw
	}

	return app, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return storage.NewSQLiteStore(cfg.DatabasePath())
	}
}

// loadPolicy builds the per-level defaults function from the optional
// override file and filter packs. Nothing configured means built-ins.
func loadPolicy(cfg *config.Config, logger *slog.Logger) (sandbox.DefaultsFunc, error) {
	var file *policy.File
	if cfg.Policy.Path != "" {
		f, err := policy.Load(cfg.Policy.Path)
		if err != nil {
			return nil, err
		}
		file = f
		logger.Info("policy overrides loaded", "path", cfg.Policy.Path)
	}

	packs, err := policy.LoadFilterPacks(cfg.Policy.FilterPacks)
	if err != nil {
		return nil, err
	}
	for _, p := range packs {
		logger.Info("filter pack loaded", "name", p.Pack.Name)
	}

	if file == nil && len(packs) == 0 {
		return nil, nil
	}
	return policy.Defaults(file, packs), nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// serve runs the API server and the sweeper until a termination signal.
func serve(app *App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.APIServer.Start(ctx)
	})

	if app.Sweeper != nil {
		g.Go(func() error {
			app.Sweeper.Start(ctx)
			return nil
		})
	}

	app.Logger.Info("warden running",
		"port", app.Config.Server.Port,
		"storage", app.Config.Storage.Backend,
	)

	err := g.Wait()

	if app.Notifier != nil {
		app.Notifier.Stop()
	}
	app.Logger.Info("warden stopped")
	return err
}
