package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jonesrussell/mailtriage/internal/api"
	"github.com/jonesrussell/mailtriage/internal/backend"
	"github.com/jonesrussell/mailtriage/internal/cache"
	"github.com/jonesrussell/mailtriage/internal/config"
	"github.com/jonesrussell/mailtriage/internal/gate"
	"github.com/jonesrussell/mailtriage/internal/logging"
	"github.com/jonesrussell/mailtriage/internal/mailstore"
	"github.com/jonesrussell/mailtriage/internal/notify"
	"github.com/jonesrussell/mailtriage/internal/orchestrator"
	"github.com/jonesrussell/mailtriage/internal/ratelimit"
	"github.com/jonesrussell/mailtriage/internal/retry"
	"github.com/jonesrussell/mailtriage/internal/scheduler"
	"github.com/jonesrussell/mailtriage/internal/semaphore"
	"github.com/jonesrussell/mailtriage/internal/store"
	"github.com/jonesrussell/mailtriage/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mailtriage: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.GetConfigPath("config.yml"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Service.Debug,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting mailtriage",
		logging.String("version", cfg.Service.Version),
		logging.Int("port", cfg.Service.Port),
		logging.Int("backends", len(cfg.Backends)),
	)

	tp := telemetry.NewProvider()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheStore, notifier, err := buildCacheAndNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	analyzers, schedCfgs, semLimits, err := buildBackends(cfg, log)
	if err != nil {
		return err
	}

	sched := scheduler.New(schedCfgs, log, scheduler.WithTelemetry(tp))
	sem := semaphore.NewKeyed(0, semLimits)
	bridge := mailstore.NewClient(cfg.Mailstore.BaseURL, cfg.Mailstore.Token, log)

	orch := orchestrator.New(orchestrator.Deps{
		MailStore:    bridge,
		TagRegistry:  bridge,
		ProgressSink: db,
		ReviewSink:   db,
		Notifier:     notifier,
		Analyzers:    analyzers,
		Scheduler:    sched,
		Semaphore:    sem,
		Cache:        cacheStore,
		Gate:         gate.New(log),
		FetchLimiter: ratelimit.NewLimiter(cfg.Service.FetchRPS, cfg.Service.FetchRPS, log),
		Telemetry:    tp,
	}, orchestrator.Config{
		ChunkSize:       cfg.Service.ChunkSize,
		CacheTTL:        cfg.Cache.TTL,
		GlobalThreshold: cfg.Service.GlobalThreshold,
		Retry: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
			IsRetryable:  retry.IsTransient,
		},
	}, log)

	handler := api.NewHandler(orch, bridge, cacheStore, db, sched, log)
	srv := api.NewServer(handler, api.ServerConfig{
		Port:    cfg.Service.Port,
		Debug:   cfg.Service.Debug,
		Version: cfg.Service.Version,
	}, tp, log)

	return api.RunWithGracefulShutdown(ctx, srv, log)
}

// buildCacheAndNotifier selects the cache backend and notifier. Redis backs
// both when configured; otherwise the in-memory cache with its sweeper and a
// log-only notifier.
func buildCacheAndNotifier(ctx context.Context, cfg *config.Config, log logging.Logger) (cache.Store, orchestrator.Notifier, error) {
	if cfg.Cache.Backend == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Cache.RedisAddress,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return cache.NewRedis(client, log), notify.NewRedis(client, log), nil
	}

	memory := cache.NewMemory(log)
	memory.StartSweeper(ctx, cfg.Cache.SweepInterval)
	return memory, notify.NewLog(log), nil
}

// buildBackends constructs the analyzer registry plus the scheduler and
// semaphore configuration derived from the backend config. Missing
// credentials fail startup, not individual messages.
func buildBackends(cfg *config.Config, log logging.Logger) (*backend.Registry, map[string]scheduler.BackendConfig, map[string]int, error) {
	analyzers := make([]backend.Analyzer, 0, len(cfg.Backends))
	schedCfgs := make(map[string]scheduler.BackendConfig, len(cfg.Backends))
	semLimits := make(map[string]int, len(cfg.Backends))

	for name, b := range cfg.Backends {
		var (
			analyzer backend.Analyzer
			err      error
		)
		switch b.Provider {
		case "anthropic":
			analyzer, err = backend.NewAnthropic(name, b.Model, b.APIKey(), log)
		case "http":
			analyzer, err = backend.NewHTTP(name, b.Model, b.BaseURL, b.APIKey(), log)
		default:
			err = fmt.Errorf("unknown provider %q", b.Provider)
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("backend %s: %w", name, err)
		}

		analyzers = append(analyzers, analyzer)
		schedCfgs[name] = scheduler.BackendConfig{
			Capacity: b.Capacity,
			Window:   b.Window,
		}
		semLimits[semaphore.Key(name, analyzer.Model())] = b.Concurrency
	}

	return backend.NewRegistry(analyzers...), schedCfgs, semLimits, nil
}
