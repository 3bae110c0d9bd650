package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/iago/vestigium-sync/internal/config"
	"github.com/iago/vestigium-sync/internal/prefs"
	"github.com/iago/vestigium-sync/internal/push"
	"github.com/iago/vestigium-sync/internal/remote"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	logger := log.New(os.Stderr, "[vestigium] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	loaded, err := config.LoadDotEnv(".env", ".env.local")
	if err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	for _, path := range loaded {
		logger.Printf("loaded env file path=%s", path)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := newCLIApp(newDeps(cfg, logger))
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Printf("%v", err)
		stop()
		os.Exit(1)
	}
}

// deps carries the process-wide dependencies commands are built from.
type deps struct {
	cfg    config.Config
	logger *log.Logger
	client *remote.Client
}

func newDeps(cfg config.Config, logger *log.Logger) *deps {
	var httpLogger *log.Logger
	if cfg.TraceHTTP {
		httpLogger = logger
	}
	return &deps{
		cfg:    cfg,
		logger: logger,
		client: remote.New(remote.Config{
			BaseURL:        cfg.BaseURL,
			APIToken:       cfg.APIToken,
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
			Logger:         httpLogger,
		}),
	}
}

// setupPrefs opens the configured preference backend, falling back to memory
// when it cannot be reached.
func setupPrefs(ctx context.Context, cfg config.Config, logger *log.Logger) (prefs.Backend, func()) {
	switch cfg.PrefsBackend {
	case config.PrefsMemory:
		return prefs.NewMemoryBackend(), func() {}
	case config.PrefsSQLite:
		backend, err := prefs.NewSQLiteBackend(cfg.PrefsSQLitePath)
		if err != nil {
			logger.Printf("failed to open sqlite preferences, fallback to memory: %v", err)
			return prefs.NewMemoryBackend(), func() {}
		}
		return backend, func() { _ = backend.Close() }
	case config.PrefsPostgres:
		backend, err := prefs.NewPostgresBackend(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Printf("failed to open postgres preferences, fallback to memory: %v", err)
			return prefs.NewMemoryBackend(), func() {}
		}
		return backend, backend.Close
	case config.PrefsRedis:
		backend, err := prefs.NewRedisBackend(ctx, prefs.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.PrefsRedisKey,
		})
		if err != nil {
			logger.Printf("failed to open redis preferences, fallback to memory: %v", err)
			return prefs.NewMemoryBackend(), func() {}
		}
		return backend, func() { _ = backend.Close() }
	default:
		backend, err := prefs.NewFileBackend(cfg.PrefsPath)
		if err != nil {
			logger.Printf("failed to open preference file, fallback to memory: %v", err)
			return prefs.NewMemoryBackend(), func() {}
		}
		return backend, func() {}
	}
}

func setupSettings(ctx context.Context, cfg config.Config, logger *log.Logger) (*prefs.Settings, func()) {
	backend, closer := setupPrefs(ctx, cfg, logger)
	return prefs.NewSettings(ctx, backend, logger), closer
}

func (r *deps) redisConfig() push.RedisConfig {
	return push.RedisConfig{
		Addr:     r.cfg.RedisAddr,
		Password: r.cfg.RedisPassword,
		DB:       r.cfg.RedisDB,
		Channel:  r.cfg.PushChannel,
		Stream:   r.cfg.PushStream,
		Logger:   r.logger,
	}
}

// setupFeed returns nil when no push transport is available; callers then
// rely on polling alone.
func setupFeed(ctx context.Context, r *deps) (push.Feed, func()) {
	if r.cfg.PushBackend == config.PushNone {
		return nil, func() {}
	}
	if r.cfg.RedisAddr == "" {
		r.logger.Printf("REDIS_ADDR not configured, task updates come from polling only")
		return nil, func() {}
	}
	if r.cfg.PushBackend == config.PushStreams {
		feed, err := push.NewStreamsFeed(ctx, r.redisConfig())
		if err != nil {
			r.logger.Printf("failed to initialize redis streams feed, polling only: %v", err)
			return nil, func() {}
		}
		r.logger.Printf("redis streams feed initialized stream=%s", r.cfg.PushStream)
		return feed, func() { _ = feed.Close() }
	}
	feed, err := push.NewRedisFeed(ctx, r.redisConfig())
	if err != nil {
		r.logger.Printf("failed to initialize redis pub/sub feed, polling only: %v", err)
		return nil, func() {}
	}
	r.logger.Printf("redis pub/sub feed initialized channel=%s", r.cfg.PushChannel)
	return feed, func() { _ = feed.Close() }
}

// setupPublisher returns an in-process feed when Redis is not configured so
// the relay can still run against a local watcher.
func setupPublisher(ctx context.Context, r *deps) (push.Publisher, func(), error) {
	if r.cfg.RedisAddr == "" || r.cfg.PushBackend == config.PushNone {
		r.logger.Printf("no redis push backend configured, relaying to a local feed")
		local := push.NewLocalFeed(512, r.logger)
		return local, func() { _ = local.Close() }, nil
	}
	if r.cfg.PushBackend == config.PushStreams {
		publisher, err := push.NewStreamsPublisher(ctx, r.redisConfig())
		if err != nil {
			return nil, nil, err
		}
		return publisher, func() { _ = publisher.Close() }, nil
	}
	publisher, err := push.NewRedisPublisher(ctx, r.redisConfig())
	if err != nil {
		return nil, nil, err
	}
	return publisher, func() { _ = publisher.Close() }, nil
}
