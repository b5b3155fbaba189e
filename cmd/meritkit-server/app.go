package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	jsonfileAdapter "meritkit/adapters/jsonfile"
	mem "meritkit/adapters/memory"
	redisAdapter "meritkit/adapters/redis"
	sqlxAdapter "meritkit/adapters/sqlx"
	"meritkit/api/httpapi"
	"meritkit/config"
	"meritkit/engine"
	"meritkit/integrations/webhook"
	"meritkit/merit"
	"meritkit/realtime"
	"meritkit/rules"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// App aggregates the assembled server components.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Hub     *realtime.Hub
	Rules   *rules.Store
	Service *merit.Service
	Handler http.Handler
	Server  *http.Server

	stopReload chan struct{}
}

// StartRuleReloader periodically re-reads the definitions file when a reload
// interval is configured. A broken file keeps the previous rule set.
func (a *App) StartRuleReloader() {
	interval := a.Config.Rules.ReloadInterval
	if interval <= 0 {
		return
	}
	a.stopReload = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.Rules.Reload(); err != nil {
					a.Logger.Warn("rule reload failed, keeping previous definitions", "error", err)
				}
			case <-a.stopReload:
				return
			}
		}
	}()
}

// Close stops the reloader and the service's workers and subscribers.
func (a *App) Close() {
	if a.stopReload != nil {
		close(a.stopReload)
	}
	a.Service.Close()
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	if path := os.Getenv("MERITKIT_CONFIG"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStorage(ctx context.Context, cfg *config.Config) (merit.Storage, error) {
	return setupStorage(ctx, cfg)
}

func provideRules(cfg *config.Config) (*rules.Store, error) {
	return rules.NewStoreFromFile(cfg.Rules.Path)
}

func provideService(cfg *config.Config, logger *slog.Logger, hub *realtime.Hub, storage merit.Storage, ruleStore *rules.Store) *merit.Service {
	opts := []merit.Option{
		merit.WithStorage(storage),
		merit.WithRules(ruleStore),
		merit.WithRealtime(hub),
		merit.WithLogger(logger),
		merit.WithDispatchMode(engine.DispatchAsync),
	}
	if cfg.Ingest.Mode == "async" {
		opts = append(opts, merit.WithAsyncIngest(cfg.Ingest.QueueBuffer, cfg.Ingest.Workers))
	}
	svc := merit.New(opts...)

	if urls := cfg.Security.WebhookURLs; len(urls) > 0 {
		sink := webhook.New(urls)
		svc.Subscribe(engine.KindAny, sink.OnOutcome)
	}
	return svc
}

func provideHandler(svc *merit.Service, hub *realtime.Hub, ruleStore *rules.Store, cfg *config.Config) http.Handler {
	return httpapi.NewMux(httpapi.Deps{
		Engine: svc.Engine(),
		Ranker: svc.Ranker(),
		Hub:    hub,
		Queue:  svc.Queue(),
		Rules:  ruleStore,
	}, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
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

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
func setupStorage(ctx context.Context, cfg *config.Config) (merit.Storage, error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), nil
	case "redis":
		return redisAdapter.New(cfg.Storage.Redis)
	case "sql":
		store, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "file":
		return jsonfileAdapter.New(cfg.Storage.File.Path)
	default:
		return nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}
