package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/wjbmattingly/vlamy/internal/api"
	"github.com/wjbmattingly/vlamy/internal/auth"
	"github.com/wjbmattingly/vlamy/internal/clients"
	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/metrics"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
	"github.com/wjbmattingly/vlamy/internal/store"
	"github.com/wjbmattingly/vlamy/internal/telemetry"
)

// AppContext holds every dependency shared across subcommands. It is built
// once in PersistentPreRunE.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	router       *api.Router
	closers      []func() error
}

// buildAppContext wires the application from cfg:
//  1. OTEL provider (disabled without an endpoint, never fatal)
//  2. the store: in-memory in browser-only mode, configured driver otherwise
//  3. optional clients: Redis lock, NATS events, OCR probe
//  4. the orchestrator and the HTTP router
//
// No network connection is made here; the database phase of bootstrap is
// the first thing that talks to a server.
func buildAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	app := &AppContext{cfg: cfg, otelProvider: telemetry.Disabled()}

	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Info("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(ctx,
			cfg.Telemetry.OTLPEndpoint,
			cfg.Telemetry.ServiceName,
			cfg.Telemetry.OTLPInsecure,
		)
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "error", err)
		} else {
			app.otelProvider = tp
		}
	}

	st, err := store.Open(cfg.Database, store.Options{
		Ephemeral: cfg.IsBrowserOnly(),
		Debug:     cfg.Debug && cfg.Telemetry.LogLevel == "debug",
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.store = st
	app.closers = append(app.closers, st.Close)

	rec, err := metrics.NewRecorder()
	if err != nil {
		app.Close()
		return nil, err
	}

	// The bootstrap wait retries on its own schedule, so it gets an
	// unbreakered probe; deep health keeps the breaker.
	var database, health orchestrator.Prober = st, st
	if st.Driver() == "postgres" && !st.Ephemeral() {
		database = clients.NewPostgresClient(cfg.Database, nil)
		health = clients.NewPostgresClient(cfg.Database, clients.NewCircuitBreaker("postgres"))
	}

	opts := orchestrator.Options{
		Mode:        string(cfg.Mode),
		BrowserOnly: cfg.IsBrowserOnly(),
		Database:    database,
		Migrator:    st,
		Provisioner: st,
		Metrics:     rec,
		Admin: orchestrator.AdminSpec{
			Username:           cfg.Admin.Username,
			Email:              cfg.Admin.Email,
			Password:           cfg.Admin.Password,
			MustChangePassword: cfg.Admin.MustChangePassword,
		},
		RetryBackoff: cfg.Bootstrap.RetryBackoff,
		Probes:       map[string]orchestrator.Prober{"database": health},
	}

	if cfg.Bootstrap.Redis.URL != "" {
		rc, err := clients.NewRedisClient(cfg.Bootstrap.Redis, cfg.Bootstrap.RetryBackoff, clients.NewCircuitBreaker("redis"))
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, rc.Close)
		opts.Lock = rc
		opts.Probes["redis"] = rc
	}

	if cfg.Bootstrap.NATS.URL != "" {
		nc := clients.NewNATSClient(cfg.Bootstrap.NATS, clients.NewCircuitBreaker("nats"))
		opts.Events = nc
		opts.Probes["nats"] = nc
	}

	ocr := clients.NewOCRClient(cfg.OCR, clients.NewCircuitBreaker("ocr"))
	if ocr.Configured() {
		opts.Probes["ocr"] = ocr
	}

	app.orchestrator = orchestrator.New(opts)

	deps := api.Deps{Orchestrator: app.orchestrator, Metrics: rec}
	if !cfg.IsBrowserOnly() {
		deps.Auth = auth.New(st, cfg.SecretKey, cfg.Auth.TokenCacheTTL)
		deps.Profiles = st
	}
	app.router = api.NewRouter(api.Config{
		Mode:         string(cfg.Mode),
		BrowserOnly:  cfg.IsBrowserOnly(),
		Debug:        cfg.Debug,
		AllowedHosts: cfg.AllowedHosts,
		CookieName:   cfg.Auth.CookieName,
		CookieSecure: cfg.Auth.CookieSecure,
		OCRProviders: ocr.Providers(),
		ServiceName:  cfg.Telemetry.ServiceName,
	}, deps)

	slog.Info("application wired",
		"mode", cfg.Mode,
		"driver", st.Driver(),
		"lock", opts.Lock != nil,
		"events", opts.Events != nil,
		"ocr_providers", ocr.Providers(),
	)
	return app, nil
}

// Close releases everything buildAppContext opened, newest first. It is
// safe to call more than once.
func (a *AppContext) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource failed", "error", err)
		}
	}
	a.closers = nil

	if a.otelProvider != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelProvider.Shutdown(shutCtx); err != nil {
			slog.Warn("OTEL shutdown error", "error", err)
		}
		a.otelProvider = nil
	}
}
