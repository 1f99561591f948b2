package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/qwengate/qwengate/internal"
	"github.com/qwengate/qwengate/internal/accountprovider"
	"github.com/qwengate/qwengate/internal/alert"
	"github.com/qwengate/qwengate/internal/config"
	"github.com/qwengate/qwengate/internal/dispatch"
	"github.com/qwengate/qwengate/internal/kvstore"
	"github.com/qwengate/qwengate/internal/oauthmanager"
	"github.com/qwengate/qwengate/internal/pool"
	"github.com/qwengate/qwengate/internal/quota"
	"github.com/qwengate/qwengate/internal/registry"
	"github.com/qwengate/qwengate/internal/server"
	"github.com/qwengate/qwengate/internal/sqlstore"
	"github.com/qwengate/qwengate/internal/streamdedup"
	"github.com/qwengate/qwengate/internal/telemetry"
	"github.com/qwengate/qwengate/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting qwengate", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlstore.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database opened", "dsn", cfg.Database.DSN)
	if err := store.SetGlobal(context.Background(), gateway.GlobalUptimeStart, time.Now().Unix()); err != nil {
		slog.Warn("failed to stamp uptime_start", "error", err)
	}

	var blob kvstore.Store
	if cfg.Redis.Addr != "" {
		blob = kvstore.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB}))
		slog.Info("blob store: redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	} else {
		blob = kvstore.NewMemory()
		slog.Info("blob store: in-memory (single-instance)")
	}

	ctx := context.Background()

	reg := registry.New(store)
	if err := reg.SelfHealIfEmpty(ctx, cfg.Providers.Qwen.AuthFiles); err != nil {
		return err
	}

	quotaMgr := quota.New(store, quota.Config{
		Chat:   quota.KindLimits{Daily: cfg.Quota.Chat.Daily, RPM: cfg.Quota.Chat.RPM},
		Search: quota.KindLimits{Daily: cfg.Quota.Search.Daily, RPM: cfg.Quota.Search.RPM},
	}, cfg.Audit.SuccessLogs, time.Now)

	// Shared DNS cache and dedup instance across every account's client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()
	transport := accountprovider.NewTransport(dnsResolver)
	dedup := streamdedup.New()

	factory := func(id string) pool.AccountProvider {
		auth := oauthmanager.New(id, cfg.QwenOAuthClientID, blob, http.DefaultClient, time.Now)
		client := &http.Client{Transport: transport}
		return accountprovider.New(id, auth, client, quotaMgr, dedup, time.Now)
	}

	providerPool := pool.New(reg, blob, quotaMgr, factory, pool.Config{
		StaticIDs:        cfg.Providers.Qwen.AuthFiles,
		ScanInterval:     cfg.ScanInterval(),
		FullScanInterval: cfg.FullScanInterval(),
	}, time.Now)

	if err := providerPool.EnsureFresh(ctx); err != nil {
		slog.Warn("initial pool scan failed, continuing with an empty pool", "error", err)
	}
	slog.Info("provider pool ready", "size", providerPool.Size())

	alertEngine := alert.New(blob, store, providerPool, http.DefaultClient, time.Now, alert.Config{
		WebhookURL:           cfg.Alert.WebhookURL,
		PerAccountDailyLimit: cfg.Alert.PerAccountDailyLimit,
		QuotaAlertThreshold:  cfg.Alert.Threshold,
	})

	runner := worker.NewRunner(quotaMgr, alertEngine, newPoolScanWorker(providerPool, cfg.ScanInterval(), cfg.FullScanInterval()))

	dispatcher := dispatch.New(providerPool)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("qwengate/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Dispatcher:   dispatcher,
		Pool:         providerPool,
		Registry:     reg,
		Quota:        quotaMgr,
		KV:           blob,
		APIKey:       cfg.APIKey,
		AdminKey:     cfg.Server.AdminKey,
		QwenClientID: cfg.QwenOAuthClientID,
		HTTPClient:   http.DefaultClient,
		Now:          time.Now,
		ReadyCheck:   store.Ping,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("endpoints enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/tools/web_search",
			"GET  /admin/api/stats",
		},
	)
	slog.Info("qwengate ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("qwengate stopped")
	return nil
}
