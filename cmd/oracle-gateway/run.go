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
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	oracle "github.com/justapithecus/oracle-gateway/internal"
	"github.com/justapithecus/oracle-gateway/internal/audit"
	"github.com/justapithecus/oracle-gateway/internal/config"
	"github.com/justapithecus/oracle-gateway/internal/ledger"
	"github.com/justapithecus/oracle-gateway/internal/orchestrator"
	"github.com/justapithecus/oracle-gateway/internal/proxyserver"
	"github.com/justapithecus/oracle-gateway/internal/registry"
	"github.com/justapithecus/oracle-gateway/internal/sandbox"
	"github.com/justapithecus/oracle-gateway/internal/scheduler"
	"github.com/justapithecus/oracle-gateway/internal/telemetry"
	"github.com/justapithecus/oracle-gateway/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting oracle-gateway", "version", version, "addr", cfg.Proxy.Addr)

	ctx := context.Background()

	// Audit sink (reference SQLite implementation behind oracle.AuditSink).
	auditSink, err := audit.New(cfg.Audit.DSN)
	if err != nil {
		return err
	}
	defer auditSink.Close()
	slog.Info("audit sink opened", "dsn", cfg.Audit.DSN)

	// Cost Ledger, shared between the Interception Proxy (which charges it)
	// and the Scheduler (which reads and releases it per job).
	budget := oracle.BudgetSpec{
		Chutes:   cfg.Budget.Chutes,
		Desearch: cfg.Budget.Desearch,
		Other:    cfg.Budget.Other,
	}
	led := ledger.New(budget)
	slog.Info("cost ledger configured",
		"chutes_budget", budget.Chutes,
		"desearch_budget", budget.Desearch,
		"other_budget", budget.Other,
	)

	// Prometheus metrics.
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

	// OpenTelemetry tracing.
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
			tracer = telemetry.Tracer("oracle-gateway")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}
	// Isolation Runtime: one process-based sandbox per agent job, injected
	// with the Interception Proxy's own address so every agent call loops
	// back through cost accounting.
	runtime := sandbox.New(sandbox.Config{
		PythonPath:    cfg.Sandbox.PythonPath,
		WorkspaceRoot: cfg.Scheduler.WorkspaceRoot,
		MemoryLimitMB: cfg.Sandbox.MemoryLimitMB,
		CPUQuota:      cfg.Sandbox.CPUQuota,
		CPUPeriod:     cfg.Sandbox.CPUPeriod,
		ProxyURL:      "http://" + loopbackAddr(cfg.Proxy.Addr),
	})

	// Sandbox Scheduler: admission control and parallel fan-out over the
	// Isolation Runtime, against the shared Cost Ledger.
	var schedMetrics scheduler.Metrics
	if metrics != nil {
		schedMetrics = metrics
	}
	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		MaxQueued:      cfg.Scheduler.MaxQueued,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		DeadlineSlack:  cfg.Scheduler.DeadlineSlack,
		Tracer:         tracer,
	}, runtime, led, schedMetrics)
	slog.Info("sandbox scheduler configured",
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
		"max_queued", cfg.Scheduler.MaxQueued,
	)

	// Upstream agent registry client.
	oauthCfg := registry.OAuth2Config{
		ClientID:     cfg.Registry.ClientID,
		ClientSecret: cfg.Registry.ClientSecret,
		TokenURL:     cfg.Registry.TokenURL,
	}
	var reg *registry.Client
	if oauthCfg.Enabled() {
		reg, err = registry.NewWithOAuth2(ctx, cfg.Registry.BaseURL, oauthCfg)
	} else {
		reg, err = registry.New(cfg.Registry.BaseURL)
	}
	if err != nil {
		return err
	}
	slog.Info("registry client configured", "base_url", cfg.Registry.BaseURL, "oauth2", oauthCfg.Enabled())

	// Prediction Orchestrator: champion / council / selected-by-UID
	// aggregation over the Scheduler, recorded to the audit sink.
	var orchMetrics orchestrator.Metrics
	if metrics != nil {
		orchMetrics = metrics
	}
	orch := orchestrator.New(reg, sched, auditSink, orchMetrics, tracer)
	_ = orch // exposed for embedding callers; this binary has no HTTP surface for it (out of scope).

	// Background workers: backstop sweep for orphaned sandbox workspaces.
	janitor := worker.NewWorkspaceJanitor(cfg.Scheduler.WorkspaceRoot, time.Hour, 10*time.Minute)
	runner := worker.NewRunner(janitor)

	// Interception Proxy: forwards agent traffic upstream, classifying and
	// charging cost against the Cost Ledger.
	var proxyMetrics proxyserver.Metrics
	if metrics != nil {
		proxyMetrics = metrics
	}

	// Shared DNS cache for the proxy's upstream HTTP client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	proxy := proxyserver.New(proxyserver.Config{
		UpstreamBaseURL:      cfg.Proxy.UpstreamBaseURL,
		UpstreamTimeout:      cfg.Proxy.UpstreamTimeout,
		Tracer:               tracer,
		EnableCircuitBreaker: cfg.Proxy.CircuitBreaker.Enabled,
		BreakerConfig:        cfg.Proxy.BreakerConfig(),
	}, led, &http.Client{Transport: proxyserver.NewTransport(dnsResolver)}, proxyMetrics)
	if cfg.Proxy.CircuitBreaker.Enabled {
		slog.Info("proxy circuit breaker enabled",
			"error_threshold", cfg.Proxy.CircuitBreaker.ErrorThreshold,
			"min_samples", cfg.Proxy.CircuitBreaker.MinSamples,
		)
	}

	handler := proxyserver.NewServer(proxyserver.Deps{
		Proxy:          proxy,
		MetricsHandler: metricsHandler,
		ReadyCheck:     func(ctx context.Context) error { return auditSink.Ping(ctx) },
	})

	srv := &http.Server{
		Addr:              cfg.Proxy.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Proxy.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Proxy.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Serve the Interception Proxy.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("interception proxy ready", "addr", cfg.Proxy.Addr, "upstream", cfg.Proxy.UpstreamBaseURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
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

	slog.Info("oracle-gateway stopped")
	return nil
}

// loopbackAddr turns a listen address like ":8888" or "0.0.0.0:8888" into
// a dialable loopback address for sandboxed agents to call back through.
func loopbackAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
