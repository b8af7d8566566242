package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offergate/internal/breaker"
	"offergate/internal/config"
	"offergate/internal/coordinator"
	"offergate/internal/gate"
	"offergate/internal/journal"
	"offergate/internal/reconcile"
	"offergate/internal/telemetry"
	"offergate/pkg/logx"
)

func main() {
	var (
		cfgPath    string
		backendURL string
		readStdin  bool
	)
	flag.StringVar(&cfgPath, "config", "./offergate.yaml", "path to config file (yaml or json)")
	flag.StringVar(&backendURL, "backend", "", "dispatch backend base URL (empty = offline mode)")
	flag.BoolVar(&readStdin, "stdin", false, "read JSONL events from stdin")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, backendURL, readStdin); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, backendURL string, readStdin bool) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	engineCfg, err := buildEngineConfig(cfg)
	if err != nil {
		return err
	}

	sink, metricsSrv, err := buildTelemetry(cfg, log)
	if err != nil {
		return err
	}

	jnl, err := openJournal(cfg, log)
	if err != nil {
		return err
	}
	if jnl != nil {
		defer jnl.Close()
	}

	availCh := make(chan gate.Availability, 4)
	fetcher, byID := buildFetchers(cfg, backendURL, log)

	svc := coordinator.New(engineCfg, coordinator.Deps{
		Availability: availCh,
		Fetcher:      fetcher,
		ByID:         byID,
		Sink:         sink,
		Journal:      jnl,
	}, log.With(logx.String("svc", "coordinator")))

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
	}()

	go mgr.Watch(ctx)
	go applyConfigUpdates(ctx, mgr, logSvc, log)

	if metricsSrv != nil {
		go serveMetrics(ctx, metricsSrv, log)
	}

	if readStdin {
		go feedStdin(ctx, svc, availCh, log)
	}

	notifyReady(ctx, log)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")
	return nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// applyConfigUpdates hot-applies what can change at runtime (logging);
// engine bounds need a restart and only produce a notice.
func applyConfigUpdates(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, log logx.Logger) {
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			logSvc.Apply(loggingConfig(cfg))
			log.Info("logging config applied; engine bounds take effect on restart")
		}
	}
}

func buildEngineConfig(cfg *config.Config) (coordinator.Config, error) {
	out := coordinator.Config{
		QueueSize:     cfg.Engine.QueueSize,
		DedupSize:     cfg.Engine.DedupSize,
		TombstoneSize: cfg.Engine.TombstoneSize,
		BufferSize:    cfg.Engine.BufferSize,
		MaxActive:     cfg.Engine.MaxActive,
		BacklogSize:   cfg.Overlay.BacklogSize,
		PeriodicSpec:  cfg.Reconcile.Periodic,
	}
	var err error
	fields := []struct {
		dst  *time.Duration
		path string
		raw  string
		def  time.Duration
	}{
		{&out.TombstoneTTL, "engine.tombstone_ttl", cfg.Engine.TombstoneTTL, 60 * time.Second},
		{&out.BufferTTL, "engine.buffer_ttl", cfg.Engine.BufferTTL, 45 * time.Second},
		{&out.DefaultOfferTimeout, "overlay.default_offer_timeout", cfg.Overlay.DefaultOfferTimeout, 25 * time.Second},
		{&out.SkewTolerance, "overlay.skew_tolerance", cfg.Overlay.SkewTolerance, 30 * time.Second},
		{&out.CancelGrace, "overlay.cancel_grace", cfg.Overlay.CancelGrace, 2 * time.Second},
		{&out.Reconcile.Debounce, "reconcile.debounce", cfg.Reconcile.Debounce, 350 * time.Millisecond},
		{&out.Reconcile.MinInterval, "reconcile.min_interval", cfg.Reconcile.MinInterval, 5 * time.Second},
		{&out.Reconcile.FetchTimeout, "reconcile.fetch_timeout", cfg.Reconcile.FetchTimeout, 10 * time.Second},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return coordinator.Config{}, err
		}
	}
	return out, nil
}

func buildTelemetry(cfg *config.Config, log logx.Logger) (telemetry.Sink, *http.Server, error) {
	sinks := telemetry.Multi{
		telemetry.NewLogSink(log.With(logx.String("svc", "telemetry")), cfg.Telemetry.LogPerSec),
	}
	if cfg.Telemetry.PrometheusAddr == "" {
		return sinks, nil, nil
	}

	reg := prometheus.NewRegistry()
	prom := telemetry.NewPromSink()
	if err := prom.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}
	sinks = append(sinks, prom)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Telemetry.PrometheusAddr, Handler: mux}
	return sinks, srv, nil
}

func serveMetrics(ctx context.Context, srv *http.Server, log logx.Logger) {
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()
	log.Info("metrics listener started", logx.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics listener failed", logx.Err(err))
	}
}

func openJournal(cfg *config.Config, log logx.Logger) (journal.Journal, error) {
	if cfg.Journal == nil {
		return nil, nil
	}
	busy, err := config.ParseDurationField("journal.busy_timeout", cfg.Journal.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return journal.Open(journal.Config{
		Driver:      cfg.Journal.Driver,
		Path:        cfg.Journal.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("svc", "journal")))
}

// buildFetchers wires the backend client behind a circuit breaker. With
// no backend URL the daemon runs in offline mode: fetches return an
// empty incremental result so reconciliation is a no-op.
func buildFetchers(cfg *config.Config, backendURL string, log logx.Logger) (reconcile.Fetcher, coordinator.ByIDFetcher) {
	if backendURL == "" {
		log.Info("no backend configured; reconciliation runs in offline mode")
		noop := reconcile.FetcherFunc(func(context.Context, bool, string) (reconcile.Result, error) {
			return reconcile.Result{Partial: true}, nil
		})
		return noop, nil
	}

	resetTimeout, _ := config.ParseDurationOrDefault("breaker.reset_timeout", cfg.Breaker.ResetTimeout, 30*time.Second)
	br := breaker.New(breaker.Options{
		Threshold:    cfg.Breaker.Threshold,
		ResetTimeout: resetTimeout,
		ProbeCount:   cfg.Breaker.ProbeCount,
	})

	client := newBackendClient(backendURL, log.With(logx.String("svc", "backend")))
	return coordinator.WrapFetcher(br, client), coordinator.WrapByID(br, client)
}

// notifyReady tells systemd we're up and keeps the watchdog fed when
// one is configured. Outside systemd both calls are no-ops.
func notifyReady(ctx context.Context, log logx.Logger) {
	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
