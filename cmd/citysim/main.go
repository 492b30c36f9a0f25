// Command citysim runs the smart-city tick simulator headlessly: it loads
// a YAML scenario, drives the kernel through a Controller, serves
// Prometheus metrics when asked, and hot-reloads control overrides from
// the scenario file while running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartcity/citysim/internal/config"
	"github.com/smartcity/citysim/internal/controller"
	"github.com/smartcity/citysim/internal/factory"
	"github.com/smartcity/citysim/internal/kernel"
	"github.com/smartcity/citysim/internal/subsystems"
	"github.com/smartcity/citysim/internal/telemetry/logging"
	"github.com/smartcity/citysim/internal/telemetry/metrics"
	"github.com/smartcity/citysim/internal/telemetry/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "citysim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		maxTicks     int64
		logLevel     string
		mode         string
		historyLimit int
		metricsAddr  string
	)
	flag.StringVar(&configPath, "config", "", "Path to the YAML scenario file (required)")
	flag.Int64Var(&maxTicks, "ticks", 0, "Number of ticks to run; 0 or negative runs until interrupted")
	flag.StringVar(&logLevel, "log-level", "INFO", "Log level: DEBUG|INFO|WARNING|ERROR|CRITICAL")
	flag.StringVar(&mode, "mode", "headless", "Run mode: headless|visual|report|dash")
	flag.IntVar(&historyLimit, "history", 300, "Per-subsystem metrics history buffer size")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on address (e.g. :9090)")
	flag.Parse()

	if configPath == "" {
		flag.Usage()
		return errors.New("-config is required")
	}

	log := logging.New(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.LevelFromString(logLevel),
	})))

	if mode != "headless" {
		log.WarnCtx(context.Background(), "render mode not available in this build; running headless", "mode", mode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry := factory.NewRegistry()
	subsystems.RegisterAll(registry)

	provider := metrics.Provider(metrics.NewNoop())
	var promRegistry *prometheus.Registry
	if metricsAddr != "" {
		promRegistry = prometheus.NewRegistry()
		provider = metrics.NewPrometheus("citysim", promRegistry)
	}

	tracer := tracing.New("citysim")
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	k := kernel.New(kernel.Options{
		TickDuration:    cfg.TickDuration,
		MetricsBuffer:   cfg.MetricsBuffer,
		Registry:        registry,
		Logger:          log,
		MetricsProvider: provider,
		Tracer:          tracer,
	})
	if err := k.RegisterSubsystems(cfg.Specs()...); err != nil {
		return err
	}

	ctrl := controller.New(k, controller.Options{
		MaxTicks:     maxTicks,
		HistoryLimit: historyLimit,
		Logger:       log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsAddr != "" {
		serveMetrics(ctx, log, metricsAddr, promRegistry)
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	// Apply any startup control overrides from the scenario file, then
	// keep applying them as the file changes on disk.
	applyControls(log, ctrl, cfg.Controls)
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	changes, watchErrs := watcher.Watch(ctx)
	go func() {
		for {
			select {
			case controls, ok := <-changes:
				if !ok {
					return
				}
				log.InfoCtx(ctx, "scenario file changed; applying control overrides")
				applyControls(log, ctrl, controls)
			case err, ok := <-watchErrs:
				if !ok {
					return
				}
				log.WarnCtx(ctx, "scenario file watch error", "error", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		ctrl.WaitUntilStopped(0)
		close(done)
	}()

	select {
	case <-sigCh:
		log.InfoCtx(ctx, "signal received; shutting down")
	case <-done:
		log.InfoCtx(ctx, "run complete", "ticks", k.CurrentTick())
	}
	ctrl.Stop()
	cancel()

	printSummary(ctrl)
	return nil
}

func applyControls(log logging.Logger, ctrl *controller.Controller, controls map[string]any) {
	for key, value := range controls {
		if err := ctrl.SetControl(key, value); err != nil {
			log.WarnCtx(context.Background(), "control override rejected",
				"control", key, "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, log logging.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.InfoCtx(ctx, "metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WarnCtx(ctx, "metrics endpoint failed", "error", err)
		}
	}()
}

func printSummary(ctrl *controller.Controller) {
	history := ctrl.GetHistory()
	for subsystem, entries := range history {
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		fmt.Printf("%s: %d samples, last tick %d\n", subsystem, len(entries), last.Tick)
	}
}
