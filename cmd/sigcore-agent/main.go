// Command sigcore-agent bootstraps the signal-inference core: it loads
// configuration, selects a DataSource variant, reconstructs the signal
// cycle for the intersection it is attached to, and wires the Special Site
// direction adapter on top of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ixedge/sigcore/internal/adapter"
	"github.com/ixedge/sigcore/internal/config"
	"github.com/ixedge/sigcore/internal/datasource"
	"github.com/ixedge/sigcore/internal/signal"
	"github.com/ixedge/sigcore/internal/site"
)

var (
	configPath    = flag.String("config", "/etc/sigcore/config.json", "Path to the process configuration file.")
	localIP       = flag.String("local-ip", "", "Local IP used to resolve this node's camera id from cam_db.")
	verbose       = flag.Bool("verbose", false, "Enable verbose logging.")
	metricsEnable = flag.Bool("metrics-enable", false, "Enable prometheus metrics.")
	metricsAddr   = flag.String("metrics-addr", ":9090", "Address to listen on for prometheus metrics.")
	showVersion   = flag.Bool("version", false, "Print the version of sigcore-agent and exit.")

	// Set by LDFLAGS.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *metricsEnable {
		go serveMetrics(log, *metricsAddr)
	}

	ds := buildDataSource(cfg, log)
	if *localIP != "" {
		ds.SetIP(*localIP)
	}

	registry := site.NewRegistry(site.Descriptor{})
	ds.SetRecoveryCallback(registry.OnRecovery)

	if up, err := ds.Connect(ctx); err != nil || !up {
		log.Warn("initial datasource connect did not bring up any backend", "error", err)
	}
	defer ds.Disconnect()

	descriptor, err := ds.GetSiteInfo(ctx)
	if err != nil {
		log.Warn("failed to resolve initial site descriptor", "error", err)
	}
	registry.Set(descriptor)
	log.Info("resolved site descriptor",
		"intersection_id", descriptor.IntersectionID,
		"target_phase", descriptor.TargetPhase,
		"mode", descriptor.Mode.String(),
	)

	var engine *signal.Engine
	if ds.SupportsSignalData() && descriptor.SupportsSignal {
		engine = signal.NewEngine(signal.Config{
			DataSource:     ds,
			IntersectionID: descriptor.IntersectionID,
			TargetPhase:    descriptor.TargetPhase,
			Callback: func(ev signal.Event) {
				log.Info("transition", "kind", ev.Kind.String(), "duration_seconds", ev.DurationSeconds)
			},
			Logger: log,
		})
		if err := engine.Start(ctx); err != nil {
			log.Warn("signal inference engine did not start", "error", err)
			engine = nil
		} else {
			defer engine.Stop()
		}
	} else {
		log.Info("signal inference disabled for this descriptor", "supports_signal_data", ds.SupportsSignalData(), "descriptor_supports_signal", descriptor.SupportsSignal)
	}

	var signalSource adapter.SignalSource
	if engine != nil {
		signalSource = engine
	}
	specialSite := adapter.New(specialSiteConfigFrom(cfg), signalSource, log)
	_ = specialSite // wired for the detection pipeline to call; this process has no detection pipeline of its own.

	log.Info("sigcore-agent running", "operation_mode", cfg.OperationMode)

	// Load itself queues a change notification; drop it so only later
	// updates count as changes.
	select {
	case <-cfg.Changed():
	default:
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-cfg.Changed():
		log.Info("config changed on disk; restart required to apply")
	}
}

func buildDataSource(cfg *config.Config, log *slog.Logger) datasource.DataSource {
	snap := cfg.Snapshot()
	if snap.OperationMode != "voltdb" {
		return datasource.NewManual()
	}
	return datasource.NewRemote(snap.CamDB, snap.SignalDB, log)
}

func specialSiteConfigFrom(cfg *config.Config) adapter.Config {
	snap := cfg.Snapshot()
	mode := adapter.ModeNone
	switch {
	case snap.SpecialSite.StraightLeft:
		mode = adapter.ModeStraightLeft
	case snap.SpecialSite.Right:
		mode = adapter.ModeRight
	}
	return adapter.Config{
		Enabled:  snap.SpecialSite.Enabled,
		Mode:     mode,
		Is2KOnly: snap.Vehicle.Enabled2K && !snap.Vehicle.Enabled4K,
	}
}

func serveMetrics(log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics server listener", "error", err)
		return
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("prometheus metrics server exited", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}
