package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firestige.xyz/applayer/internal/capture"
	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/engine"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/internal/metrics"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/internal/sink"
	"firestige.xyz/applayer/pkg/plugin"
)

const stopTimeout = 10 * time.Second

// pipelineRunner is the part of engine.Pipeline the commands drive.
type pipelineRunner interface {
	Start(ctx context.Context) error
	Wait(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats() *engine.Stats
}

// runPipeline starts p and blocks until its source is exhausted or ctx is
// cancelled, then stops it and writes a summary to out.
func runPipeline(ctx context.Context, p pipelineRunner, out io.Writer) error {
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	waitErr := p.Wait(ctx)
	if errors.Is(waitErr, context.Canceled) {
		log.GetLogger().Info("received shutdown signal")
		waitErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	stopErr := p.Stop(stopCtx)

	st := p.Stats()
	fmt.Fprintf(out, "%d packets, %d decode errors, %d transactions, %d report errors\n",
		st.Received.Load(), st.DecodeErrors.Load(), st.Records.Load(), st.ReportErrors.Load())

	if waitErr != nil {
		return fmt.Errorf("capture failed: %w", waitErr)
	}
	if stopErr != nil {
		return fmt.Errorf("failed to stop pipeline: %w", stopErr)
	}
	return nil
}

// signalContext returns a context cancelled on SIGTERM or SIGINT.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}

// buildReporters creates the sinks enabled in cfg. Console output goes to
// out.
func buildReporters(cfg config.SinksConfig, out io.Writer) ([]plugin.Reporter, error) {
	var reporters []plugin.Reporter
	if cfg.Console.Enabled {
		r, err := sink.NewConsoleReporter(cfg.Console.Format)
		if err != nil {
			return nil, err
		}
		r.SetOutput(out)
		reporters = append(reporters, r)
	}
	if cfg.Kafka.Enabled {
		r, err := sink.NewKafkaReporter(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, r)
	}
	if len(reporters) == 0 {
		return nil, errors.New("no sink enabled")
	}
	return reporters, nil
}

// portFilter builds the port filter of the parsers taking part in
// detection, nil when filtering is disabled.
func portFilter(cfg *config.Config, reg *iplugin.Registry) (*capture.PortFilter, error) {
	if !cfg.Capture.PortFilter {
		return nil, nil
	}
	return capture.NewPortFilter(detectionPorts(reg), cfg.Capture.SnapLen)
}

func detectionPorts(reg *iplugin.Registry) []uint16 {
	seen := make(map[uint16]bool)
	var ports []uint16
	for _, e := range reg.Entries() {
		if !e.Detect {
			continue
		}
		for _, p := range e.Ports {
			if !seen[p] {
				seen[p] = true
				ports = append(ports, p)
			}
		}
	}
	return ports
}

// startMetrics starts the metrics HTTP server if enabled. The returned
// function stops it.
func startMetrics(ctx context.Context, cfg config.MetricsConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	srv := metrics.NewServer(cfg.Listen, cfg.Path)
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return func() {
		if err := srv.Stop(context.Background()); err != nil {
			log.GetLogger().WithError(err).Warn("metrics server stop error")
		}
	}, nil
}

// serve builds a pipeline around capturer and runs it until the source is
// exhausted or a shutdown signal arrives.
func serve(ctx context.Context, cfg *config.Config, reg *iplugin.Registry, capturer plugin.Capturer, out io.Writer) error {
	reporters, err := buildReporters(cfg.Sinks, out)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(ctx)
	defer cancel()

	stopMetrics, err := startMetrics(ctx, cfg.Metrics)
	if err != nil {
		return err
	}
	defer stopMetrics()

	p := engine.NewPipeline(reg, cfg.Engine, capturer, reporters...)
	err = runPipeline(ctx, p, os.Stderr)
	st := capturer.Stats()
	log.GetLogger().Infof("%s: %d packets received, %d dropped, %d dropped by interface",
		capturer.Name(), st.PacketsReceived, st.PacketsDropped, st.PacketsIfDropped)
	return err
}
