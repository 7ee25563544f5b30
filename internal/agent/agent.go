package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"topsql-collector/internal/config"
	"topsql-collector/internal/fleet"
	"topsql-collector/internal/model"
	"topsql-collector/internal/stream"
	"topsql-collector/internal/subscription"
	"topsql-collector/internal/topology"
)

const healthLogInterval = 30 * time.Second

type Agent struct {
	cfg      config.Config
	logger   *slog.Logger
	closeDir func() error
	manager  *fleet.Manager
	sink     stream.Sink
	registry *prometheus.Registry
	health   *HealthStatus
}

func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	sink, err := stream.NewSinkFromConfig(cfg, tlsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("stream sink: %w", err)
	}

	dir, err := topology.NewEtcdDirectory(topology.EtcdConfig{
		Endpoints:   cfg.DirectoryEndpoints,
		DialTimeout: cfg.DirectoryDialTimeout,
		TLS:         tlsCfg,
		Username:    cfg.DirectoryUsername,
		Password:    cfg.DirectoryPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("topology directory: %w", err)
	}

	transport := stream.NewTransportFromConfig(cfg, tlsCfg, logger)
	a, err := newAgent(cfg, logger, dir, transport, sink)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	a.closeDir = dir.Close
	return a, nil
}

func newAgent(cfg config.Config, logger *slog.Logger, dir topology.Directory, transport subscription.Transport, sink stream.Sink) (*Agent, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := fleet.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	health := NewHealthStatus()
	watcher := topology.NewWatcher(dir, topology.Options{
		Prefix:         cfg.DirectoryPrefix,
		DebounceWindow: cfg.DebounceWindow,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		BackoffJitter:  cfg.BackoffJitter,
		Logger:         logger,
	})
	wrappedSink := &healthSink{sink: sink, health: health}

	manager := fleet.New(&healthSource{source: watcher, health: health}, transport, wrappedSink, fleet.Options{
		BufferCapacity:      cfg.BufferCapacity,
		TeardownTimeout:     cfg.TeardownTimeout,
		MaxPendingTeardowns: cfg.MaxPendingTeardowns,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		Metrics:             metrics,
		Logger:              logger,
		Subscription: subscription.Options{
			ConnectTimeout:     cfg.ConnectTimeout,
			ReadIdleTimeout:    cfg.ReadIdleTimeout,
			BackoffBase:        cfg.BackoffBase,
			BackoffMax:         cfg.BackoffMax,
			BackoffJitter:      cfg.BackoffJitter,
			DownsampleInterval: cfg.DownsamplingSeconds(),
		},
	})

	return &Agent{
		cfg:      cfg,
		logger:   logger,
		manager:  manager,
		sink:     wrappedSink,
		registry: registry,
		health:   health,
	}, nil
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting topsql-collector",
		"instance", a.cfg.InstanceID,
		"directory", a.cfg.DirectoryEndpoints,
		"prefix", a.cfg.DirectoryPrefix,
		"sink", a.cfg.SinkMode,
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("topsql-collector stopped")
	return nil
}

// Nodes reports the per-node subscription status.
func (a *Agent) Nodes() []fleet.NodeStatus {
	return a.manager.Nodes()
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}

type healthSink struct {
	sink   stream.Sink
	health *HealthStatus
}

func (s *healthSink) Forward(ctx context.Context, node model.NodeAddress, rec model.UsageRecord) error {
	err := s.sink.Forward(ctx, node, rec)
	if err != nil {
		s.health.SetSinkConnected(false)
		return err
	}
	s.health.SetSinkConnected(true)
	s.health.MarkForward(time.Now().UTC())
	return nil
}

func (s *healthSink) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}

// healthSource records every membership snapshot on its way to the manager.
type healthSource struct {
	source fleet.Source
	health *HealthStatus
}

func (s *healthSource) Run(ctx context.Context, out chan<- model.Membership) error {
	in := make(chan model.Membership)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.source.Run(ctx, in)
	}()
	for {
		select {
		case err := <-errCh:
			return err
		case snap := <-in:
			s.health.MarkSnapshot(time.Now().UTC(), len(snap))
			select {
			case out <- snap:
			case <-ctx.Done():
				return <-errCh
			}
		}
	}
}
