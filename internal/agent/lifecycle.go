package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"topsql-collector/internal/model"
)

func (a *Agent) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.manager.Run(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})
	g.Go(func() error {
		return a.runMetricsServer(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(healthLogInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.logHealth()
		}
	}
}

func (a *Agent) logHealth() {
	nodes := a.manager.Nodes()
	counts := make(map[string]int, 5)
	var dropped uint64
	for _, n := range nodes {
		counts[n.State.String()]++
		dropped += n.Dropped
	}
	a.logger.Log(context.Background(), slog.LevelDebug, "collector health",
		"snapshot", a.health.Snapshot(),
		"nodes", len(nodes),
		"streaming", counts[model.StateStreaming.String()],
		"backoff", counts[model.StateBackoff.String()],
		"dropped", dropped,
	)
}

func (a *Agent) shutdown(ctx context.Context) {
	if err := a.sink.Close(ctx); err != nil {
		a.logger.Warn("sink close failed", "error", err)
	}
	a.health.SetSinkConnected(false)
	if a.closeDir != nil {
		if err := a.closeDir(); err != nil {
			a.logger.Warn("directory close failed", "error", err)
		}
	}
}
