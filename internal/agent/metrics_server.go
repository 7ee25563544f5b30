package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *Agent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.manager.Nodes())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.health.Snapshot())
	})
	return mux
}

// runMetricsServer serves /metrics, /nodes and /health until ctx is done. An
// empty metrics address disables it.
func (a *Agent) runMetricsServer(ctx context.Context) error {
	if a.cfg.MetricsListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.MetricsListenAddr)
	if err != nil {
		return fmt.Errorf("listen metrics endpoint %s: %w", a.cfg.MetricsListenAddr, err)
	}
	a.logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	return serveHTTP(ctx, ln, a.handler())
}

func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
