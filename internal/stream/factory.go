package stream

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"topsql-collector/internal/config"
)

func NewSinkFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) (Sink, error) {
	switch cfg.SinkMode {
	case config.SinkModeLog:
		return NewLogSink(cfg.InstanceID, logger), nil
	case config.SinkModeGRPC:
		return NewGRPCForwarder(GRPCForwarderOptions{
			Addr:           cfg.SinkGRPCAddr,
			Method:         cfg.SinkGRPCMethod,
			Codec:          cfg.SinkCodec,
			Token:          cfg.SinkToken,
			Instance:       cfg.InstanceID,
			TLS:            tlsCfg,
			DialTimeout:    cfg.SinkDialTimeout,
			ReconnectDelay: cfg.SinkReconnectDelay,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("unsupported sink mode %q", cfg.SinkMode)
	}
}

// NewTransportFromConfig builds the node subscription transport.
func NewTransportFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) *SubscribeClient {
	return NewSubscribeClient(cfg.SubscribeMethod, tlsCfg, logger)
}
