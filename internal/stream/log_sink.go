package stream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"topsql-collector/internal/model"
)

// LogSink writes every record as a structured log line carrying the encoded
// envelope. It is meant for debugging and for pipelines that tail logs.
type LogSink struct {
	instance string
	codec    string
	logger   *slog.Logger
	level    slog.Level
	count    atomic.Uint64
}

func NewLogSink(instance string, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{
		instance: instance,
		codec:    "json",
		logger:   logger.With("component", "log_sink"),
		level:    slog.LevelInfo,
	}
}

func (s *LogSink) Forward(ctx context.Context, node model.NodeAddress, rec model.UsageRecord) error {
	frame := NewUsageFrame(s.instance, node, rec, time.Now())
	payload, err := EncodeEnvelope(s.codec, NewEnvelope(frame))
	if err != nil {
		return err
	}
	s.count.Add(1)
	s.logger.Log(ctx, s.level, "topsql record",
		"node", node.String(),
		"group_tag", frame.GroupTag,
		"timestamp_sec", rec.TimestampSec,
		"envelope", string(payload),
	)
	return nil
}

// Forwarded is the number of records written so far.
func (s *LogSink) Forwarded() uint64 {
	return s.count.Load()
}

func (s *LogSink) Close(ctx context.Context) error {
	s.logger.Info("log sink closed", "forwarded", s.count.Load())
	return nil
}
