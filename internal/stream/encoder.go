package stream

import (
	"context"
	"time"

	"topsql-collector/internal/fleet"
	"topsql-collector/internal/model"
)

// Sink is a fleet sink that owns a downstream connection.
type Sink interface {
	fleet.Sink
	Close(ctx context.Context) error
}

// UsageFrame is the downstream form of one forwarded record. The group tag is
// rendered as hex so frames stay readable in either codec.
type UsageFrame struct {
	Instance      string `json:"instance" cbor:"instance"`
	NodeID        string `json:"node_id" cbor:"node_id"`
	NodeEndpoint  string `json:"node_endpoint" cbor:"node_endpoint"`
	GroupTag      string `json:"group_tag" cbor:"group_tag"`
	TimestampSec  uint64 `json:"timestamp_sec" cbor:"timestamp_sec"`
	CPUTimeMs     uint32 `json:"cpu_time_ms" cbor:"cpu_time_ms"`
	ReadKeys      uint32 `json:"read_keys" cbor:"read_keys"`
	WriteKeys     uint32 `json:"write_keys" cbor:"write_keys"`
	ForwardedUnix int64  `json:"forwarded_unix" cbor:"forwarded_unix"`
}

func NewUsageFrame(instance string, node model.NodeAddress, rec model.UsageRecord, at time.Time) UsageFrame {
	return UsageFrame{
		Instance:      instance,
		NodeID:        node.ID,
		NodeEndpoint:  node.Endpoint,
		GroupTag:      rec.GroupTag.String(),
		TimestampSec:  rec.TimestampSec,
		CPUTimeMs:     rec.CPUTimeMs,
		ReadKeys:      rec.ReadKeys,
		WriteKeys:     rec.WriteKeys,
		ForwardedUnix: at.UTC().Unix(),
	}
}

// NewEnvelope wraps a frame for sinks that multiplex payload types.
func NewEnvelope(f UsageFrame) model.Envelope {
	return model.Envelope{
		Type:          model.MetricTypeResourceUsage,
		Instance:      f.Instance,
		TimestampUnix: f.ForwardedUnix,
		Payload:       f,
	}
}

// EncodeEnvelope serializes e with the named frame codec (json or cbor).
func EncodeEnvelope(codecName string, e model.Envelope) ([]byte, error) {
	c, err := codecByName(codecName)
	if err != nil {
		return nil, err
	}
	return c.Marshal(e)
}
