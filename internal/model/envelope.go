package model

type MetricType string

const (
	MetricTypeResourceUsage MetricType = "topsql_resource_usage"
)

// Envelope is transport-agnostic framing for forwarded payloads.
type Envelope struct {
	Type          MetricType `json:"type"`
	Instance      string     `json:"instance"`
	TimestampUnix int64      `json:"timestamp_unix"`
	Payload       any        `json:"payload"`
}
