package model

import "encoding/hex"

// GroupTag is the opaque key of a resource-consuming entity, usually an
// encoded SQL digest. The collector never interprets it.
type GroupTag []byte

func (t GroupTag) String() string {
	return hex.EncodeToString(t)
}

// UsageRecord is one time bucket of aggregated usage for one group tag as
// reported by one node.
type UsageRecord struct {
	GroupTag     GroupTag `json:"group_tag"`
	TimestampSec uint64   `json:"timestamp_sec"`
	CPUTimeMs    uint32   `json:"cpu_time_ms"`
	ReadKeys     uint32   `json:"read_keys"`
	WriteKeys    uint32   `json:"write_keys"`
}

// UsageBatch holds the records of a single wire message. Records share one
// group tag and keep wire order.
type UsageBatch struct {
	GroupTag GroupTag      `json:"group_tag"`
	Records  []UsageRecord `json:"records"`
}

func (b UsageBatch) Len() int {
	return len(b.Records)
}

// TaggedRecord carries node provenance alongside a record. Group tags are not
// unique across nodes so downstream aggregation needs both.
type TaggedRecord struct {
	Node   NodeAddress `json:"node"`
	Record UsageRecord `json:"record"`
}
