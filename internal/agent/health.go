package agent

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	sinkConnected  atomic.Bool
	members        atomic.Int64
	lastSnapshotAt atomic.Int64
	lastForwardAt  atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{}
}

func (h *HealthStatus) SetSinkConnected(ok bool) {
	h.sinkConnected.Store(ok)
}

// MarkSnapshot records a membership snapshot of n nodes seen at ts.
func (h *HealthStatus) MarkSnapshot(ts time.Time, n int) {
	h.lastSnapshotAt.Store(ts.UnixNano())
	h.members.Store(int64(n))
}

func (h *HealthStatus) MarkForward(ts time.Time) {
	h.lastForwardAt.Store(ts.UnixNano())
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"sink_connected": h.sinkConnected.Load(),
		"members":        h.members.Load(),
	}
	if v := h.lastSnapshotAt.Load(); v > 0 {
		out["last_snapshot_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastForwardAt.Load(); v > 0 {
		out["last_forward_at"] = time.Unix(0, v).UTC()
	}
	return out
}
