package codec

import (
	"math"
	"sort"

	"topsql-collector/internal/model"
)

// Downsample folds a batch into coarser time buckets. Every timestamp is
// moved up to the next multiple of intervalSec (a timestamp already on a
// boundary moves a full interval) and records sharing a bucket are summed.
// Output is ordered by bucket. An interval of 0 or 1 returns the batch as-is.
func Downsample(batch model.UsageBatch, intervalSec uint32) model.UsageBatch {
	if intervalSec <= 1 || len(batch.Records) == 0 {
		return batch
	}
	interval := uint64(intervalSec)

	buckets := make(map[uint64]*model.UsageRecord, len(batch.Records))
	for _, r := range batch.Records {
		ts := r.TimestampSec + (interval - r.TimestampSec%interval)
		cur, ok := buckets[ts]
		if !ok {
			merged := r
			merged.TimestampSec = ts
			merged.GroupTag = batch.GroupTag
			buckets[ts] = &merged
			continue
		}
		cur.CPUTimeMs = addSat(cur.CPUTimeMs, r.CPUTimeMs)
		cur.ReadKeys = addSat(cur.ReadKeys, r.ReadKeys)
		cur.WriteKeys = addSat(cur.WriteKeys, r.WriteKeys)
	}

	keys := make([]uint64, 0, len(buckets))
	for ts := range buckets {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := model.UsageBatch{GroupTag: batch.GroupTag, Records: make([]model.UsageRecord, 0, len(keys))}
	for _, ts := range keys {
		out.Records = append(out.Records, *buckets[ts])
	}
	return out
}

func addSat(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}
