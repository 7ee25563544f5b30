package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"topsql-collector/internal/model"
)

// Encode produces the wire form of a batch. Zero-valued item fields are
// omitted, matching proto3 encoding.
func Encode(batch model.UsageBatch) []byte {
	var record []byte
	if len(batch.GroupTag) > 0 {
		record = protowire.AppendTag(record, fieldGroupTag, protowire.BytesType)
		record = protowire.AppendBytes(record, batch.GroupTag)
	}
	for _, r := range batch.Records {
		record = protowire.AppendTag(record, fieldItems, protowire.BytesType)
		record = protowire.AppendBytes(record, encodeItem(r))
	}

	out := protowire.AppendTag(nil, fieldRecord, protowire.BytesType)
	return protowire.AppendBytes(out, record)
}

func encodeItem(r model.UsageRecord) []byte {
	var b []byte
	appendVarint := func(num protowire.Number, v uint64) {
		if v == 0 {
			return
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	appendVarint(fieldTimestampSec, r.TimestampSec)
	appendVarint(fieldCPUTimeMs, uint64(r.CPUTimeMs))
	appendVarint(fieldReadKeys, uint64(r.ReadKeys))
	appendVarint(fieldWriteKeys, uint64(r.WriteKeys))
	return b
}
