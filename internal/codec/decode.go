// Package codec decodes the resource usage subscription wire format.
//
// Each stream message is a protobuf ResourceUsageRecord:
//
//	message ResourceUsageRecord {
//	    oneof record_oneof { GroupTagRecord record = 1; }
//	}
//	message GroupTagRecord {
//	    bytes resource_group_tag = 1;
//	    repeated GroupTagRecordItem items = 2;
//	}
//	message GroupTagRecordItem {
//	    uint64 timestamp_sec = 1;
//	    uint32 cpu_time_ms = 2;
//	    uint32 read_keys = 3;
//	    uint32 write_keys = 4;
//	}
//
// Decoding works on the raw wire bytes so the transport never needs generated
// message types. Unknown fields are skipped.
package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"topsql-collector/internal/model"
)

const (
	fieldRecord = 1

	fieldGroupTag = 1
	fieldItems    = 2

	fieldTimestampSec = 1
	fieldCPUTimeMs    = 2
	fieldReadKeys     = 3
	fieldWriteKeys    = 4
)

var (
	ErrMissingRecord = errors.New("message carries no group tag record")
	ErrEmptyGroupTag = errors.New("group tag is empty")
	ErrMalformed     = errors.New("malformed wire data")
)

// DecodeError reports why one wire message was rejected. Callers treat it as a
// per-message protocol error: the message is skipped, the stream stays up.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Msg == "" {
		return "decode resource usage record: " + e.Err.Error()
	}
	return fmt.Sprintf("decode resource usage record: %s: %v", e.Msg, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...), Err: ErrMalformed}
}

// Decode turns one wire message into a batch. It performs no I/O and is safe
// for concurrent use. Zero-valued counters are valid and kept.
func Decode(raw []byte) (model.UsageBatch, error) {
	var (
		record []byte
		found  bool
	)
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.UsageBatch{}, malformed("record tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldRecord {
			if typ != protowire.BytesType {
				return model.UsageBatch{}, malformed("record field has wire type %d", typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return model.UsageBatch{}, malformed("record body: %v", protowire.ParseError(n))
			}
			// oneof semantics: the last occurrence wins.
			record, found = v, true
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return model.UsageBatch{}, malformed("skip field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if !found {
		return model.UsageBatch{}, &DecodeError{Err: ErrMissingRecord}
	}
	return decodeGroupTagRecord(record)
}

func decodeGroupTagRecord(b []byte) (model.UsageBatch, error) {
	var (
		tag   []byte
		items [][]byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.UsageBatch{}, malformed("group tag record tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldGroupTag, fieldItems:
			if typ != protowire.BytesType {
				return model.UsageBatch{}, malformed("field %d has wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return model.UsageBatch{}, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			if num == fieldGroupTag {
				tag = v
			} else {
				items = append(items, v)
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return model.UsageBatch{}, malformed("skip field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if len(tag) == 0 {
		return model.UsageBatch{}, &DecodeError{Err: ErrEmptyGroupTag}
	}

	groupTag := model.GroupTag(append([]byte(nil), tag...))
	batch := model.UsageBatch{
		GroupTag: groupTag,
		Records:  make([]model.UsageRecord, 0, len(items)),
	}
	for i, item := range items {
		rec, err := decodeItem(item)
		if err != nil {
			return model.UsageBatch{}, fmt.Errorf("item %d: %w", i, err)
		}
		rec.GroupTag = groupTag
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

func decodeItem(b []byte) (model.UsageRecord, error) {
	var rec model.UsageRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, malformed("item tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldTimestampSec, fieldCPUTimeMs, fieldReadKeys, fieldWriteKeys:
			if typ != protowire.VarintType {
				return rec, malformed("item field %d has wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rec, malformed("item field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldTimestampSec {
				rec.TimestampSec = v
				continue
			}
			if v > math.MaxUint32 {
				return rec, malformed("item field %d overflows uint32", num)
			}
			switch num {
			case fieldCPUTimeMs:
				rec.CPUTimeMs = uint32(v)
			case fieldReadKeys:
				rec.ReadKeys = uint32(v)
			case fieldWriteKeys:
				rec.WriteKeys = uint32(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, malformed("skip item field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return rec, nil
}
