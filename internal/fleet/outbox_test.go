package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topsql-collector/internal/model"
)

func rec(ts uint64) model.TaggedRecord {
	return model.TaggedRecord{
		Node:   model.NodeAddress{Endpoint: "n:1"},
		Record: model.UsageRecord{GroupTag: model.GroupTag("x"), TimestampSec: ts},
	}
}

func TestOutboxDropsOldestOnOverflow(t *testing.T) {
	o := NewOutbox(3)
	for ts := uint64(1); ts <= 5; ts++ {
		o.Push(rec(ts))
		assert.LessOrEqual(t, o.Len(), 3)
	}
	assert.Equal(t, uint64(2), o.Dropped())

	var got []uint64
	for {
		r, ok := o.Pop()
		if !ok {
			break
		}
		got = append(got, r.Record.TimestampSec)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestOutboxPushReportsEvictions(t *testing.T) {
	o := NewOutbox(1)
	assert.Equal(t, 0, o.Push(rec(1)))
	assert.Equal(t, 1, o.Push(rec(2)))
	assert.Equal(t, uint64(1), o.Dropped())
}

func TestOutboxNotifyCoalesces(t *testing.T) {
	o := NewOutbox(8)
	o.Push(rec(1))
	o.Push(rec(2))

	select {
	case <-o.Notify():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-o.Notify():
		t.Fatal("notifications should coalesce")
	default:
	}
}

func TestOutboxDiscard(t *testing.T) {
	o := NewOutbox(4)
	o.Push(rec(1))
	o.Push(rec(2))
	require.Equal(t, 2, o.Discard())
	assert.Zero(t, o.Len())
	assert.Zero(t, o.Dropped())
	_, ok := o.Pop()
	assert.False(t, ok)
}

func TestNewOutboxRejectsNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { NewOutbox(0) })
}
