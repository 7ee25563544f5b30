package fleet

import (
	"fmt"
	"sync"

	"topsql-collector/internal/model"
)

// Outbox is the bounded queue between one node's subscription and the sink.
// When full, Push evicts the oldest record so the newest telemetry survives a
// slow sink. Every eviction increments the drop counter.
//
// Notify has capacity 1 and is signalled after each Push; the pump selects on
// it alongside its context.
type Outbox struct {
	mu       sync.Mutex
	records  []model.TaggedRecord
	capacity int
	dropped  uint64
	notify   chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		panic(fmt.Sprintf("outbox: capacity must be positive, got %d", capacity))
	}
	return &Outbox{
		records:  make([]model.TaggedRecord, 0, min(capacity, 256)),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends rec and returns the number of records evicted to make room.
func (o *Outbox) Push(rec model.TaggedRecord) int {
	o.mu.Lock()
	evicted := 0
	for len(o.records) >= o.capacity {
		o.records[0] = model.TaggedRecord{}
		o.records = o.records[1:]
		evicted++
	}
	o.records = append(o.records, rec)
	o.dropped += uint64(evicted)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest record.
func (o *Outbox) Pop() (model.TaggedRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.records) == 0 {
		return model.TaggedRecord{}, false
	}
	rec := o.records[0]
	o.records[0] = model.TaggedRecord{}
	o.records = o.records[1:]
	return rec, true
}

// Discard empties the outbox without counting the records as dropped.
func (o *Outbox) Discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.records)
	o.records = nil
	return n
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}

func (o *Outbox) Cap() int {
	return o.capacity
}

// Dropped is the number of records evicted on overflow since creation.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}
