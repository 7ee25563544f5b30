package topology

import (
	"context"
	"errors"
	"fmt"
)

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "delete"
	}
	return "put"
}

// Entry is one registered node: the directory key and the node endpoint.
type Entry struct {
	Key      string
	Value    string
	Revision int64
}

type Event struct {
	Type     EventType
	Key      string
	Value    string
	Revision int64
}

// WatchResponse carries the events of one directory notification. A non-nil
// Err ends the watch; the channel is closed afterwards.
type WatchResponse struct {
	Events []Event
	Err    error
}

// Directory is the membership service the collector discovers nodes from.
type Directory interface {
	// List returns all entries under prefix and the revision they were read at.
	List(ctx context.Context, prefix string) ([]Entry, int64, error)
	// Watch streams changes under prefix starting at fromRevision. The channel
	// is closed when ctx is done or the watch fails.
	Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchResponse
}

var ErrWatchClosed = errors.New("watch channel closed")

// DirectoryError wraps lookup and watch failures. They are recovered by
// backing off and re-listing.
type DirectoryError struct {
	Op  string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}
