// Package topology maintains the set of subscribable storage nodes from a
// directory service with watch support.
package topology

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"topsql-collector/internal/backoff"
	"topsql-collector/internal/model"
)

const (
	DefaultPrefix         = "/topology/tikv/"
	DefaultDebounceWindow = 500 * time.Millisecond
)

type Options struct {
	Prefix         string
	DebounceWindow time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	Logger         *slog.Logger
}

// Watcher turns directory state into a sequence of full membership
// snapshots: one after every (re-)list and one per debounced burst of watch
// events.
type Watcher struct {
	dir     Directory
	opts    Options
	backoff *backoff.Backoff
	logger  *slog.Logger
}

func NewWatcher(dir Directory, opts Options) *Watcher {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.DebounceWindow < 0 {
		opts.DebounceWindow = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:     dir,
		opts:    opts,
		backoff: backoff.New(opts.BackoffBase, opts.BackoffMax, opts.BackoffJitter),
		logger:  logger.With("component", "topology", "prefix", opts.Prefix),
	}
}

// Run emits snapshots on out until ctx is cancelled. Directory failures are
// never fatal: the watcher backs off and starts over with a fresh list.
func (w *Watcher) Run(ctx context.Context, out chan<- model.Membership) error {
	for {
		err := w.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		delay := w.backoff.Next()
		w.logger.Warn("topology watch failed, relisting", "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (w *Watcher) session(ctx context.Context, out chan<- model.Membership) error {
	entries, rev, err := w.dir.List(ctx, w.opts.Prefix)
	if err != nil {
		return &DirectoryError{Op: "list", Err: err}
	}

	members := make(map[string]model.Member, len(entries))
	for _, e := range entries {
		w.put(members, e.Key, e.Value, e.Revision)
	}
	w.logger.Info("topology listed", "revision", rev, "members", len(members))
	if err := w.emit(ctx, out, members); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := w.dir.Watch(watchCtx, w.opts.Prefix, rev+1)
	w.backoff.Reset()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-events:
			if !ok {
				return &DirectoryError{Op: "watch", Err: ErrWatchClosed}
			}
			if resp.Err != nil {
				return &DirectoryError{Op: "watch", Err: resp.Err}
			}
			changed := false
			for _, ev := range resp.Events {
				switch ev.Type {
				case EventPut:
					changed = w.put(members, ev.Key, ev.Value, ev.Revision) || changed
				case EventDelete:
					if _, ok := members[ev.Key]; ok {
						delete(members, ev.Key)
						changed = true
					}
				}
			}
			if !changed {
				continue
			}
			if w.opts.DebounceWindow == 0 {
				if err := w.emit(ctx, out, members); err != nil {
					return err
				}
				continue
			}
			if fire == nil {
				timer = time.NewTimer(w.opts.DebounceWindow)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			if err := w.emit(ctx, out, members); err != nil {
				return err
			}
		}
	}
}

// put records a node entry keyed by its directory key. Values that are not a
// host:port endpoint drop the key. Reports whether membership changed.
func (w *Watcher) put(members map[string]model.Member, key, value string, rev int64) bool {
	endpoint, ok := parseEndpoint(value)
	if !ok {
		w.logger.Warn("ignoring topology entry with invalid endpoint", "key", key, "value", value)
		if _, exists := members[key]; exists {
			delete(members, key)
			return true
		}
		return false
	}
	id := strings.TrimPrefix(key, w.opts.Prefix)
	next := model.Member{Address: model.NodeAddress{ID: id, Endpoint: endpoint}, Revision: rev}
	prev, exists := members[key]
	members[key] = next
	return !exists || prev.Address != next.Address
}

func (w *Watcher) emit(ctx context.Context, out chan<- model.Membership, members map[string]model.Member) error {
	snap := make(model.Membership, len(members))
	for _, m := range members {
		snap.Put(m)
	}
	select {
	case out <- snap:
		w.logger.Debug("topology snapshot", "members", len(snap))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseEndpoint(value string) (string, bool) {
	v := strings.TrimSpace(value)
	host, port, err := net.SplitHostPort(v)
	if err != nil || host == "" || port == "" {
		return "", false
	}
	return v, true
}
