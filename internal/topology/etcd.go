package topology

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

var errWatchCanceled = errors.New("watch canceled by server")

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	TLS         *tls.Config
	Username    string
	Password    string
}

// EtcdDirectory reads node registrations from etcd.
type EtcdDirectory struct {
	client *clientv3.Client
}

func NewEtcdDirectory(cfg EtcdConfig) (*EtcdDirectory, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		TLS:         cfg.TLS,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client %v: %w", cfg.Endpoints, err)
	}
	return &EtcdDirectory{client: client}, nil
}

func (d *EtcdDirectory) List(ctx context.Context, prefix string) ([]Entry, int64, error) {
	resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		entries = append(entries, Entry{
			Key:      string(kv.Key),
			Value:    string(kv.Value),
			Revision: kv.ModRevision,
		})
	}
	return entries, resp.Header.Revision, nil
}

func (d *EtcdDirectory) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchResponse {
	out := make(chan WatchResponse)
	wch := d.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRevision))

	go func() {
		defer close(out)
		for resp := range wch {
			var wr WatchResponse
			switch {
			case resp.Err() != nil:
				wr.Err = resp.Err()
			case resp.Canceled:
				wr.Err = errWatchCanceled
			}
			for _, ev := range resp.Events {
				typ := EventPut
				if ev.Type == clientv3.EventTypeDelete {
					typ = EventDelete
				}
				wr.Events = append(wr.Events, Event{
					Type:     typ,
					Key:      string(ev.Kv.Key),
					Value:    string(ev.Kv.Value),
					Revision: ev.Kv.ModRevision,
				})
			}
			if wr.Err == nil && len(wr.Events) == 0 {
				// progress notification
				continue
			}
			select {
			case out <- wr:
			case <-ctx.Done():
				return
			}
			if wr.Err != nil {
				return
			}
		}
	}()
	return out
}

func (d *EtcdDirectory) Close() error {
	return d.client.Close()
}
