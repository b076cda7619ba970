// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdLeaseTTL = 30 // seconds

var _ Provider = (*Etcd)(nil)

// Etcd discovers peer regions from a shared etcd registry. Each region
// registers its transport address under prefix+region with a kept-alive
// lease; the provider mirrors the prefix into a local table and follows
// changes through a watch.
type Etcd struct {
	client *clientv3.Client
	prefix string
	local  string
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEtcd connects to etcd, registers the local region and starts following
// the registry.
func NewEtcd(client *clientv3.Client, prefix, localRegion, localAddr string, logger *slog.Logger) (*Etcd, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Etcd{
		client: client,
		prefix: prefix,
		local:  localRegion,
		logger: logger,
		peers:  make(map[string]string),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	lease, err := client.Grant(ctx, etcdLeaseTTL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create membership lease: %w", err)
	}
	if _, err := client.Put(ctx, prefix+localRegion, localAddr, clientv3.WithLease(lease.ID)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register region: %w", err)
	}
	keepAlive, err := client.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to keep membership lease alive: %w", err)
	}

	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	for _, kv := range resp.Kvs {
		e.apply(string(kv.Key), string(kv.Value), false)
	}

	watchCh := client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go e.follow(ctx, watchCh, keepAlive)

	return e, nil
}

func (e *Etcd) follow(ctx context.Context, watchCh clientv3.WatchChan, keepAlive <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-keepAlive:
			if !ok {
				e.logger.Warn("Membership lease expired; registration lost")
				keepAlive = nil
			}
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				e.apply(string(ev.Kv.Key), string(ev.Kv.Value), ev.Type == clientv3.EventTypeDelete)
			}
		}
	}
}

func (e *Etcd) apply(key, value string, deleted bool) {
	region := strings.TrimPrefix(key, e.prefix)
	if region == "" || region == e.local {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if deleted {
		delete(e.peers, region)
		e.logger.Info("Peer region left", "region", region)
		return
	}
	if prev, ok := e.peers[region]; !ok || prev != value {
		e.logger.Info("Peer region registered", "region", region, "addr", value)
	}
	e.peers[region] = value
}

func (e *Etcd) Address(region string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	addr, ok := e.peers[region]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	return addr, nil
}

func (e *Etcd) Regions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	regions := make([]string, 0, len(e.peers))
	for region := range e.peers {
		regions = append(regions, region)
	}
	return regions
}

// Close stops the watch. The leased registration expires on its own.
func (e *Etcd) Close() error {
	e.cancel()
	<-e.done
	return nil
}
