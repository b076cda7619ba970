// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-process multi-region cluster for
// integration tests: every region runs a real replication manager over
// memory storage and talks to its peers through real TCP loopback links.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/geoflux/config"
	"github.com/absmach/geoflux/logstorage"
	"github.com/absmach/geoflux/membership"
	"github.com/absmach/geoflux/replication"
	"github.com/absmach/geoflux/transport"
	"github.com/stretchr/testify/require"
)

// addrTable is a membership provider whose entries are filled in as region
// listeners come up.
type addrTable struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func (t *addrTable) set(region, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[region] = addr
}

func (t *addrTable) Address(region string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.addrs[region]
	if !ok {
		return "", membership.ErrUnknownRegion
	}
	return addr, nil
}

func (t *addrTable) Regions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	regions := make([]string, 0, len(t.addrs))
	for region := range t.addrs {
		regions = append(regions, region)
	}
	return regions
}

func (t *addrTable) Close() error { return nil }

// Region is one in-process region node.
type Region struct {
	ID      string
	Manager *replication.Manager
	Store   *logstorage.MemoryStore

	cancel context.CancelFunc
	done   chan struct{}
}

// Cluster is a set of interconnected in-process regions.
type Cluster struct {
	Regions map[string]*Region
}

// NewCluster starts one region node per id, all replicating the namespaces
// given. Every region sees every other as a peer.
func NewCluster(t *testing.T, frequency time.Duration, namespaces map[string]config.NamespaceConfig, regionIDs ...string) *Cluster {
	t.Helper()

	table := &addrTable{addrs: make(map[string]string)}
	cluster := &Cluster{Regions: make(map[string]*Region, len(regionIDs))}

	for _, id := range regionIDs {
		cfg := config.Default()
		cfg.Region.ID = id
		cfg.Storage.Type = "memory"
		cfg.Replication.SnapshotFrequency = frequency
		cfg.Namespaces = namespaces

		store := logstorage.NewMemoryStore()
		manager := replication.NewManager(cfg, store, transport.NewDialer(table), nil, nil)
		require.NoError(t, manager.Start())

		srv := transport.NewServer(transport.ServerConfig{Address: "127.0.0.1:0"}, manager, nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			srv.Listen(ctx)
		}()
		require.Eventually(t, func() bool {
			return srv.Addr() != ""
		}, 2*time.Second, 5*time.Millisecond)
		table.set(id, srv.Addr())

		cluster.Regions[id] = &Region{
			ID:      id,
			Manager: manager,
			Store:   store,
			cancel:  cancel,
			done:    done,
		}
	}

	t.Cleanup(cluster.Close)
	return cluster
}

// Close stops all regions.
func (c *Cluster) Close() {
	for _, r := range c.Regions {
		r.Manager.Close()
	}
	for _, r := range c.Regions {
		r.cancel()
		<-r.done
	}
}

// Region returns a region by id.
func (c *Cluster) Region(id string) *Region {
	return c.Regions[id]
}

// Payloads extracts entry payloads as strings, for readable assertions.
func Payloads(entries []logstorage.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Payload))
	}
	return out
}
