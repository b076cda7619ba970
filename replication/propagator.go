// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/geoflux/logstorage"
)

// translator resolves cross-region position equivalence from completed
// snapshots.
type translator interface {
	Translate(sourceRegion string, pos logstorage.Position, targetRegion string) (logstorage.Position, bool)
}

// Propagator carries acknowledgment progress of replicated subscriptions
// across regions. On local cursor advancement it translates the mark-delete
// position through the latest covering snapshot and emits one progress
// marker per peer region; inbound progress markers addressed to this region
// are merged into the local cursor monotonically.
type Propagator struct {
	part        logstorage.Partition
	translator  translator
	localRegion string
	peers       func() []string
	logger      *slog.Logger
	metrics     *Metrics

	mu      sync.Mutex
	emitted map[string]map[string]logstorage.Position // sub -> peer -> last emitted
}

// NewPropagator creates a progress propagator for one partition.
func NewPropagator(part logstorage.Partition, tr translator, localRegion string, peers func() []string, logger *slog.Logger, metrics *Metrics) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	if peers == nil {
		peers = func() []string { return nil }
	}
	return &Propagator{
		part:        part,
		translator:  tr,
		localRegion: localRegion,
		peers:       peers,
		logger:      logger,
		metrics:     metrics,
		emitted:     make(map[string]map[string]logstorage.Position),
	}
}

// CursorAdvanced emits translated progress markers for a replicated
// subscription whose local mark-delete position just moved. Peers without a
// covering completed snapshot are skipped; they catch up on a later
// advancement once a snapshot completes.
func (p *Propagator) CursorAdvanced(sub string, markDelete logstorage.Position) {
	for _, peer := range p.peers() {
		pos, ok := p.translator.Translate(p.localRegion, markDelete, peer)
		if !ok {
			continue
		}
		if !p.shouldEmit(sub, peer, pos) {
			continue
		}
		m := NewSubscriptionProgress(p.localRegion, sub, peer, pos)
		if _, err := p.part.Append(MarkerEntry(m)); err != nil {
			p.logger.Warn("Failed to write progress marker", "subscription", sub, "error", err)
			continue
		}
		p.metrics.recordProgressEmitted(context.Background(), sub)
	}
}

// shouldEmit suppresses markers that would not advance the peer's view.
func (p *Propagator) shouldEmit(sub, peer string, pos logstorage.Position) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	byPeer, ok := p.emitted[sub]
	if !ok {
		byPeer = make(map[string]logstorage.Position)
		p.emitted[sub] = byPeer
	}
	if last, ok := byPeer[peer]; ok && !last.Before(pos) {
		return false
	}
	byPeer[peer] = pos
	return true
}

// Forget drops the emission state of a deleted subscription.
func (p *Propagator) Forget(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.emitted, sub)
}

// ApplyProgress merges an inbound progress marker into the local cursor.
// Markers addressed to other regions are ignored, as are markers for
// subscriptions whose local cursor is not in replicated mode. The merge only
// ever moves the cursor forward, so duplicated or reordered markers are
// harmless.
func (p *Propagator) ApplyProgress(m Marker) {
	if m.TargetRegion != p.localRegion {
		return
	}

	cursor, err := p.part.Cursor(m.Subscription)
	switch {
	case errors.Is(err, logstorage.ErrSubscriptionNotFound):
		// First sight of this subscription: materialize it locally so a
		// regional failover finds its progress already in place.
		cursor = logstorage.SubscriptionCursor{MarkDelete: m.Position, Replicated: true}
	case err != nil:
		p.logger.Warn("Failed to load cursor for progress marker", "subscription", m.Subscription, "error", err)
		return
	case !cursor.Replicated:
		return
	default:
		merged := logstorage.MaxPosition(cursor.MarkDelete, m.Position)
		if merged == cursor.MarkDelete {
			return
		}
		cursor.MarkDelete = merged
	}

	if err := p.part.SaveCursor(m.Subscription, cursor); err != nil {
		p.logger.Warn("Failed to save cursor from progress marker", "subscription", m.Subscription, "error", err)
		return
	}
	p.metrics.recordProgressApplied(context.Background(), m.Subscription)
}
