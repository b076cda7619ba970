// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/geoflux/logstorage"
	"github.com/google/uuid"
)

// Default protocol bounds.
const (
	DefaultMaxCachedSnapshots = 32
	controllerInboxSize       = 128
)

// ControllerConfig holds per-partition snapshot controller settings.
type ControllerConfig struct {
	Partition   string
	LocalRegion string

	// Frequency is the snapshot attempt interval. Timeout defaults to
	// twice the frequency when zero.
	Frequency time.Duration
	Timeout   time.Duration

	// MaxCachedSnapshots bounds the completed-snapshot history kept for
	// position translation.
	MaxCachedSnapshots int

	// Peers returns the current peer regions of this partition's
	// namespace, excluding the local region.
	Peers func() []string
}

// Controller runs the snapshot state machine for one topic partition. A
// single goroutine serializes timer ticks and marker arrivals, so pending
// snapshot state needs no locks. Completed snapshots are published through
// an atomic pointer and read by Translate callers without locking.
type Controller struct {
	cfg     ControllerConfig
	log     logstorage.Log
	logger  *slog.Logger
	metrics *Metrics

	inbox     chan inboundMarker
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Actor-owned state, touched only by run().
	pending           *Snapshot
	pendingPeers      map[string]struct{}
	dataAtLastAttempt logstorage.Position
	attempted         bool

	history      atomic.Pointer[snapshotHistory]
	pendingCount atomic.Int32
}

type inboundMarker struct {
	marker Marker
	pos    logstorage.Position
}

// NewController creates a snapshot controller for one partition. Start must
// be called before markers are delivered.
func NewController(cfg ControllerConfig, log logstorage.Log, logger *slog.Logger, metrics *Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * cfg.Frequency
	}
	if cfg.MaxCachedSnapshots <= 0 {
		cfg.MaxCachedSnapshots = DefaultMaxCachedSnapshots
	}
	if cfg.Peers == nil {
		cfg.Peers = func() []string { return nil }
	}

	c := &Controller{
		cfg:     cfg,
		log:     log,
		logger:  logger.With("partition", cfg.Partition),
		metrics: metrics,
		inbox:   make(chan inboundMarker, controllerInboxSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.history.Store(&snapshotHistory{})
	return c
}

// Start launches the controller's actor goroutine and its snapshot timer.
func (c *Controller) Start() {
	go c.run()
}

// Close stops the actor and releases the timer. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.done
	})
}

// OnMarker hands an observed marker to the controller. It never blocks: if
// the inbox is full the marker is dropped, which the protocol tolerates
// (duplicates and losses degrade to a timed-out snapshot, retried next
// period).
func (c *Controller) OnMarker(m Marker, pos logstorage.Position) {
	select {
	case c.inbox <- inboundMarker{marker: m, pos: pos}:
	case <-c.stopCh:
	default:
		c.logger.Debug("Controller inbox full, dropping marker", "kind", m.Kind.String())
		c.metrics.recordMarkerDropped(context.Background(), c.cfg.Partition)
	}
}

// LastCompletedSnapshotID returns the id of the most recent completed
// snapshot, or false if none exists yet.
func (c *Controller) LastCompletedSnapshotID() (string, bool) {
	latest := c.history.Load().latest()
	if latest == nil {
		return "", false
	}
	return latest.ID.String(), true
}

// LastCompletedSnapshot returns the most recent completed snapshot, or nil.
func (c *Controller) LastCompletedSnapshot() *Snapshot {
	return c.history.Load().latest()
}

// Translate returns the best-known equivalent of a source-region position in
// the target region: the target entry of the most recent completed snapshot
// whose source position is at or before the given one. The second return is
// false when no completed snapshot covers the position yet.
func (c *Controller) Translate(sourceRegion string, pos logstorage.Position, targetRegion string) (logstorage.Position, bool) {
	return c.history.Load().translate(sourceRegion, pos, targetRegion)
}

// PendingSnapshots returns the number of in-flight snapshot attempts (0 or 1).
func (c *Controller) PendingSnapshots() int {
	return int(c.pendingCount.Load())
}

func (c *Controller) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick()
		case ev := <-c.inbox:
			c.handleMarker(ev)
		}
	}
}

func (c *Controller) tick() {
	if c.pending != nil {
		if time.Since(c.pending.CreatedAt) < c.cfg.Timeout {
			return
		}
		c.discardPending()
		// Fresh attempts wait for the next tick; the same id is never
		// retried.
		return
	}
	c.maybeStartSnapshot()
}

// maybeStartSnapshot begins a new snapshot attempt unless the log has been
// idle since the last attempt. Marker traffic alone does not count as
// activity, otherwise the protocol would feed itself forever.
func (c *Controller) maybeStartSnapshot() {
	lastData, ok := c.log.LastData()
	if !ok {
		// Nothing has ever been written; no snapshot before first write.
		return
	}
	if c.attempted && !c.dataAtLastAttempt.Before(lastData) {
		return
	}

	id := uuid.New()
	pos, err := c.log.Append(MarkerEntry(NewSnapshotRequest(id, c.cfg.LocalRegion)))
	if err != nil {
		c.logger.Warn("Failed to write snapshot request marker", "error", err)
		return
	}

	peers := c.cfg.Peers()
	c.pending = &Snapshot{
		ID:     id,
		Origin: c.cfg.LocalRegion,
		State:  SnapshotPending,
		Positions: map[string]logstorage.Position{
			c.cfg.LocalRegion: pos,
		},
		CreatedAt: time.Now(),
	}
	c.pendingPeers = make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		c.pendingPeers[peer] = struct{}{}
	}
	c.attempted = true
	c.dataAtLastAttempt = lastData
	c.pendingCount.Store(1)

	c.logger.Debug("Started snapshot", "snapshot_id", id.String(), "peers", len(peers))
	c.metrics.recordSnapshotStarted(context.Background(), c.cfg.Partition)

	if len(peers) == 0 {
		c.completePending()
	}
}

func (c *Controller) handleMarker(ev inboundMarker) {
	m := ev.marker
	if m.Origin == c.cfg.LocalRegion {
		return
	}

	switch m.Kind {
	case KindSnapshotRequest:
		// Answer with our position at the point of observation: the
		// position the mirrored request landed at in our log, which
		// brackets everything we had applied before it.
		resp := NewSnapshotResponse(m.SnapshotID, c.cfg.LocalRegion, ev.pos)
		if _, err := c.log.Append(MarkerEntry(resp)); err != nil {
			c.logger.Warn("Failed to write snapshot response marker", "error", err)
		}

	case KindSnapshotResponse:
		c.handleResponse(m)

	case KindSnapshotComplete:
		c.adopt(m)

	default:
		c.logger.Debug("Ignoring unexpected marker kind", "kind", m.Kind.String())
	}
}

func (c *Controller) handleResponse(m Marker) {
	if c.pending == nil || c.pending.ID != m.SnapshotID {
		// Late or duplicate response for a resolved snapshot. Expected
		// under a duplicate-tolerant marker stream.
		c.logger.Debug("Ignoring stale snapshot response", "snapshot_id", m.SnapshotID.String(), "region", m.Origin)
		return
	}
	if _, expected := c.pendingPeers[m.Origin]; !expected {
		return
	}
	if _, dup := c.pending.Positions[m.Origin]; dup {
		return
	}

	c.pending.Positions[m.Origin] = m.Position
	if len(c.pending.Positions) == len(c.pendingPeers)+1 {
		c.completePending()
	}
}

func (c *Controller) completePending() {
	s := c.pending
	c.pending = nil
	c.pendingPeers = nil
	c.pendingCount.Store(0)
	s.State = SnapshotCompleted

	// Publish the full cut so regions that were not directly queried also
	// learn it.
	complete := NewSnapshotComplete(s.ID, c.cfg.LocalRegion, s.Positions)
	if _, err := c.log.Append(MarkerEntry(complete)); err != nil {
		c.logger.Warn("Failed to write snapshot complete marker", "error", err)
	}

	c.record(s.clone())
	c.logger.Debug("Completed snapshot", "snapshot_id", s.ID.String())
	c.metrics.recordSnapshotCompleted(context.Background(), c.cfg.Partition, time.Since(s.CreatedAt).Seconds())
}

func (c *Controller) discardPending() {
	s := c.pending
	c.pending = nil
	c.pendingPeers = nil
	c.pendingCount.Store(0)
	s.State = SnapshotDiscarded

	c.logger.Debug("Discarded snapshot on timeout", "snapshot_id", s.ID.String(), "responses", len(s.Positions)-1)
	c.metrics.recordSnapshotDiscarded(context.Background(), c.cfg.Partition)
}

// adopt records a completed snapshot published by a peer region.
func (c *Controller) adopt(m Marker) {
	if _, ok := m.Positions[c.cfg.LocalRegion]; !ok {
		c.logger.Debug("Ignoring snapshot complete that does not cover this region", "snapshot_id", m.SnapshotID.String())
		return
	}

	s := &Snapshot{
		ID:        m.SnapshotID,
		Origin:    m.Origin,
		State:     SnapshotCompleted,
		Positions: m.Positions,
		CreatedAt: time.Now(),
	}
	if c.record(s) {
		c.metrics.recordSnapshotAdopted(context.Background(), c.cfg.Partition)
	}
}

// record publishes a completed snapshot to the lock-free history, enforcing
// per-region monotonicity: a cut whose local position regresses relative to
// the latest recorded one is dropped.
func (c *Controller) record(s *Snapshot) bool {
	h := c.history.Load()
	if h.contains(s.ID) {
		return false
	}
	if latest := h.latest(); latest != nil {
		prev, okPrev := latest.Positions[c.cfg.LocalRegion]
		cur, okCur := s.Positions[c.cfg.LocalRegion]
		if okPrev && okCur && cur.Before(prev) {
			c.logger.Debug("Dropping regressing snapshot", "snapshot_id", s.ID.String())
			return false
		}
	}
	c.history.Store(h.with(s, c.cfg.MaxCachedSnapshots))
	return true
}
