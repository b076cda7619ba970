// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/absmach/geoflux/config"
	"github.com/absmach/geoflux/logstorage"
)

const partitionInfix = "-partition-"

// Manager owns the replication runtime of the local region: the topic
// registry and, per partition, the log, the snapshot controller, the progress
// propagator and one replicator link per peer region.
type Manager struct {
	cfg     *config.Config
	store   logstorage.Store
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	topics map[string]int // topic -> partition count, 0 for unpartitioned
	parts  map[string]*partitionRuntime
	closed bool
}

type partitionRuntime struct {
	name       string
	part       logstorage.Partition
	peers      []string
	controller *Controller
	propagator *Propagator
	links      map[string]*Link
}

// NewManager creates a replication manager. Start must be called to rebuild
// runtimes for partitions already present in the store.
func NewManager(cfg *config.Config, store logstorage.Store, dialer Dialer, logger *slog.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		dialer:  dialer,
		logger:  logger,
		metrics: metrics,
		topics:  make(map[string]int),
		parts:   make(map[string]*partitionRuntime),
	}
}

// Start rebuilds the topic registry and partition runtimes from the store.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.store.Partitions() {
		topic, idx, partitioned := parsePartitionName(name)
		if partitioned {
			if idx+1 > m.topics[topic] {
				m.topics[topic] = idx + 1
			}
		} else if _, ok := m.topics[topic]; !ok {
			m.topics[topic] = 0
		}
		if _, err := m.runtimeLocked(name); err != nil {
			return err
		}
	}
	return nil
}

// Close stops all partition runtimes and the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	parts := make([]*partitionRuntime, 0, len(m.parts))
	for _, rt := range m.parts {
		parts = append(parts, rt)
	}
	m.mu.Unlock()

	for _, rt := range parts {
		for _, link := range rt.links {
			link.Close()
		}
		if rt.controller != nil {
			rt.controller.Close()
		}
	}
	return m.store.Close()
}

// CreateTopic registers a topic. A partition count of zero creates a single
// unpartitioned log named after the topic; a positive count creates logs
// named "topic-partition-i".
func (m *Manager) CreateTopic(topic string, partitions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.topics[topic]; ok {
		return fmt.Errorf("%w: %s", ErrTopicExists, topic)
	}

	m.topics[topic] = partitions
	for _, name := range partitionNames(topic, partitions) {
		if _, err := m.runtimeLocked(name); err != nil {
			return err
		}
	}
	m.logger.Info("Created topic", "topic", topic, "partitions", partitions)
	return nil
}

// Topics returns the registered topic names.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	return topics
}

// PartitionNames returns the partition log names of a topic.
func (m *Manager) PartitionNames(topic string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count, ok := m.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}
	return partitionNames(topic, count), nil
}

// Publish appends a data entry to one partition of a topic and returns its
// position. The partition index is ignored for unpartitioned topics.
func (m *Manager) Publish(topic string, partition int, payload []byte) (logstorage.Position, error) {
	rt, err := m.partitionRuntime(topic, partition)
	if err != nil {
		return logstorage.Position{}, err
	}
	return rt.part.Append(logstorage.Entry{
		Origin:  m.cfg.Region.ID,
		Payload: payload,
	})
}

// Subscribe creates a subscription on every partition of a topic, positioned
// before the first entry. Existing cursors are left untouched.
func (m *Manager) Subscribe(topic, sub string) error {
	rts, err := m.topicRuntimes(topic)
	if err != nil {
		return err
	}
	for _, rt := range rts {
		if _, err := rt.part.Cursor(sub); err == nil {
			continue
		} else if !errors.Is(err, logstorage.ErrSubscriptionNotFound) {
			return err
		}
		if err := rt.part.SaveCursor(sub, logstorage.SubscriptionCursor{}); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes a subscription from every partition of a topic.
func (m *Manager) Unsubscribe(topic, sub string) error {
	rts, err := m.topicRuntimes(topic)
	if err != nil {
		return err
	}
	for _, rt := range rts {
		if err := rt.part.DeleteCursor(sub); err != nil && !errors.Is(err, logstorage.ErrSubscriptionNotFound) {
			return err
		}
		if rt.propagator != nil {
			rt.propagator.Forget(sub)
		}
	}
	return nil
}

// Poll returns up to max unacknowledged data entries for a subscription on
// one partition. Marker entries are filtered out before delivery.
func (m *Manager) Poll(topic string, partition int, sub string, max int) ([]logstorage.Entry, error) {
	rt, err := m.partitionRuntime(topic, partition)
	if err != nil {
		return nil, err
	}
	cursor, err := rt.part.Cursor(sub)
	if err != nil {
		return nil, err
	}

	var out []logstorage.Entry
	after := cursor.MarkDelete
	for len(out) < max {
		batch, err := rt.part.Read(after, max-len(out))
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if !e.IsMarker() {
				out = append(out, e)
			}
		}
		after = batch[len(batch)-1].Position
	}
	return out, nil
}

// Ack advances a subscription's mark-delete position on one partition. The
// advance is monotonic; stale positions are ignored. When the subscription is
// replicated, the new progress is propagated toward peer regions.
func (m *Manager) Ack(topic string, partition int, sub string, pos logstorage.Position) error {
	rt, err := m.partitionRuntime(topic, partition)
	if err != nil {
		return err
	}
	cursor, err := rt.part.Cursor(sub)
	if err != nil {
		return err
	}
	if !cursor.MarkDelete.Before(pos) {
		return nil
	}
	// Markers are filtered from delivery, so acknowledging a data entry
	// implicitly covers the marker run right behind it. Without this the
	// cursor could never reach a snapshot cut position.
	cursor.MarkDelete = skipMarkers(rt.part, pos)
	if err := rt.part.SaveCursor(sub, cursor); err != nil {
		return err
	}
	if cursor.Replicated && rt.propagator != nil {
		rt.propagator.CursorAdvanced(sub, cursor.MarkDelete)
	}
	return nil
}

// skipMarkers extends an acknowledged position over the contiguous marker
// entries that follow it.
func skipMarkers(part logstorage.Partition, pos logstorage.Position) logstorage.Position {
	for {
		batch, err := part.Read(pos, 16)
		if err != nil || len(batch) == 0 {
			return pos
		}
		for _, e := range batch {
			if !e.IsMarker() {
				return pos
			}
			pos = e.Position
		}
	}
}

// SetReplicatedSubscriptionStatus enables or disables cross-region progress
// tracking for a subscription. The target may be a topic, applying to all of
// its partitions, or a single partition name. The flag is local to this
// region; it is never mirrored. Enabling requires the topic's namespace to be
// configured for replication across at least two regions including this one.
func (m *Manager) SetReplicatedSubscriptionStatus(target, sub string, enabled bool) error {
	topic, _, _ := parsePartitionName(target)
	if err := m.checkNamespaceReplicated(topic); err != nil {
		return err
	}

	rts, err := m.targetRuntimes(target)
	if err != nil {
		return err
	}
	for _, rt := range rts {
		cursor, err := rt.part.Cursor(sub)
		if err != nil {
			return err
		}
		if cursor.Replicated == enabled {
			continue
		}
		cursor.Replicated = enabled
		if err := rt.part.SaveCursor(sub, cursor); err != nil {
			return err
		}
	}
	m.logger.Info("Changed replicated subscription status", "target", target, "subscription", sub, "enabled", enabled)
	return nil
}

// GetReplicatedSubscriptionStatus returns the replicated flag of a
// subscription keyed by partition name. The target may be a topic or a
// single partition name.
func (m *Manager) GetReplicatedSubscriptionStatus(target, sub string) (map[string]bool, error) {
	rts, err := m.targetRuntimes(target)
	if err != nil {
		return nil, err
	}
	status := make(map[string]bool, len(rts))
	for _, rt := range rts {
		cursor, err := rt.part.Cursor(sub)
		if err != nil {
			return nil, err
		}
		status[rt.name] = cursor.Replicated
	}
	return status, nil
}

// LastCompletedSnapshotID returns the id of the most recent completed
// snapshot of one partition, or false if none completed yet.
func (m *Manager) LastCompletedSnapshotID(topic string, partition int) (string, bool, error) {
	rt, err := m.partitionRuntime(topic, partition)
	if err != nil {
		return "", false, err
	}
	if rt.controller == nil {
		return "", false, nil
	}
	id, ok := rt.controller.LastCompletedSnapshotID()
	return id, ok, nil
}

// PartitionStats is a point-in-time view of one partition's replication
// state.
type PartitionStats struct {
	LastPosition     logstorage.Position
	LastSnapshotID   string
	PendingSnapshots int
	Subscriptions    map[string]SubscriptionStats
	Links            map[string]LinkStats
}

// SubscriptionStats describes one subscription on one partition.
type SubscriptionStats struct {
	MarkDelete logstorage.Position
	Replicated bool
}

// LinkStats describes one replicator link.
type LinkStats struct {
	State   string
	Backlog uint64
}

// Stats returns per-partition replication statistics for a topic.
func (m *Manager) Stats(topic string) (map[string]PartitionStats, error) {
	rts, err := m.topicRuntimes(topic)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]PartitionStats, len(rts))
	for _, rt := range rts {
		ps := PartitionStats{
			Subscriptions: make(map[string]SubscriptionStats),
			Links:         make(map[string]LinkStats),
		}
		if pos, ok := rt.part.LastPosition(); ok {
			ps.LastPosition = pos
		}
		if rt.controller != nil {
			if id, ok := rt.controller.LastCompletedSnapshotID(); ok {
				ps.LastSnapshotID = id
			}
			ps.PendingSnapshots = rt.controller.PendingSnapshots()
		}
		cursors, err := rt.part.Cursors()
		if err != nil {
			return nil, err
		}
		for sub, c := range cursors {
			ps.Subscriptions[sub] = SubscriptionStats{MarkDelete: c.MarkDelete, Replicated: c.Replicated}
		}
		for region, link := range rt.links {
			ps.Links[region] = LinkStats{State: link.State().String(), Backlog: link.Backlog()}
		}
		stats[rt.name] = ps
	}
	return stats, nil
}

// Apply ingests a batch of mirrored entries from a remote region into the
// named partition log. Origins are preserved; entries that originated here
// are echoes and are dropped. Marker entries are routed to the snapshot
// controller or the progress propagator after landing in the log.
func (m *Manager) Apply(partition string, entries []logstorage.Entry) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	topic, idx, partitioned := parsePartitionName(partition)
	if partitioned {
		if idx+1 > m.topics[topic] {
			m.topics[topic] = idx + 1
		}
	} else if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = 0
	}
	rt, err := m.runtimeLocked(partition)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.Origin == m.cfg.Region.ID {
			continue
		}
		pos, err := rt.part.Append(logstorage.Entry{
			Origin:  e.Origin,
			Flags:   e.Flags,
			Payload: e.Payload,
		})
		if err != nil {
			return err
		}
		if !e.IsMarker() {
			continue
		}
		marker, err := DecodeMarker(e.Payload)
		if err != nil {
			m.logger.Warn("Dropping undecodable marker", "partition", partition, "error", err)
			continue
		}
		switch {
		case marker.Kind == KindSubscriptionProgress:
			if rt.propagator != nil {
				rt.propagator.ApplyProgress(marker)
			}
		case rt.controller != nil:
			rt.controller.OnMarker(marker, pos)
		}
	}
	return nil
}

// checkNamespaceReplicated verifies that the topic's namespace replicates
// across at least two regions including the local one.
func (m *Manager) checkNamespaceReplicated(topic string) error {
	regions := m.cfg.NamespaceRegions(topicNamespace(topic))
	if len(regions) < 2 {
		return fmt.Errorf("%w: topic %s", ErrNamespaceNotReplicated, topic)
	}
	for _, r := range regions {
		if r == m.cfg.Region.ID {
			return nil
		}
	}
	return fmt.Errorf("%w: topic %s", ErrNamespaceNotReplicated, topic)
}

// namespacePeers returns the peer regions of a topic's namespace, excluding
// the local region.
func (m *Manager) namespacePeers(topic string) []string {
	regions := m.cfg.NamespaceRegions(topicNamespace(topic))
	var peers []string
	local := false
	for _, r := range regions {
		if r == m.cfg.Region.ID {
			local = true
			continue
		}
		peers = append(peers, r)
	}
	if !local {
		return nil
	}
	return peers
}

func (m *Manager) partitionRuntime(topic string, partition int) (*partitionRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	count, ok := m.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}
	name := topic
	if count > 0 {
		if partition < 0 || partition >= count {
			return nil, fmt.Errorf("%w: %s partition %d", ErrTopicNotFound, topic, partition)
		}
		name = topic + partitionInfix + strconv.Itoa(partition)
	}
	return m.runtimeLocked(name)
}

func (m *Manager) topicRuntimes(topic string) ([]*partitionRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	count, ok := m.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}
	names := partitionNames(topic, count)
	rts := make([]*partitionRuntime, 0, len(names))
	for _, name := range names {
		rt, err := m.runtimeLocked(name)
		if err != nil {
			return nil, err
		}
		rts = append(rts, rt)
	}
	return rts, nil
}

// targetRuntimes resolves a topic name to all of its partitions, or a
// partition name to that single partition.
func (m *Manager) targetRuntimes(target string) ([]*partitionRuntime, error) {
	topic, _, partitioned := parsePartitionName(target)
	if !partitioned {
		return m.topicRuntimes(target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.topics[topic]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, target)
	}
	rt, err := m.runtimeLocked(target)
	if err != nil {
		return nil, err
	}
	return []*partitionRuntime{rt}, nil
}

// runtimeLocked returns the runtime for a partition log, creating it on
// first use. Controllers and links exist only when the topic's namespace has
// peer regions. Callers hold m.mu.
func (m *Manager) runtimeLocked(name string) (*partitionRuntime, error) {
	if rt, ok := m.parts[name]; ok {
		return rt, nil
	}

	part, err := m.store.Partition(name)
	if err != nil {
		return nil, err
	}
	topic, _, _ := parsePartitionName(name)
	peers := m.namespacePeers(topic)

	rt := &partitionRuntime{
		name:  name,
		part:  part,
		peers: peers,
		links: make(map[string]*Link),
	}
	if len(peers) > 0 {
		rt.controller = NewController(ControllerConfig{
			Partition:          name,
			LocalRegion:        m.cfg.Region.ID,
			Frequency:          m.cfg.Replication.SnapshotFrequency,
			Timeout:            m.cfg.Replication.SnapshotTimeout(),
			MaxCachedSnapshots: m.cfg.Replication.MaxCachedSnapshots,
			Peers:              func() []string { return peers },
		}, part, m.logger, m.metrics)
		rt.controller.Start()

		rt.propagator = NewPropagator(part, rt.controller, m.cfg.Region.ID, func() []string { return peers }, m.logger, m.metrics)

		if m.dialer != nil {
			for _, peer := range peers {
				link := NewLink(LinkConfig{
					Partition:      name,
					LocalRegion:    m.cfg.Region.ID,
					RemoteRegion:   peer,
					IdleCloseGrace: m.cfg.Replication.IdleCloseGrace,
					RateLimit:      m.cfg.Replication.RateLimit,
					RateBurst:      m.cfg.Replication.RateBurst,
				}, part, m.dialer, m.logger, m.metrics)
				link.Start()
				rt.links[peer] = link
			}
		}
	}

	m.parts[name] = rt
	return rt, nil
}

// topicNamespace extracts the namespace of a "namespace/topic" name. Topics
// without a namespace belong to no replication policy.
func topicNamespace(topic string) string {
	if i := strings.Index(topic, "/"); i > 0 {
		return topic[:i]
	}
	return ""
}

// parsePartitionName splits a partition log name into its topic and index.
// Names without the partition infix are unpartitioned topics.
func parsePartitionName(name string) (topic string, idx int, partitioned bool) {
	i := strings.LastIndex(name, partitionInfix)
	if i < 0 {
		return name, 0, false
	}
	n, err := strconv.Atoi(name[i+len(partitionInfix):])
	if err != nil || n < 0 {
		return name, 0, false
	}
	return name[:i], n, true
}

// partitionNames returns the log names of a topic with the given partition
// count.
func partitionNames(topic string, count int) []string {
	if count == 0 {
		return []string{topic}
	}
	names := make([]string, count)
	for i := range names {
		names[i] = topic + partitionInfix + strconv.Itoa(i)
	}
	return names
}
