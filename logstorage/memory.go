// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logstorage

import (
	"sort"
	"sync"
)

// DefaultSegmentSize is the number of entries per log segment before the
// segment id rolls over.
const DefaultSegmentSize = 256

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store, used for tests and ephemeral nodes.
type MemoryStore struct {
	mu          sync.RWMutex
	segmentSize uint64
	partitions  map[string]*memoryPartition
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segmentSize: DefaultSegmentSize,
		partitions:  make(map[string]*memoryPartition),
	}
}

// Partition returns the named partition, creating it on first use.
func (s *MemoryStore) Partition(name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrPartitionClosed
	}
	p, ok := s.partitions[name]
	if !ok {
		p = &memoryPartition{
			segmentSize: s.segmentSize,
			cursors:     make(map[string]SubscriptionCursor),
			replCursors: make(map[string]Position),
		}
		s.partitions[name] = p
	}
	return p, nil
}

// Partitions returns the names of all partitions, sorted.
func (s *MemoryStore) Partitions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all partitions and closes their watch channels.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, p := range s.partitions {
		p.close()
	}
	return nil
}

type memoryPartition struct {
	mu          sync.RWMutex
	segmentSize uint64
	entries     []Entry
	lastData    Position
	hasLastData bool
	cursors     map[string]SubscriptionCursor
	replCursors map[string]Position
	watchers    []chan struct{}
	closed      bool
}

var _ Partition = (*memoryPartition)(nil)

// index converts a position into an index into the entries slice; the zero
// position maps to 0, i.e. "read from the start".
func (p *memoryPartition) index(pos Position) int {
	if pos.IsZero() {
		return 0
	}
	return int((pos.Segment-1)*p.segmentSize + pos.Offset + 1)
}

func (p *memoryPartition) position(idx int) Position {
	return Position{
		Segment: uint64(idx)/p.segmentSize + 1,
		Offset:  uint64(idx) % p.segmentSize,
	}
}

func (p *memoryPartition) Append(e Entry) (Position, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Position{}, ErrPartitionClosed
	}

	pos := p.position(len(p.entries))
	e.Position = pos
	p.entries = append(p.entries, e)
	if !e.IsMarker() {
		p.lastData = pos
		p.hasLastData = true
	}
	watchers := p.watchers
	p.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return pos, nil
}

func (p *memoryPartition) Read(after Position, max int) ([]Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	start := p.index(after)
	if start >= len(p.entries) {
		return nil, nil
	}
	end := len(p.entries)
	if max > 0 && start+max < end {
		end = start + max
	}
	out := make([]Entry, end-start)
	copy(out, p.entries[start:end])
	return out, nil
}

func (p *memoryPartition) LastPosition() (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.entries) == 0 {
		return Position{}, false
	}
	return p.entries[len(p.entries)-1].Position, true
}

func (p *memoryPartition) LastData() (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastData, p.hasLastData
}

func (p *memoryPartition) Distance(from, to Position) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, t := p.index(from), p.index(to)
	if t <= f {
		return 0
	}
	return uint64(t - f)
}

func (p *memoryPartition) Watch() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{}, 1)
	if p.closed {
		close(ch)
		return ch
	}
	p.watchers = append(p.watchers, ch)
	return ch
}

func (p *memoryPartition) Cursor(sub string) (SubscriptionCursor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.cursors[sub]
	if !ok {
		return SubscriptionCursor{}, ErrSubscriptionNotFound
	}
	return c, nil
}

func (p *memoryPartition) SaveCursor(sub string, c SubscriptionCursor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPartitionClosed
	}
	p.cursors[sub] = c
	return nil
}

func (p *memoryPartition) Cursors() (map[string]SubscriptionCursor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]SubscriptionCursor, len(p.cursors))
	for sub, c := range p.cursors {
		out[sub] = c
	}
	return out, nil
}

func (p *memoryPartition) DeleteCursor(sub string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cursors[sub]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(p.cursors, sub)
	return nil
}

func (p *memoryPartition) ReplicationCursor(remoteRegion string) (Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replCursors[remoteRegion], nil
}

func (p *memoryPartition) SaveReplicationCursor(remoteRegion string, pos Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPartitionClosed
	}
	p.replCursors[remoteRegion] = pos
	return nil
}

func (p *memoryPartition) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.watchers {
		close(w)
	}
	p.watchers = nil
}
