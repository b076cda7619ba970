// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/absmach/geoflux/logstorage"
	"github.com/dgraph-io/badger/v4"
)

var _ logstorage.Store = (*Store)(nil)

// Key namespaces. Partition names never contain NUL, so it is a safe
// separator.
const (
	keyEntry       = 'e'
	keyMeta        = 'm'
	keyCursor      = 'c'
	keyReplication = 'r'
	keyPartition   = 'p'
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string
	SyncWrites bool
}

// Store is a BadgerDB-backed logstorage.Store.
type Store struct {
	db *badger.DB

	mu         sync.Mutex
	partitions map[string]*partition
	closed     bool

	gcStopCh chan struct{}
	gcDone   chan struct{}
}

// New opens (or creates) a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Dir, err)
	}

	s := &Store{
		db:         db,
		partitions: make(map[string]*partition),
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

// Partition returns the named partition, creating it on first use.
func (s *Store) Partition(name string) (logstorage.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, logstorage.ErrPartitionClosed
	}
	if p, ok := s.partitions[name]; ok {
		return p, nil
	}

	p := &partition{
		db:          s.db,
		name:        name,
		segmentSize: logstorage.DefaultSegmentSize,
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(partKey(keyPartition, name), nil)
	}); err != nil {
		return nil, fmt.Errorf("failed to register partition: %w", err)
	}
	s.partitions[name] = p
	return p, nil
}

// Partitions returns the names of all partitions ever created, sorted.
func (s *Store) Partitions() []string {
	var names []string
	prefix := partKey(keyPartition, "")
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(prefix):len(key)-1]))
		}
		return nil
	})
	sort.Strings(names)
	return names
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	parts := s.partitions
	s.mu.Unlock()

	for _, p := range parts {
		p.close()
	}

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// partKey builds "<ns>\x00<partition>\x00".
func partKey(ns byte, name string) []byte {
	key := make([]byte, 0, len(name)+3)
	key = append(key, ns, 0)
	key = append(key, name...)
	return append(key, 0)
}

func entryKey(name string, pos logstorage.Position) []byte {
	key := partKey(keyEntry, name)
	key = binary.BigEndian.AppendUint64(key, pos.Segment)
	return binary.BigEndian.AppendUint64(key, pos.Offset)
}

func subKey(ns byte, name, sub string) []byte {
	return append(partKey(ns, name), sub...)
}

// partitionMeta is the persisted per-partition counters.
type partitionMeta struct {
	Count       uint64              `json:"count"`
	LastData    logstorage.Position `json:"last_data"`
	HasLastData bool                `json:"has_last_data"`
}

type partition struct {
	db          *badger.DB
	name        string
	segmentSize uint64

	mu       sync.Mutex
	meta     partitionMeta
	watchers []chan struct{}
	closed   bool
}

var _ logstorage.Partition = (*partition)(nil)

func (p *partition) load() error {
	return p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(partKey(keyMeta, p.name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p.meta)
		})
	})
}

func (p *partition) position(seq uint64) logstorage.Position {
	return logstorage.Position{
		Segment: seq/p.segmentSize + 1,
		Offset:  seq % p.segmentSize,
	}
}

// seq is the inverse of position: the absolute entry sequence one past pos,
// zero for the zero position.
func (p *partition) seq(pos logstorage.Position) uint64 {
	if pos.IsZero() {
		return 0
	}
	return (pos.Segment-1)*p.segmentSize + pos.Offset + 1
}

func (p *partition) Append(e logstorage.Entry) (logstorage.Position, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return logstorage.Position{}, logstorage.ErrPartitionClosed
	}

	pos := p.position(p.meta.Count)
	e.Position = pos

	meta := p.meta
	meta.Count++
	if !e.IsMarker() {
		meta.LastData = pos
		meta.HasLastData = true
	}
	metaVal, err := json.Marshal(meta)
	if err != nil {
		p.mu.Unlock()
		return logstorage.Position{}, err
	}

	err = p.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(p.name, pos), logstorage.EncodeEntry(e)); err != nil {
			return err
		}
		return txn.Set(partKey(keyMeta, p.name), metaVal)
	})
	if err != nil {
		p.mu.Unlock()
		return logstorage.Position{}, fmt.Errorf("failed to append entry: %w", err)
	}

	p.meta = meta
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

func (p *partition) Read(after logstorage.Position, max int) ([]logstorage.Entry, error) {
	prefix := partKey(keyEntry, p.name)
	seek := entryKey(p.name, after)

	var out []logstorage.Entry
	err := p.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(seek); it.Valid(); it.Next() {
			item := it.Item()
			// Seek is inclusive; skip the "after" entry itself.
			if !after.IsZero() && bytes.Equal(item.Key(), seek) {
				continue
			}
			var e logstorage.Entry
			err := item.Value(func(val []byte) error {
				var derr error
				e, derr = logstorage.DecodeEntry(val)
				return derr
			})
			if err != nil {
				return err
			}
			key := item.Key()
			e.Position = logstorage.Position{
				Segment: binary.BigEndian.Uint64(key[len(key)-16 : len(key)-8]),
				Offset:  binary.BigEndian.Uint64(key[len(key)-8:]),
			}
			out = append(out, e)
			if max > 0 && len(out) >= max {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *partition) LastPosition() (logstorage.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.meta.Count == 0 {
		return logstorage.Position{}, false
	}
	return p.position(p.meta.Count - 1), true
}

func (p *partition) LastData() (logstorage.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.LastData, p.meta.HasLastData
}

func (p *partition) Distance(from, to logstorage.Position) uint64 {
	f, t := p.seq(from), p.seq(to)
	if t <= f {
		return 0
	}
	return t - f
}

func (p *partition) Watch() <-chan struct{} {
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

func (p *partition) Cursor(sub string) (logstorage.SubscriptionCursor, error) {
	var c logstorage.SubscriptionCursor
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subKey(keyCursor, p.name, sub))
		if err == badger.ErrKeyNotFound {
			return logstorage.ErrSubscriptionNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	return c, err
}

func (p *partition) SaveCursor(sub string, c logstorage.SubscriptionCursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(subKey(keyCursor, p.name, sub), data)
	})
}

func (p *partition) Cursors() (map[string]logstorage.SubscriptionCursor, error) {
	out := make(map[string]logstorage.SubscriptionCursor)
	prefix := partKey(keyCursor, p.name)
	err := p.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			sub := string(item.Key()[len(prefix):])
			var c logstorage.SubscriptionCursor
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err != nil {
				return err
			}
			out[sub] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *partition) DeleteCursor(sub string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		key := subKey(keyCursor, p.name, sub)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return logstorage.ErrSubscriptionNotFound
		}
		return txn.Delete(key)
	})
}

func (p *partition) ReplicationCursor(remoteRegion string) (logstorage.Position, error) {
	var pos logstorage.Position
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subKey(keyReplication, p.name, remoteRegion))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 16 {
				return fmt.Errorf("%w: bad replication cursor length %d", logstorage.ErrCorrupted, len(val))
			}
			pos.Segment = binary.BigEndian.Uint64(val[:8])
			pos.Offset = binary.BigEndian.Uint64(val[8:])
			return nil
		})
	})
	return pos, err
}

func (p *partition) SaveReplicationCursor(remoteRegion string, pos logstorage.Position) error {
	val := make([]byte, 0, 16)
	val = binary.BigEndian.AppendUint64(val, pos.Segment)
	val = binary.BigEndian.AppendUint64(val, pos.Offset)
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(subKey(keyReplication, p.name, remoteRegion), val)
	})
}

func (p *partition) close() {
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
