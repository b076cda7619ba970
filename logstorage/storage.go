// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logstorage

import "errors"

// Storage errors.
var (
	ErrPartitionClosed      = errors.New("partition is closed")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrCorrupted            = errors.New("entry corrupted")
)

// SubscriptionCursor is a subscription's read progress within one region's
// partition log. Replicated is strictly local to the region and partition;
// it is never mirrored.
type SubscriptionCursor struct {
	MarkDelete Position `json:"mark_delete"`
	Replicated bool     `json:"replicated"`
}

// Log is the append-only entry log of one topic partition in the local
// region. Marker entries are stored in-stream with data so that a marker's
// position deterministically brackets the entries it covers.
type Log interface {
	// Append stores the entry and returns its assigned position.
	Append(e Entry) (Position, error)

	// Read returns up to max entries with positions strictly after the
	// given one, in order. Markers are included; callers on the consumer
	// path filter them with Entry.IsMarker.
	Read(after Position, max int) ([]Entry, error)

	// LastPosition returns the position of the last appended entry of any
	// kind, or false if the log is empty.
	LastPosition() (Position, bool)

	// LastData returns the position of the last appended non-marker entry,
	// or false if none has been appended. The snapshot controller uses it
	// for the stop-when-idle rule: marker traffic alone never counts.
	LastData() (Position, bool)

	// Distance returns the number of entries after from, up to and
	// including to; zero when to does not order after from. Only the owning
	// partition can compute this, since segment sizing is a backend detail.
	Distance(from, to Position) uint64

	// Watch returns a channel that receives a (coalesced) signal after
	// every append. The channel is closed when the partition closes.
	Watch() <-chan struct{}
}

// Cursors tracks per-subscription progress and the durable replication
// cursors for a partition.
type Cursors interface {
	// Cursor returns a subscription's cursor.
	// Returns ErrSubscriptionNotFound if the subscription does not exist.
	Cursor(sub string) (SubscriptionCursor, error)

	// SaveCursor creates or replaces a subscription's cursor.
	SaveCursor(sub string, c SubscriptionCursor) error

	// Cursors returns all subscription cursors keyed by subscription name.
	Cursors() (map[string]SubscriptionCursor, error)

	// DeleteCursor removes a subscription.
	DeleteCursor(sub string) error

	// ReplicationCursor returns the position up to which local entries have
	// been durably mirrored toward a remote region. Zero if never advanced.
	ReplicationCursor(remoteRegion string) (Position, error)

	// SaveReplicationCursor advances the durable replication cursor.
	SaveReplicationCursor(remoteRegion string, p Position) error
}

// Partition bundles the log and cursor state of one topic partition.
type Partition interface {
	Log
	Cursors
}

// Store gives access to partitions. Partitions are created on first use.
type Store interface {
	Partition(name string) (Partition, error)
	Partitions() []string
	Close() error
}
