// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logstorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAppendRead(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("ns/topic")
	require.NoError(t, err)

	pos1, err := p.Append(Entry{Origin: "r1", Payload: []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, Position{Segment: 1, Offset: 0}, pos1)

	pos2, err := p.Append(Entry{Origin: "r1", Payload: []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, Position{Segment: 1, Offset: 1}, pos2)

	entries, err := p.Read(Position{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("a"), entries[0].Payload)
	assert.Equal(t, pos1, entries[0].Position)

	entries, err = p.Read(pos1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("b"), entries[0].Payload)

	entries, err = p.Read(pos2, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryReadMax(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("t")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := p.Append(Entry{Origin: "r1", Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}

	entries, err := p.Read(Position{}, 4)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestMemorySegmentRoll(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("t")
	require.NoError(t, err)

	var last Position
	for i := 0; i < DefaultSegmentSize+1; i++ {
		last, err = p.Append(Entry{Origin: "r1"})
		require.NoError(t, err)
	}
	assert.Equal(t, Position{Segment: 2, Offset: 0}, last)

	// Reading across the segment boundary returns everything.
	entries, err := p.Read(Position{}, 0)
	require.NoError(t, err)
	assert.Len(t, entries, DefaultSegmentSize+1)
}

func TestMemoryDistance(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("t")
	require.NoError(t, err)

	var third, last Position
	for i := 0; i < DefaultSegmentSize+2; i++ {
		last, err = p.Append(Entry{Origin: "r1"})
		require.NoError(t, err)
		if i == 2 {
			third = last
		}
	}

	// Counting stays correct across the segment boundary.
	assert.Equal(t, uint64(DefaultSegmentSize+2), p.Distance(Position{}, last))
	assert.Equal(t, uint64(DefaultSegmentSize-1), p.Distance(third, last))
	assert.Zero(t, p.Distance(last, last))
	assert.Zero(t, p.Distance(last, third))
}

func TestMemoryLastData(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("t")
	require.NoError(t, err)

	_, ok := p.LastData()
	assert.False(t, ok)
	_, ok = p.LastPosition()
	assert.False(t, ok)

	mpos, err := p.Append(Entry{Origin: "r1", Flags: FlagMarker})
	require.NoError(t, err)

	// Marker entries advance the log but not the data position.
	last, ok := p.LastPosition()
	assert.True(t, ok)
	assert.Equal(t, mpos, last)
	_, ok = p.LastData()
	assert.False(t, ok)

	dpos, err := p.Append(Entry{Origin: "r1", Payload: []byte("d")})
	require.NoError(t, err)
	data, ok := p.LastData()
	assert.True(t, ok)
	assert.Equal(t, dpos, data)
}

func TestMemoryWatch(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("t")
	require.NoError(t, err)
	ch := p.Watch()

	_, err = p.Append(Entry{Origin: "r1"})
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("expected append notification")
	}
}

func TestMemoryCursors(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("t")
	require.NoError(t, err)

	_, err = p.Cursor("sub")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	c := SubscriptionCursor{MarkDelete: Position{1, 3}, Replicated: true}
	require.NoError(t, p.SaveCursor("sub", c))

	got, err := p.Cursor("sub")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	all, err := p.Cursors()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, p.DeleteCursor("sub"))
	assert.ErrorIs(t, p.DeleteCursor("sub"), ErrSubscriptionNotFound)
}

func TestMemoryReplicationCursor(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	p, err := store.Partition("t")
	require.NoError(t, err)

	pos, err := p.ReplicationCursor("r2")
	require.NoError(t, err)
	assert.True(t, pos.IsZero())

	require.NoError(t, p.SaveReplicationCursor("r2", Position{2, 7}))
	pos, err = p.ReplicationCursor("r2")
	require.NoError(t, err)
	assert.Equal(t, Position{2, 7}, pos)
}

func TestMemoryPartitionsListing(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Partition("b")
	require.NoError(t, err)
	_, err = store.Partition("a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, store.Partitions())
}

func TestMemoryClosedStore(t *testing.T) {
	store := NewMemoryStore()
	p, err := store.Partition("t")
	require.NoError(t, err)
	ch := p.Watch()

	require.NoError(t, store.Close())

	_, err = p.Append(Entry{Origin: "r1"})
	assert.ErrorIs(t, err, ErrPartitionClosed)

	_, open := <-ch
	assert.False(t, open)

	_, err = store.Partition("u")
	assert.ErrorIs(t, err, ErrPartitionClosed)
}
