// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"testing"

	"github.com/absmach/geoflux/logstorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTranslator struct {
	fn func(src string, pos logstorage.Position, dst string) (logstorage.Position, bool)
}

func (s stubTranslator) Translate(src string, pos logstorage.Position, dst string) (logstorage.Position, bool) {
	return s.fn(src, pos, dst)
}

func fixedTranslator(covered map[string]logstorage.Position) stubTranslator {
	return stubTranslator{fn: func(_ string, _ logstorage.Position, dst string) (logstorage.Position, bool) {
		pos, ok := covered[dst]
		return pos, ok
	}}
}

func TestPropagatorEmitsProgress(t *testing.T) {
	part := newTestPartition(t)
	tr := fixedTranslator(map[string]logstorage.Position{
		"r2": {Segment: 2, Offset: 4},
	})
	p := NewPropagator(part, tr, "r1", func() []string { return []string{"r2", "r3"} }, nil, nil)

	p.CursorAdvanced("orders", logstorage.Position{Segment: 1, Offset: 9})

	// r3 has no covering snapshot yet, so only r2 gets a marker.
	markers := readMarkers(t, part)
	require.Len(t, markers, 1)
	m := markers[0]
	assert.Equal(t, KindSubscriptionProgress, m.Kind)
	assert.Equal(t, "r1", m.Origin)
	assert.Equal(t, "orders", m.Subscription)
	assert.Equal(t, "r2", m.TargetRegion)
	assert.Equal(t, logstorage.Position{Segment: 2, Offset: 4}, m.Position)
}

func TestPropagatorSuppressesRepeats(t *testing.T) {
	part := newTestPartition(t)
	covered := map[string]logstorage.Position{"r2": {Segment: 1, Offset: 3}}
	p := NewPropagator(part, fixedTranslator(covered), "r1", func() []string { return []string{"r2"} }, nil, nil)

	p.CursorAdvanced("orders", logstorage.Position{Segment: 1, Offset: 5})
	p.CursorAdvanced("orders", logstorage.Position{Segment: 1, Offset: 6})
	assert.Len(t, readMarkers(t, part), 1)

	// Once translation advances, a new marker goes out.
	covered["r2"] = logstorage.Position{Segment: 1, Offset: 8}
	p.CursorAdvanced("orders", logstorage.Position{Segment: 1, Offset: 9})
	assert.Len(t, readMarkers(t, part), 2)

	// Forgetting the subscription resets suppression.
	p.Forget("orders")
	p.CursorAdvanced("orders", logstorage.Position{Segment: 1, Offset: 9})
	assert.Len(t, readMarkers(t, part), 3)
}

func TestPropagatorApplyProgressCreatesCursor(t *testing.T) {
	part := newTestPartition(t)
	p := NewPropagator(part, fixedTranslator(nil), "r1", nil, nil, nil)

	pos := logstorage.Position{Segment: 3, Offset: 1}
	p.ApplyProgress(NewSubscriptionProgress("r2", "orders", "r1", pos))

	cursor, err := part.Cursor("orders")
	require.NoError(t, err)
	assert.True(t, cursor.Replicated)
	assert.Equal(t, pos, cursor.MarkDelete)
}

func TestPropagatorApplyProgressMonotonic(t *testing.T) {
	part := newTestPartition(t)
	p := NewPropagator(part, fixedTranslator(nil), "r1", nil, nil, nil)

	require.NoError(t, part.SaveCursor("orders", logstorage.SubscriptionCursor{
		MarkDelete: logstorage.Position{Segment: 2, Offset: 0},
		Replicated: true,
	}))

	// A stale marker never moves the cursor backwards.
	p.ApplyProgress(NewSubscriptionProgress("r2", "orders", "r1", logstorage.Position{Segment: 1, Offset: 5}))
	cursor, err := part.Cursor("orders")
	require.NoError(t, err)
	assert.Equal(t, logstorage.Position{Segment: 2, Offset: 0}, cursor.MarkDelete)

	p.ApplyProgress(NewSubscriptionProgress("r2", "orders", "r1", logstorage.Position{Segment: 2, Offset: 7}))
	cursor, err = part.Cursor("orders")
	require.NoError(t, err)
	assert.Equal(t, logstorage.Position{Segment: 2, Offset: 7}, cursor.MarkDelete)
}

func TestPropagatorApplyProgressIgnores(t *testing.T) {
	part := newTestPartition(t)
	p := NewPropagator(part, fixedTranslator(nil), "r1", nil, nil, nil)

	// Addressed to another region.
	p.ApplyProgress(NewSubscriptionProgress("r2", "orders", "r3", logstorage.Position{Segment: 1, Offset: 0}))
	_, err := part.Cursor("orders")
	assert.ErrorIs(t, err, logstorage.ErrSubscriptionNotFound)

	// Local cursor exists but replication is disabled for it.
	require.NoError(t, part.SaveCursor("local", logstorage.SubscriptionCursor{
		MarkDelete: logstorage.Position{Segment: 1, Offset: 1},
	}))
	p.ApplyProgress(NewSubscriptionProgress("r2", "local", "r1", logstorage.Position{Segment: 4, Offset: 0}))
	cursor, err := part.Cursor("local")
	require.NoError(t, err)
	assert.False(t, cursor.Replicated)
	assert.Equal(t, logstorage.Position{Segment: 1, Offset: 1}, cursor.MarkDelete)
}
