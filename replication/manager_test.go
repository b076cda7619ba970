// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"testing"
	"time"

	"github.com/absmach/geoflux/config"
	"github.com/absmach/geoflux/logstorage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Region.ID = "r1"
	// Keep the snapshot timers out of the way; controller behavior has its
	// own tests.
	cfg.Replication.SnapshotFrequency = time.Hour
	cfg.Namespaces = map[string]config.NamespaceConfig{
		"ns": {Regions: []string{"r1", "r2"}},
	}
	return cfg
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(testConfig(), logstorage.NewMemoryStore(), nil, nil, nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerCreateTopic(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.CreateTopic("ns/t", 0))
	assert.ErrorIs(t, m.CreateTopic("ns/t", 0), ErrTopicExists)

	names, err := m.PartitionNames("ns/t")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/t"}, names)

	require.NoError(t, m.CreateTopic("ns/p", 3))
	names, err = m.PartitionNames("ns/p")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/p-partition-0", "ns/p-partition-1", "ns/p-partition-2"}, names)

	_, err = m.PartitionNames("missing")
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestManagerPublishPollAck(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("plain", 0))
	require.NoError(t, m.Subscribe("plain", "sub"))

	_, err := m.Publish("plain", 0, []byte("a"))
	require.NoError(t, err)
	pos2, err := m.Publish("plain", 0, []byte("b"))
	require.NoError(t, err)

	entries, err := m.Poll("plain", 0, "sub", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("a"), entries[0].Payload)
	assert.Equal(t, "r1", entries[0].Origin)

	require.NoError(t, m.Ack("plain", 0, "sub", entries[0].Position))
	entries, err = m.Poll("plain", 0, "sub", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("b"), entries[0].Payload)

	// Acks are monotonic; a stale ack does not rewind.
	require.NoError(t, m.Ack("plain", 0, "sub", pos2))
	require.NoError(t, m.Ack("plain", 0, "sub", entries[0].Position))
	entries, err = m.Poll("plain", 0, "sub", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = m.Publish("missing", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrTopicNotFound)
	_, err = m.Poll("plain", 0, "missing", 10)
	assert.ErrorIs(t, err, logstorage.ErrSubscriptionNotFound)
}

func TestManagerPollFiltersMarkers(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("ns/t", 0))
	require.NoError(t, m.Subscribe("ns/t", "sub"))

	_, err := m.Publish("ns/t", 0, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, m.Apply("ns/t", []logstorage.Entry{
		MarkerEntry(NewSnapshotRequest(uuid.New(), "r2")),
		{Origin: "r2", Payload: []byte("mirrored")},
	}))

	entries, err := m.Poll("ns/t", 0, "sub", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("data"), entries[0].Payload)
	assert.Equal(t, []byte("mirrored"), entries[1].Payload)
	assert.Equal(t, "r2", entries[1].Origin)
}

func TestManagerAckCoversTrailingMarkers(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("ns/t", 0))
	require.NoError(t, m.Subscribe("ns/t", "sub"))

	pos, err := m.Publish("ns/t", 0, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, m.Apply("ns/t", []logstorage.Entry{
		MarkerEntry(NewSnapshotComplete(uuid.New(), "r2", map[string]logstorage.Position{
			"r1": pos, "r2": {Segment: 1, Offset: 0},
		})),
	}))

	// Acking the data entry carries the cursor over the marker behind it.
	require.NoError(t, m.Ack("ns/t", 0, "sub", pos))
	stats, err := m.Stats("ns/t")
	require.NoError(t, err)
	assert.True(t, pos.Before(stats["ns/t"].Subscriptions["sub"].MarkDelete))
}

func TestManagerApplySkipsEchoes(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("ns/t", 0))
	require.NoError(t, m.Subscribe("ns/t", "sub"))

	// An entry that originated here coming back over a link is an echo.
	require.NoError(t, m.Apply("ns/t", []logstorage.Entry{
		{Origin: "r1", Payload: []byte("echo")},
		{Origin: "r2", Payload: []byte("real")},
	}))

	entries, err := m.Poll("ns/t", 0, "sub", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("real"), entries[0].Payload)
}

func TestManagerReplicatedSubscriptionStatus(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("ns/t", 0))
	require.NoError(t, m.CreateTopic("plain", 0))
	require.NoError(t, m.Subscribe("ns/t", "sub"))
	require.NoError(t, m.Subscribe("plain", "sub"))

	// The namespace must replicate across at least two regions.
	assert.ErrorIs(t, m.SetReplicatedSubscriptionStatus("plain", "sub", true), ErrNamespaceNotReplicated)

	require.NoError(t, m.SetReplicatedSubscriptionStatus("ns/t", "sub", true))
	status, err := m.GetReplicatedSubscriptionStatus("ns/t", "sub")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ns/t": true}, status)

	require.NoError(t, m.SetReplicatedSubscriptionStatus("ns/t", "sub", false))
	status, err = m.GetReplicatedSubscriptionStatus("ns/t", "sub")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ns/t": false}, status)

	assert.Error(t, m.SetReplicatedSubscriptionStatus("ns/t", "missing", true))
}

func TestManagerReplicatedStatusPerPartition(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("ns/p", 3))
	require.NoError(t, m.Subscribe("ns/p", "sub"))

	require.NoError(t, m.SetReplicatedSubscriptionStatus("ns/p", "sub", true))
	status, err := m.GetReplicatedSubscriptionStatus("ns/p", "sub")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"ns/p-partition-0": true,
		"ns/p-partition-1": true,
		"ns/p-partition-2": true,
	}, status)

	// A single partition can be toggled independently.
	require.NoError(t, m.SetReplicatedSubscriptionStatus("ns/p-partition-1", "sub", false))
	status, err = m.GetReplicatedSubscriptionStatus("ns/p", "sub")
	require.NoError(t, err)
	assert.False(t, status["ns/p-partition-1"])
	assert.True(t, status["ns/p-partition-0"])
	assert.True(t, status["ns/p-partition-2"])

	status, err = m.GetReplicatedSubscriptionStatus("ns/p-partition-1", "sub")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ns/p-partition-1": false}, status)
}

func TestManagerApplyRoutesProgress(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("ns/t", 0))

	pos := logstorage.Position{Segment: 2, Offset: 5}
	require.NoError(t, m.Apply("ns/t", []logstorage.Entry{
		MarkerEntry(NewSubscriptionProgress("r2", "sub", "r1", pos)),
	}))

	status, err := m.GetReplicatedSubscriptionStatus("ns/t", "sub")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ns/t": true}, status)

	stats, err := m.Stats("ns/t")
	require.NoError(t, err)
	assert.Equal(t, pos, stats["ns/t"].Subscriptions["sub"].MarkDelete)
}

func TestManagerApplyCreatesPartition(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Apply("ns/new-partition-1", []logstorage.Entry{
		{Origin: "r2", Payload: []byte("x")},
	}))

	names, err := m.PartitionNames("ns/new")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/new-partition-0", "ns/new-partition-1"}, names)
}

func TestManagerStats(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateTopic("ns/t", 0))
	require.NoError(t, m.Subscribe("ns/t", "sub"))

	pos, err := m.Publish("ns/t", 0, []byte("a"))
	require.NoError(t, err)

	stats, err := m.Stats("ns/t")
	require.NoError(t, err)
	ps, ok := stats["ns/t"]
	require.True(t, ok)
	assert.Equal(t, pos, ps.LastPosition)
	assert.Contains(t, ps.Subscriptions, "sub")
	assert.Empty(t, ps.LastSnapshotID)
}

func TestManagerClosed(t *testing.T) {
	m := NewManager(testConfig(), logstorage.NewMemoryStore(), nil, nil, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.CreateTopic("ns/t", 0))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.CreateTopic("ns/u", 0), ErrManagerClosed)
	_, err := m.Publish("ns/t", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.Apply("ns/t", nil), ErrManagerClosed)
}

func TestManagerRehydratesFromStore(t *testing.T) {
	store := logstorage.NewMemoryStore()
	cfg := testConfig()

	m := NewManager(cfg, store, nil, nil, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.CreateTopic("ns/p", 2))
	_, err := m.Publish("ns/p", 1, []byte("a"))
	require.NoError(t, err)

	// A fresh manager over the same store finds the topics again.
	m2 := NewManager(cfg, store, nil, nil, nil)
	require.NoError(t, m2.Start())
	t.Cleanup(func() { m2.Close() })

	names, err := m2.PartitionNames("ns/p")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/p-partition-0", "ns/p-partition-1"}, names)
}
