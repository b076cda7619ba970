// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"sort"
	"time"

	"github.com/absmach/geoflux/logstorage"
	"github.com/google/uuid"
)

// SnapshotState is the lifecycle state of a snapshot attempt.
type SnapshotState uint8

const (
	SnapshotPending SnapshotState = iota
	SnapshotCompleted
	SnapshotDiscarded
)

func (s SnapshotState) String() string {
	switch s {
	case SnapshotPending:
		return "pending"
	case SnapshotCompleted:
		return "completed"
	case SnapshotDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Snapshot is a causally consistent cut across regions: one position per
// region. Once completed it is immutable; readers receive it through an
// atomic pointer swap and never see partial state.
type Snapshot struct {
	ID        uuid.UUID
	Origin    string
	State     SnapshotState
	Positions map[string]logstorage.Position
	CreatedAt time.Time
}

// clone returns a deep copy safe to publish after further mutation of s.
func (s *Snapshot) clone() *Snapshot {
	positions := make(map[string]logstorage.Position, len(s.Positions))
	for region, pos := range s.Positions {
		positions[region] = pos
	}
	return &Snapshot{
		ID:        s.ID,
		Origin:    s.Origin,
		State:     s.State,
		Positions: positions,
		CreatedAt: s.CreatedAt,
	}
}

// snapshotHistory is an immutable ordered list of completed snapshots,
// oldest first. The owning controller builds a new value for every update
// and swaps it in atomically; Translate callers read it without locking.
type snapshotHistory struct {
	snaps []*Snapshot
}

// with returns a new history including s, bounded to max entries.
func (h *snapshotHistory) with(s *Snapshot, max int) *snapshotHistory {
	snaps := make([]*Snapshot, 0, len(h.snaps)+1)
	snaps = append(snaps, h.snaps...)
	snaps = append(snaps, s)
	if len(snaps) > max {
		snaps = snaps[len(snaps)-max:]
	}
	return &snapshotHistory{snaps: snaps}
}

// contains reports whether a snapshot with the given id is already recorded.
func (h *snapshotHistory) contains(id uuid.UUID) bool {
	for _, s := range h.snaps {
		if s.ID == id {
			return true
		}
	}
	return false
}

// latest returns the most recently recorded snapshot, or nil.
func (h *snapshotHistory) latest() *Snapshot {
	if len(h.snaps) == 0 {
		return nil
	}
	return h.snaps[len(h.snaps)-1]
}

// translate returns the target-region position of the most recent snapshot
// whose source-region position is at or before the given one. Snapshot
// granularity makes this an approximation: resuming at the returned position
// may re-deliver a small number of already-acknowledged messages.
func (h *snapshotHistory) translate(sourceRegion string, pos logstorage.Position, targetRegion string) (logstorage.Position, bool) {
	for i := len(h.snaps) - 1; i >= 0; i-- {
		s := h.snaps[i]
		src, ok := s.Positions[sourceRegion]
		if !ok || pos.Before(src) {
			continue
		}
		dst, ok := s.Positions[targetRegion]
		if !ok {
			continue
		}
		return dst, true
	}
	return logstorage.Position{}, false
}

func sortedRegions(positions map[string]logstorage.Position) []string {
	regions := make([]string, 0, len(positions))
	for region := range positions {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
