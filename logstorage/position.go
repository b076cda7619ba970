// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logstorage

import "fmt"

// Position identifies a point in one region's append-only partition log.
// Segments are numbered from 1, offsets within a segment from 0, so the
// zero value orders before every real position and doubles as "nothing yet".
type Position struct {
	Segment uint64 `json:"segment"`
	Offset  uint64 `json:"offset"`
}

// Compare returns -1, 0 or 1 ordering p relative to o, lexicographically by
// (segment, offset).
func (p Position) Compare(o Position) int {
	switch {
	case p.Segment < o.Segment:
		return -1
	case p.Segment > o.Segment:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

// Before reports whether p orders strictly before o.
func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}

// IsZero reports whether p is the zero position, i.e. before any entry.
func (p Position) IsZero() bool {
	return p.Segment == 0 && p.Offset == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

// MaxPosition returns the later of a and b.
func MaxPosition(a, b Position) Position {
	if a.Before(b) {
		return b
	}
	return a
}
