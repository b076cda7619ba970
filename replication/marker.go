// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"fmt"

	"github.com/absmach/geoflux/logstorage"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind enumerates the marker kinds carried in-stream with data entries.
type Kind uint8

const (
	KindSnapshotRequest Kind = iota + 1
	KindSnapshotResponse
	KindSnapshotComplete
	KindSubscriptionProgress
)

func (k Kind) String() string {
	switch k {
	case KindSnapshotRequest:
		return "snapshot_request"
	case KindSnapshotResponse:
		return "snapshot_response"
	case KindSnapshotComplete:
		return "snapshot_complete"
	case KindSubscriptionProgress:
		return "subscription_progress"
	default:
		return "unknown"
	}
}

// Marker is a control message embedded in the log. It is ordered exactly
// like data in the log it is embedded in and filtered out before application
// delivery.
type Marker struct {
	Kind       Kind
	SnapshotID uuid.UUID // zero for subscription progress
	Origin     string    // region that wrote the marker

	// Position is the responder's local position for SnapshotResponse and
	// the translated target position for SubscriptionProgress.
	Position logstorage.Position

	// Positions is the full region -> position cut, set for
	// SnapshotComplete only.
	Positions map[string]logstorage.Position

	// Subscription and TargetRegion are set for SubscriptionProgress only.
	Subscription string
	TargetRegion string
}

// NewSnapshotRequest builds the marker that starts a snapshot attempt.
func NewSnapshotRequest(id uuid.UUID, origin string) Marker {
	return Marker{Kind: KindSnapshotRequest, SnapshotID: id, Origin: origin}
}

// NewSnapshotResponse builds a responder's answer carrying its local
// position at the point the request was observed.
func NewSnapshotResponse(id uuid.UUID, origin string, pos logstorage.Position) Marker {
	return Marker{Kind: KindSnapshotResponse, SnapshotID: id, Origin: origin, Position: pos}
}

// NewSnapshotComplete builds the marker that publishes a completed cut to
// all regions.
func NewSnapshotComplete(id uuid.UUID, origin string, positions map[string]logstorage.Position) Marker {
	return Marker{Kind: KindSnapshotComplete, SnapshotID: id, Origin: origin, Positions: positions}
}

// NewSubscriptionProgress builds the marker that carries translated
// acknowledgment progress toward one target region.
func NewSubscriptionProgress(origin, subscription, targetRegion string, pos logstorage.Position) Marker {
	return Marker{
		Kind:         KindSubscriptionProgress,
		Origin:       origin,
		Subscription: subscription,
		TargetRegion: targetRegion,
		Position:     pos,
	}
}

// Protobuf wire field numbers for the marker body.
const (
	fieldKind         = 1
	fieldSnapshotID   = 2
	fieldOrigin       = 3
	fieldSubscription = 4
	fieldTargetRegion = 5
	fieldPosition     = 6
	fieldPositions    = 7

	posFieldSegment = 1
	posFieldOffset  = 2

	cutFieldRegion   = 1
	cutFieldPosition = 2
)

func appendPosition(buf []byte, p logstorage.Position) []byte {
	var body []byte
	body = protowire.AppendTag(body, posFieldSegment, protowire.VarintType)
	body = protowire.AppendVarint(body, p.Segment)
	body = protowire.AppendTag(body, posFieldOffset, protowire.VarintType)
	body = protowire.AppendVarint(body, p.Offset)
	return protowire.AppendBytes(buf, body)
}

func parsePosition(body []byte) (logstorage.Position, error) {
	var p logstorage.Position
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		body = body[n:]
		if typ != protowire.VarintType {
			return p, fmt.Errorf("%w: unexpected wire type %d in position", ErrInvalidMarker, typ)
		}
		v, n := protowire.ConsumeVarint(body)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		body = body[n:]
		switch num {
		case posFieldSegment:
			p.Segment = v
		case posFieldOffset:
			p.Offset = v
		}
	}
	return p, nil
}

// EncodeMarker serializes a marker to its protobuf wire representation.
func EncodeMarker(m Marker) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Kind))
	if m.SnapshotID != uuid.Nil {
		buf = protowire.AppendTag(buf, fieldSnapshotID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.SnapshotID[:])
	}
	buf = protowire.AppendTag(buf, fieldOrigin, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Origin)
	if m.Subscription != "" {
		buf = protowire.AppendTag(buf, fieldSubscription, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Subscription)
	}
	if m.TargetRegion != "" {
		buf = protowire.AppendTag(buf, fieldTargetRegion, protowire.BytesType)
		buf = protowire.AppendString(buf, m.TargetRegion)
	}
	switch m.Kind {
	case KindSnapshotResponse, KindSubscriptionProgress:
		buf = protowire.AppendTag(buf, fieldPosition, protowire.BytesType)
		buf = appendPosition(buf, m.Position)
	case KindSnapshotComplete:
		for _, region := range sortedRegions(m.Positions) {
			var cut []byte
			cut = protowire.AppendTag(cut, cutFieldRegion, protowire.BytesType)
			cut = protowire.AppendString(cut, region)
			cut = protowire.AppendTag(cut, cutFieldPosition, protowire.BytesType)
			cut = appendPosition(cut, m.Positions[region])
			buf = protowire.AppendTag(buf, fieldPositions, protowire.BytesType)
			buf = protowire.AppendBytes(buf, cut)
		}
	}
	return buf
}

// DecodeMarker parses a marker body produced by EncodeMarker.
func DecodeMarker(data []byte) (Marker, error) {
	var m Marker
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			data = data[n:]
			if num == fieldKind {
				m.Kind = Kind(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldSnapshotID:
				if len(v) != 16 {
					return m, fmt.Errorf("%w: snapshot id must be 16 bytes, got %d", ErrInvalidMarker, len(v))
				}
				copy(m.SnapshotID[:], v)
			case fieldOrigin:
				m.Origin = string(v)
			case fieldSubscription:
				m.Subscription = string(v)
			case fieldTargetRegion:
				m.TargetRegion = string(v)
			case fieldPosition:
				pos, err := parsePosition(v)
				if err != nil {
					return m, err
				}
				m.Position = pos
			case fieldPositions:
				region, pos, err := parseCutEntry(v)
				if err != nil {
					return m, err
				}
				if m.Positions == nil {
					m.Positions = make(map[string]logstorage.Position)
				}
				m.Positions[region] = pos
			}
		default:
			return m, fmt.Errorf("%w: unexpected wire type %d", ErrInvalidMarker, typ)
		}
	}
	if m.Kind < KindSnapshotRequest || m.Kind > KindSubscriptionProgress {
		return m, fmt.Errorf("%w: unknown kind %d", ErrInvalidMarker, m.Kind)
	}
	if m.Origin == "" {
		return m, fmt.Errorf("%w: missing origin", ErrInvalidMarker)
	}
	return m, nil
}

func parseCutEntry(body []byte) (string, logstorage.Position, error) {
	var region string
	var pos logstorage.Position
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return "", pos, protowire.ParseError(n)
		}
		body = body[n:]
		if typ != protowire.BytesType {
			return "", pos, fmt.Errorf("%w: unexpected wire type %d in cut entry", ErrInvalidMarker, typ)
		}
		v, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return "", pos, protowire.ParseError(n)
		}
		body = body[n:]
		switch num {
		case cutFieldRegion:
			region = string(v)
		case cutFieldPosition:
			p, err := parsePosition(v)
			if err != nil {
				return "", pos, err
			}
			pos = p
		}
	}
	if region == "" {
		return "", pos, fmt.Errorf("%w: cut entry missing region", ErrInvalidMarker)
	}
	return region, pos, nil
}

// MarkerEntry wraps a marker into a flagged log entry ready for append.
func MarkerEntry(m Marker) logstorage.Entry {
	return logstorage.Entry{
		Origin:  m.Origin,
		Flags:   logstorage.FlagMarker,
		Payload: EncodeMarker(m),
	}
}
