// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logstorage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Entry format version.
const EntryVersion uint8 = 1

// crcTable uses the Castagnoli polynomial, same as Kafka and the segment
// store.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Flags carries entry metadata bits.
type Flags uint8

const (
	// FlagMarker tags a replication control entry. Marker entries travel
	// in-stream with data but are filtered out of every consumer-visible
	// path.
	FlagMarker Flags = 1 << 0
)

// Entry is one record in a partition log. Position is assigned by the log on
// append; Origin names the region that first produced the entry and is
// preserved when the entry is mirrored.
type Entry struct {
	Position Position
	Origin   string
	Flags    Flags
	Payload  []byte
}

// IsMarker reports whether the entry is a replication control marker.
func (e *Entry) IsMarker() bool {
	return e.Flags&FlagMarker != 0
}

// EncodeEntry serializes an entry body (everything except the position,
// which is storage-assigned) with a trailing CRC32-C.
func EncodeEntry(e Entry) []byte {
	size := 2 + // version, flags
		binary.MaxVarintLen64 + len(e.Origin) +
		binary.MaxVarintLen64 + len(e.Payload) +
		4 // crc
	buf := make([]byte, 0, size)

	buf = append(buf, EntryVersion, byte(e.Flags))
	buf = binary.AppendUvarint(buf, uint64(len(e.Origin)))
	buf = append(buf, e.Origin...)
	buf = binary.AppendUvarint(buf, uint64(len(e.Payload)))
	buf = append(buf, e.Payload...)

	crc := crc32.Checksum(buf, crcTable)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf
}

// DecodeEntry deserializes an entry body produced by EncodeEntry.
func DecodeEntry(data []byte) (Entry, error) {
	var e Entry
	if len(data) < 2+4 {
		return e, fmt.Errorf("%w: entry too short (%d bytes)", ErrCorrupted, len(data))
	}

	body, crcBytes := data[:len(data)-4], data[len(data)-4:]
	if crc := crc32.Checksum(body, crcTable); crc != binary.LittleEndian.Uint32(crcBytes) {
		return e, fmt.Errorf("%w: entry CRC mismatch", ErrCorrupted)
	}

	if body[0] > EntryVersion {
		return e, fmt.Errorf("%w: unsupported entry version %d", ErrCorrupted, body[0])
	}
	e.Flags = Flags(body[1])
	rest := body[2:]

	originLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < originLen {
		return e, fmt.Errorf("%w: truncated origin", ErrCorrupted)
	}
	rest = rest[n:]
	e.Origin = string(rest[:originLen])
	rest = rest[originLen:]

	payloadLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < payloadLen {
		return e, fmt.Errorf("%w: truncated payload", ErrCorrupted)
	}
	rest = rest[n:]
	if payloadLen > 0 {
		e.Payload = append([]byte(nil), rest[:payloadLen]...)
	}

	return e, nil
}
