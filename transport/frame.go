// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries replication batches between regions over TCP or
// WebSocket connections.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/absmach/geoflux/internal/bufpool"
	"github.com/absmach/geoflux/logstorage"
	"github.com/klauspost/compress/s2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format constants.
const (
	frameMagic   uint32 = 0x47464C58 // "GFLX"
	frameVersion byte   = 1

	// MaxFrameSize bounds a single replication frame on the wire.
	MaxFrameSize = 16 << 20
)

// Frame types.
const (
	FrameBatch byte = iota + 1
	FrameAck
)

// Transport errors.
var (
	ErrBadFrame      = errors.New("malformed frame")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrRemoteFailed  = errors.New("remote failed to apply batch")
)

// WriteFrame writes one framed payload: magic, version, type and a
// length-prefixed body. The frame is assembled in a pooled buffer and sent
// in a single write.
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var header [10]byte
	binary.BigEndian.PutUint32(header[0:4], frameMagic)
	header[4] = frameVersion
	header[5] = typ
	binary.BigEndian.PutUint32(header[6:10], uint32(len(payload)))

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	buf.Write(header[:])
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one framed payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 10)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	if binary.BigEndian.Uint32(header[0:4]) != frameMagic {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}
	if header[4] != frameVersion {
		return 0, nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, header[4])
	}
	typ := header[5]
	size := binary.BigEndian.Uint32(header[6:10])
	if size > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

// Batch body field numbers.
const (
	batchFieldPartition = 1
	batchFieldEntry     = 2

	entryFieldOrigin  = 1
	entryFieldFlags   = 2
	entryFieldPayload = 3
)

// EncodeBatch serializes a replication batch and compresses it. Positions
// are not carried: the receiving region assigns its own on append.
func EncodeBatch(partition string, entries []logstorage.Entry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, batchFieldPartition, protowire.BytesType)
	buf = protowire.AppendString(buf, partition)
	for _, e := range entries {
		var body []byte
		body = protowire.AppendTag(body, entryFieldOrigin, protowire.BytesType)
		body = protowire.AppendString(body, e.Origin)
		if e.Flags != 0 {
			body = protowire.AppendTag(body, entryFieldFlags, protowire.VarintType)
			body = protowire.AppendVarint(body, uint64(e.Flags))
		}
		body = protowire.AppendTag(body, entryFieldPayload, protowire.BytesType)
		body = protowire.AppendBytes(body, e.Payload)
		buf = protowire.AppendTag(buf, batchFieldEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	return s2.Encode(nil, buf)
}

// DecodeBatch decompresses and parses a replication batch.
func DecodeBatch(data []byte) (string, []logstorage.Entry, error) {
	buf, err := s2.Decode(nil, data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrBadFrame, err)
	}

	var partition string
	var entries []logstorage.Entry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %s", ErrBadFrame, protowire.ParseError(n))
		}
		buf = buf[n:]
		if typ != protowire.BytesType {
			return "", nil, fmt.Errorf("%w: unexpected wire type %d", ErrBadFrame, typ)
		}
		v, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %s", ErrBadFrame, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case batchFieldPartition:
			partition = string(v)
		case batchFieldEntry:
			e, err := decodeBatchEntry(v)
			if err != nil {
				return "", nil, err
			}
			entries = append(entries, e)
		}
	}
	if partition == "" {
		return "", nil, fmt.Errorf("%w: missing partition", ErrBadFrame)
	}
	return partition, entries, nil
}

func decodeBatchEntry(body []byte) (logstorage.Entry, error) {
	var e logstorage.Entry
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return e, fmt.Errorf("%w: %s", ErrBadFrame, protowire.ParseError(n))
		}
		body = body[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return e, fmt.Errorf("%w: %s", ErrBadFrame, protowire.ParseError(n))
			}
			body = body[n:]
			if num == entryFieldFlags {
				e.Flags = logstorage.Flags(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return e, fmt.Errorf("%w: %s", ErrBadFrame, protowire.ParseError(n))
			}
			body = body[n:]
			switch num {
			case entryFieldOrigin:
				e.Origin = string(v)
			case entryFieldPayload:
				e.Payload = append([]byte(nil), v...)
			}
		default:
			return e, fmt.Errorf("%w: unexpected wire type %d", ErrBadFrame, typ)
		}
	}
	if e.Origin == "" {
		return e, fmt.Errorf("%w: entry missing origin", ErrBadFrame)
	}
	return e, nil
}

// EncodeAck serializes an apply acknowledgment; a nil error means success.
func EncodeAck(applyErr error) []byte {
	if applyErr == nil {
		return []byte{0}
	}
	return append([]byte{1}, applyErr.Error()...)
}

// DecodeAck parses an apply acknowledgment.
func DecodeAck(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty ack", ErrBadFrame)
	}
	if payload[0] == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRemoteFailed, string(payload[1:]))
}
