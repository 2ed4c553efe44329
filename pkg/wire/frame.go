// Package wire holds the byte-level formats exchanged between agents:
// the data frame carrying a payload plus its auxiliary buffers, and the
// fixed-size preamble announcing each frame.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedFrame    = errors.New("wire: malformed frame")
	ErrMalformedPreamble = errors.New("wire: malformed preamble")
)

// The frame is a valid protobuf message so it can be inspected with
// standard tooling:
//
//	message Frame {
//	  uint64 aux_count = 1;
//	  bytes payload = 2;
//	  repeated bytes aux = 3;
//	}
const (
	fieldAuxCount protowire.Number = 1
	fieldPayload  protowire.Number = 2
	fieldAux      protowire.Number = 3
)

// Size returns the exact number of bytes `Serialize` produces.
func Size(payload []byte, aux [][]byte) int {
	n := protowire.SizeTag(fieldAuxCount) + protowire.SizeVarint(uint64(len(aux)))
	n += protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(payload))
	for _, buf := range aux {
		n += protowire.SizeTag(fieldAux) + protowire.SizeBytes(len(buf))
	}
	return n
}

// Serialize packs a payload and an ordered list of auxiliary buffers in a
// single contiguous buffer.
func Serialize(payload []byte, aux [][]byte) []byte {
	return AppendFrame(make([]byte, 0, Size(payload, aux)), payload, aux)
}

// AppendFrame is the allocation-free flavour of `Serialize`.
func AppendFrame(b []byte, payload []byte, aux [][]byte) []byte {
	b = protowire.AppendTag(b, fieldAuxCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(aux)))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	for _, buf := range aux {
		b = protowire.AppendTag(b, fieldAux, protowire.BytesType)
		b = protowire.AppendBytes(b, buf)
	}
	return b
}

// Deserialize is the inverse of `Serialize`.
//
// Returned slices alias `frame`: the caller hands over the ownership of
// the buffer.
func Deserialize(frame []byte) (payload []byte, aux [][]byte, err error) {
	var (
		count      uint64
		hasCount   bool
		hasPayload bool
	)

	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		frame = frame[n:]

		switch {
		case num == fieldAuxCount && typ == protowire.VarintType && !hasCount:
			count, n = protowire.ConsumeVarint(frame)
			hasCount = true
		case num == fieldPayload && typ == protowire.BytesType && !hasPayload:
			payload, n = protowire.ConsumeBytes(frame)
			hasPayload = true
		case num == fieldAux && typ == protowire.BytesType:
			var buf []byte
			buf, n = protowire.ConsumeBytes(frame)
			if n >= 0 {
				aux = append(aux, buf)
			}
		default:
			return nil, nil, fmt.Errorf("%w: unexpected field %d of type %d", ErrMalformedFrame, num, typ)
		}

		if n < 0 {
			return nil, nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		frame = frame[n:]
	}

	if !hasCount || !hasPayload {
		return nil, nil, fmt.Errorf("%w: missing header fields", ErrMalformedFrame)
	}

	if count != uint64(len(aux)) {
		return nil, nil, fmt.Errorf(
			"%w: announced %d auxiliary buffers but found %d",
			ErrMalformedFrame, count, len(aux),
		)
	}

	return payload, aux, nil
}
