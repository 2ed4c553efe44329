package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PreambleSize is the fixed size of an encoded `Preamble`: four
// little-endian 64-bit words.
const PreambleSize = 4 * 8

// Preamble is sent ahead of every frame so the receiver knows who is
// talking, how many bytes to expect and how to interpret them.
type Preamble struct {
	SenderRank    int64
	PayloadLength int64
	TypeCode      int64
	RequestID     int64
}

// AppendTo appends the encoded preamble to b.
func (p Preamble) AppendTo(b []byte) []byte {
	b = protowire.AppendFixed64(b, uint64(p.SenderRank))
	b = protowire.AppendFixed64(b, uint64(p.PayloadLength))
	b = protowire.AppendFixed64(b, uint64(p.TypeCode))
	return protowire.AppendFixed64(b, uint64(p.RequestID))
}

// Encode returns a fresh `PreambleSize` buffer.
func (p Preamble) Encode() []byte {
	return p.AppendTo(make([]byte, 0, PreambleSize))
}

// DecodePreamble reads a preamble, it only validates the size and the
// sign of the length and rank, interpreting the type is up to the caller.
func DecodePreamble(b []byte) (p Preamble, err error) {
	if len(b) != PreambleSize {
		return p, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedPreamble, PreambleSize, len(b))
	}

	words := [4]int64{}
	for i := range words {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return p, fmt.Errorf("%w: %w", ErrMalformedPreamble, protowire.ParseError(n))
		}
		words[i] = int64(v)
		b = b[n:]
	}

	p = Preamble{
		SenderRank:    words[0],
		PayloadLength: words[1],
		TypeCode:      words[2],
		RequestID:     words[3],
	}

	if p.SenderRank < 0 || p.PayloadLength < 0 {
		return p, fmt.Errorf("%w: negative rank or length", ErrMalformedPreamble)
	}
	return p, nil
}
