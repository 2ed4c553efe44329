package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func requireSameFrame(t *testing.T, payload []byte, aux [][]byte, gotPayload []byte, gotAux [][]byte) {
	t.Helper()
	require.True(t, bytes.Equal(payload, gotPayload), "payload differs: %q != %q", payload, gotPayload)
	require.Len(t, gotAux, len(aux))
	for i := range aux {
		require.True(t, bytes.Equal(aux[i], gotAux[i]), "aux buffer %d differs", i)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	cases := map[string]struct {
		payload []byte
		aux     [][]byte
	}{
		"empty payload and no aux":   {payload: nil, aux: nil},
		"payload only":               {payload: []byte("hello"), aux: nil},
		"payload with aux":           {payload: []byte("req"), aux: [][]byte{[]byte("a"), []byte("bcd")}},
		"empty aux buffers are kept": {payload: []byte("x"), aux: [][]byte{{}, []byte("y"), {}}},
		"binary data": {
			payload: []byte{0x00, 0xff, 0x80, 0x7f},
			aux:     [][]byte{bytes.Repeat([]byte{0xaa}, 1<<16)},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			frame := Serialize(tc.payload, tc.aux)
			require.Len(t, frame, Size(tc.payload, tc.aux))

			payload, aux, err := Deserialize(frame)
			require.NoError(t, err)
			requireSameFrame(t, tc.payload, tc.aux, payload, aux)
		})
	}
}

func TestFrame_AppendKeepsPrefix(t *testing.T) {
	prefix := []byte("prefix")
	b := AppendFrame(append([]byte{}, prefix...), []byte("p"), nil)
	require.Equal(t, prefix, b[:len(prefix)])

	payload, aux, err := Deserialize(b[len(prefix):])
	require.NoError(t, err)
	requireSameFrame(t, []byte("p"), nil, payload, aux)
}

func TestFrame_Malformed(t *testing.T) {
	valid := Serialize([]byte("payload"), [][]byte{[]byte("aux")})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := Deserialize(valid[:len(valid)-1])
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("missing header", func(t *testing.T) {
		_, _, err := Deserialize(nil)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("count mismatch", func(t *testing.T) {
		b := protowire.AppendTag(nil, fieldAuxCount, protowire.VarintType)
		b = protowire.AppendVarint(b, 2)
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte("p"))
		b = protowire.AppendTag(b, fieldAux, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte("only one"))
		_, _, err := Deserialize(b)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("unknown field", func(t *testing.T) {
		b := append([]byte{}, valid...)
		b = protowire.AppendTag(b, 42, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
		_, _, err := Deserialize(b)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestPreamble(t *testing.T) {
	p := Preamble{SenderRank: 3, PayloadLength: 1024, TypeCode: 2, RequestID: 1 << 40}
	buf := p.Encode()
	require.Len(t, buf, PreambleSize)

	decoded, err := DecodePreamble(buf)
	require.NoError(t, err)
	require.Equal(t, p, decoded)

	_, err = DecodePreamble(buf[:PreambleSize-1])
	require.ErrorIs(t, err, ErrMalformedPreamble)

	_, err = DecodePreamble(Preamble{SenderRank: -1}.Encode())
	require.ErrorIs(t, err, ErrMalformedPreamble)
}
