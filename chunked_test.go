// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeAll feeds input to a fresh decoder in slices of the given size.
func decodeAll(t *testing.T, input string, step int) (string, *ChunkedDecoder, error) {
	t.Helper()
	var (
		dec ChunkedDecoder
		out bytes.Buffer
		buf = make([]byte, 3)
		src = []byte(input)
	)
	for len(src) > 0 && !dec.EOD() {
		piece := src[:min(step, len(src))]
		for len(piece) > 0 && !dec.EOD() {
			nDst, nSrc, err := dec.Decode(buf, piece)
			out.Write(buf[:nDst])
			if err != nil {
				return out.String(), &dec, err
			}
			piece = piece[nSrc:]
			src = src[nSrc:]
		}
	}
	return out.String(), &dec, nil
}

func TestChunkedDecoderValid(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{{
		name:  "wikipedia example",
		input: "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n",
		want:  "Wikipedia",
	}, {
		name:  "bare line feeds",
		input: "4\nWiki\n5\npedia\n0\n\n",
		want:  "Wikipedia",
	}, {
		name:  "extensions are discarded",
		input: "4;name=value\r\nWiki\r\n5 ; x=\"y\"\r\npedia\r\n0;last\r\n\r\n",
		want:  "Wikipedia",
	}, {
		name:  "uppercase and lowercase hex",
		input: "A\r\n0123456789\r\nb\r\nabcdefghijk\r\n0\r\n\r\n",
		want:  "0123456789abcdefghijk",
	}, {
		name:  "trailers are consumed",
		input: "3\r\nabc\r\n0\r\nExpires: never\r\nX-Foo: bar\r\n\r\n",
		want:  "abc",
	}, {
		name:  "leading zeroes",
		input: "0003\r\nabc\r\n0\r\n\r\n",
		want:  "abc",
	}, {
		name:  "empty body",
		input: "0\r\n\r\n",
		want:  "",
	}}

	for _, tc := range cases {
		for _, step := range []int{1, 2, 7, len(tc.input)} {
			t.Run(tc.name, func(t *testing.T) {
				got, dec, err := decodeAll(t, tc.input, step)
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
				assert.True(t, dec.EOD())
			})
		}
	}
}

func TestChunkedDecoderInvalid(t *testing.T) {
	cases := []struct {
		name  string
		input string
		byte  byte
	}{{
		name:  "non hex size",
		input: "zz\r\n",
		byte:  'z',
	}, {
		name:  "garbage after size",
		input: "4x\r\n",
		byte:  'x',
	}, {
		name:  "missing data terminator",
		input: "4\r\nWikiX",
		byte:  'X',
	}, {
		name:  "CR not followed by LF",
		input: "4\r\rWiki",
		byte:  '\r',
	}, {
		name:  "control byte in extension",
		input: "4;\x01\r\n",
		byte:  0x01,
	}, {
		name:  "oversized chunk",
		input: "10000000000000\r\n",
		byte:  '0',
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, dec, err := decodeAll(t, tc.input, len(tc.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidChunkFraming)
			var framing *ChunkFramingError
			require.True(t, errors.As(err, &framing))
			assert.Equal(t, tc.byte, framing.Byte)

			// the error is sticky
			_, _, err2 := dec.Decode(make([]byte, 8), []byte("0\r\n\r\n"))
			assert.Equal(t, err, err2)
		})
	}
}

// After the end of the body nothing is consumed until Reset.
func TestChunkedDecoderDoneAndReset(t *testing.T) {
	var dec ChunkedDecoder
	buf := make([]byte, 16)
	input := []byte("0\r\n\r\n3\r\nabc\r\n0\r\n\r\n")

	nDst, nSrc, err := dec.Decode(buf, input)
	require.NoError(t, err)
	assert.Equal(t, 0, nDst)
	assert.Equal(t, 5, nSrc)
	assert.True(t, dec.EOD())

	nDst, nSrc, err = dec.Decode(buf, input[5:])
	require.NoError(t, err)
	assert.Equal(t, 0, nDst)
	assert.Equal(t, 0, nSrc)

	dec.Reset()
	assert.False(t, dec.EOD())
	nDst, nSrc, err = dec.Decode(buf, input[5:])
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:nDst]))
	assert.Equal(t, len(input)-5, nSrc)
	assert.True(t, dec.EOD())
}

// The decoder does not overrun the destination buffer.
func TestChunkedDecoderShortDestination(t *testing.T) {
	var dec ChunkedDecoder
	src := []byte("a\r\n0123456789\r\n0\r\n\r\n")
	buf := make([]byte, 4)

	nDst, nSrc, err := dec.Decode(buf, src)
	require.NoError(t, err)
	assert.Equal(t, 4, nDst)
	assert.Equal(t, "0123", string(buf))
	assert.Equal(t, 7, nSrc)
	assert.False(t, dec.EOD())
}

// Decoding reconstructs what the reference encoder produced.
func TestChunkedRoundTrip(t *testing.T) {
	payloads := [][]string{
		{"hello"},
		{"a", "bc", "def", strings.Repeat("x", 4096)},
		{strings.Repeat("0123456789abcdef", 1000)},
		{},
	}
	for _, chunks := range payloads {
		var wire bytes.Buffer
		w := NewChunkedWriter(&wire)
		for _, chunk := range chunks {
			_, err := w.Write([]byte(chunk))
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())

		got, err := io.ReadAll(NewChunkedReader(&wire))
		require.NoError(t, err)
		assert.Equal(t, strings.Join(chunks, ""), string(got))
	}
}

// Bytes following the body remain available to the caller.
func TestChunkedReaderBuffered(t *testing.T) {
	r := NewChunkedReader(strings.NewReader("3\r\nabc\r\n0\r\n\r\nHTTP/1.1 200 OK\r\n"))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", string(r.Buffered()))
}

// A body cut short is an unexpected EOF.
func TestChunkedReaderTruncated(t *testing.T) {
	_, err := io.ReadAll(NewChunkedReader(strings.NewReader("4\r\nWi")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChunkedWriterClosed(t *testing.T) {
	var wire bytes.Buffer
	w := NewChunkedWriter(&wire)
	require.NoError(t, w.Close())
	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Close(), ErrClosed)
	assert.Equal(t, "0\r\n\r\n", wire.String())
}
