// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"fmt"
	"io"
)

// chunkedState is the position of a [ChunkedDecoder] in the wire format.
type chunkedState uint8

const (
	chunkedSize chunkedState = iota
	chunkedExtension
	chunkedSizeLF
	chunkedData
	chunkedDataCR
	chunkedDataLF
	chunkedTrailer
	chunkedTrailerLine
	chunkedTrailerLF
	chunkedDone
)

// String returns the name used in [*ChunkFramingError].
func (st chunkedState) String() string {
	switch st {
	case chunkedSize:
		return "chunk size"
	case chunkedExtension:
		return "chunk extension"
	case chunkedSizeLF:
		return "chunk size line feed"
	case chunkedData:
		return "chunk data"
	case chunkedDataCR:
		return "chunk data terminator"
	case chunkedDataLF:
		return "chunk data line feed"
	case chunkedTrailer:
		return "trailer"
	case chunkedTrailerLine:
		return "trailer line"
	case chunkedTrailerLF:
		return "trailer line feed"
	default:
		return "end of body"
	}
}

// maxChunkSize bounds the size of a single chunk.
const maxChunkSize = 1 << 48

// ChunkedDecoder removes chunked transfer encoding framing from a byte stream.
//
// The decoder is incremental: feed it any split of the input and it picks up
// where it left off. Chunk extensions and trailer lines are discarded. The zero
// value is ready to use.
type ChunkedDecoder struct {
	state  chunkedState
	size   uint64
	digits int
	err    error
}

// Decode consumes framing and payload from src and copies the payload to dst.
//
// It returns the number of payload bytes written to dst and the number of
// bytes consumed from src. Decode stops when src is exhausted, when dst is
// full, or when the body is complete. Once [*ChunkedDecoder.EOD] is true,
// Decode consumes nothing until [*ChunkedDecoder.Reset]. Malformed framing
// fails with a [*ChunkFramingError] naming the offending byte; the error is
// sticky.
func (d *ChunkedDecoder) Decode(dst, src []byte) (nDst, nSrc int, err error) {
	if d.err != nil {
		return 0, 0, d.err
	}
	for nSrc < len(src) && d.state != chunkedDone {
		if d.state == chunkedData {
			if nDst >= len(dst) {
				break
			}
			count := min(uint64(len(src)-nSrc), uint64(len(dst)-nDst), d.size)
			copy(dst[nDst:], src[nSrc:nSrc+int(count)])
			nDst += int(count)
			nSrc += int(count)
			d.size -= count
			if d.size == 0 {
				d.state = chunkedDataCR
			}
			continue
		}
		if err := d.frame(src[nSrc]); err != nil {
			d.err = err
			return nDst, nSrc, err
		}
		nSrc++
	}
	return nDst, nSrc, nil
}

// frame advances the state machine by one framing byte.
func (d *ChunkedDecoder) frame(ch byte) error {
	switch d.state {
	case chunkedSize:
		if value, ok := hexValue(ch); ok {
			if d.size > maxChunkSize>>4 {
				return d.framingError(ch)
			}
			d.size = d.size<<4 | uint64(value)
			d.digits++
			return nil
		}
		if d.digits <= 0 {
			return d.framingError(ch)
		}
		switch {
		case ch == '\r':
			d.state = chunkedSizeLF
		case ch == '\n':
			d.endSizeLine()
		case ch == ';' || ch == ' ' || ch == '\t':
			d.state = chunkedExtension
		default:
			return d.framingError(ch)
		}

	case chunkedExtension:
		switch {
		case ch == '\r':
			d.state = chunkedSizeLF
		case ch == '\n':
			d.endSizeLine()
		case ch == '\t' || (ch >= 0x20 && ch != 0x7f):
			// discarded
		default:
			return d.framingError(ch)
		}

	case chunkedSizeLF:
		if ch != '\n' {
			return d.framingError(ch)
		}
		d.endSizeLine()

	case chunkedDataCR:
		switch ch {
		case '\r':
			d.state = chunkedDataLF
		case '\n':
			d.nextChunk()
		default:
			return d.framingError(ch)
		}

	case chunkedDataLF:
		if ch != '\n' {
			return d.framingError(ch)
		}
		d.nextChunk()

	case chunkedTrailer:
		switch ch {
		case '\r':
			d.state = chunkedTrailerLF
		case '\n':
			d.state = chunkedDone
		default:
			d.state = chunkedTrailerLine
		}

	case chunkedTrailerLine:
		if ch == '\n' {
			d.state = chunkedTrailer
		}

	case chunkedTrailerLF:
		if ch != '\n' {
			return d.framingError(ch)
		}
		d.state = chunkedDone
	}
	return nil
}

func (d *ChunkedDecoder) endSizeLine() {
	if d.size == 0 {
		d.state = chunkedTrailer
		return
	}
	d.state = chunkedData
}

func (d *ChunkedDecoder) nextChunk() {
	d.state, d.size, d.digits = chunkedSize, 0, 0
}

func (d *ChunkedDecoder) framingError(ch byte) error {
	return &ChunkFramingError{Byte: ch, State: d.state.String()}
}

// EOD reports whether the terminating chunk and trailers have been consumed.
func (d *ChunkedDecoder) EOD() bool {
	return d.state == chunkedDone
}

// Reset prepares the decoder for another body on the same stream.
func (d *ChunkedDecoder) Reset() {
	*d = ChunkedDecoder{}
}

func hexValue(ch byte) (byte, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return ch - '0', true
	case ch >= 'a' && ch <= 'f':
		return ch - 'a' + 10, true
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10, true
	default:
		return 0, false
	}
}

// ChunkedReader is an [io.Reader] returning the payload of a chunked body.
//
// Construct using [NewChunkedReader].
type ChunkedReader struct {
	buf     []byte
	decoder ChunkedDecoder
	off     int
	end     int
	src     io.Reader
}

// NewChunkedReader returns a [*ChunkedReader] decoding the body read from src.
func NewChunkedReader(src io.Reader) *ChunkedReader {
	return &ChunkedReader{buf: make([]byte, 4096), src: src}
}

var _ io.Reader = &ChunkedReader{}

// Read implements [io.Reader].
//
// Read returns [io.EOF] after the last chunk and the trailers. A source that
// ends before that yields [io.ErrUnexpectedEOF].
func (r *ChunkedReader) Read(buf []byte) (int, error) {
	for {
		if r.decoder.EOD() {
			return 0, io.EOF
		}
		if r.off < r.end {
			nDst, nSrc, err := r.decoder.Decode(buf, r.buf[r.off:r.end])
			r.off += nSrc
			if nDst > 0 || err != nil || len(buf) <= 0 {
				return nDst, err
			}
			continue
		}
		count, err := r.src.Read(r.buf)
		r.off, r.end = 0, count
		if count > 0 {
			continue
		}
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		if err != nil {
			return 0, err
		}
	}
}

// Buffered returns the bytes read from the source past the end of the body.
func (r *ChunkedReader) Buffered() []byte {
	return r.buf[r.off:r.end]
}

// ChunkedWriter emits chunked transfer encoding framing around the
// data written to it.
//
// Construct using [NewChunkedWriter].
type ChunkedWriter struct {
	closed bool
	dst    io.Writer
}

// NewChunkedWriter returns a [*ChunkedWriter] writing to dst.
func NewChunkedWriter(dst io.Writer) *ChunkedWriter {
	return &ChunkedWriter{dst: dst}
}

var _ io.WriteCloser = &ChunkedWriter{}

// Write implements [io.Writer] emitting data as a single chunk.
//
// Empty writes emit nothing, since a zero-size chunk ends the body.
func (w *ChunkedWriter) Write(data []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if len(data) <= 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(w.dst, "%x\r\n", len(data)); err != nil {
		return 0, err
	}
	count, err := w.dst.Write(data)
	if err != nil {
		return count, err
	}
	if _, err := io.WriteString(w.dst, "\r\n"); err != nil {
		return count, err
	}
	return count, nil
}

// Close writes the terminating zero-size chunk without trailers.
//
// It does not close the underlying writer.
func (w *ChunkedWriter) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	_, err := io.WriteString(w.dst, "0\r\n\r\n")
	return err
}
