// Package tinycompress writes zlib streams made of stored DEFLATE blocks.
// The output is uncompressed but readable by any zlib decoder, and the
// writer never allocates after construction, so it also runs on TinyGo.
package tinycompress

import (
	"errors"
	"hash"
	"hash/adler32"
	"io"
)

// maxBlock is the largest payload of one stored block
const maxBlock = 0xFFFF

var ErrClosed = errors.New("tinycompress: write after close")

// Writer buffers everything written to it and emits the zlib stream on Close
type Writer struct {
	output   io.Writer
	inputBuf []byte
	adler    hash.Hash32
	closed   bool
}

// NewWriter returns a Writer with room for sizeHint bytes before it grows
func NewWriter(w io.Writer, sizeHint int) *Writer {
	return &Writer{
		output:   w,
		inputBuf: make([]byte, 0, sizeHint),
		adler:    adler32.New(),
	}
}

// Write implements io.Writer
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.inputBuf = append(w.inputBuf, p...)
	w.adler.Write(p)
	return len(p), nil
}

// Close writes the header, the stored blocks and the Adler-32 trailer
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if _, err := w.output.Write([]byte{0x78, 0x01}); err != nil {
		return err
	}

	data := w.inputBuf
	for {
		n := len(data)
		final := byte(1)
		if n > maxBlock {
			n = maxBlock
			final = 0
		}
		length := uint16(n)
		nlength := ^length
		header := []byte{final, byte(length), byte(length >> 8), byte(nlength), byte(nlength >> 8)}
		if _, err := w.output.Write(header); err != nil {
			return err
		}
		if _, err := w.output.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if final == 1 {
			break
		}
	}

	sum := w.adler.Sum32()
	_, err := w.output.Write([]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})
	return err
}

// Compress returns data wrapped in a zlib stream
func Compress(data []byte) []byte {
	var out sliceWriter
	w := NewWriter(&out, len(data))
	w.Write(data)
	w.Close()
	return out
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}
