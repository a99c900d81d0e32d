// Package streams implements the lazy byte pipeline that moves file content
// between clients and backends. A Stream is a single-pass pull reader that
// knows its size up front when possible; wrappers transform bytes in flight
// (base64, cutoff windows, zip assembly, hashing) without ever buffering a
// whole file.
package streams

import (
	"bytes"
	"io"
)

// SizeUnknown is reported by streams whose length is not known until they
// are drained.
const SizeUnknown int64 = -1

// Stream is a lazy byte producer. Streams are single-pass and belong to
// exactly one consumer; wrappers take ownership of their inner stream.
type Stream interface {
	io.Reader
	// Size is the total number of bytes the stream will produce, or
	// SizeUnknown.
	Size() int64
	// AtEOF reports whether the stream has been fully drained.
	AtEOF() bool
}

// Closer is implemented by streams holding releasable resources (response
// bodies, file handles). Close the outermost stream when done; wrappers
// propagate.
type Closer interface {
	Close() error
}

// Close releases s if it is closeable.
func Close(s Stream) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Bytes is an in-memory stream.
type Bytes struct {
	r    *bytes.Reader
	size int64
}

// NewBytes wraps a byte slice.
func NewBytes(b []byte) *Bytes {
	return &Bytes{r: bytes.NewReader(b), size: int64(len(b))}
}

// NewString wraps a string.
func NewString(s string) *Bytes {
	return NewBytes([]byte(s))
}

func (b *Bytes) Read(p []byte) (int, error) { return b.r.Read(p) }

// Size returns the payload length.
func (b *Bytes) Size() int64 { return b.size }

// AtEOF reports whether the payload has been consumed.
func (b *Bytes) AtEOF() bool { return b.r.Len() == 0 }

// Multi concatenates streams, draining each in turn. Its size is the sum of
// the inner sizes when all are known.
type Multi struct {
	streams []Stream
	i       int
}

// NewMulti builds a concatenation of streams.
func NewMulti(streams ...Stream) *Multi {
	return &Multi{streams: streams}
}

func (m *Multi) Read(p []byte) (int, error) {
	for m.i < len(m.streams) {
		n, err := m.streams[m.i].Read(p)
		if err == io.EOF {
			m.i++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
	return 0, io.EOF
}

// Size sums the inner sizes, or reports SizeUnknown if any is unknown.
func (m *Multi) Size() int64 {
	var total int64
	for _, s := range m.streams {
		size := s.Size()
		if size == SizeUnknown {
			return SizeUnknown
		}
		total += size
	}
	return total
}

// AtEOF reports whether every inner stream has been drained.
func (m *Multi) AtEOF() bool { return m.i >= len(m.streams) }

// Close closes every inner stream, returning the first error.
func (m *Multi) Close() error {
	var first error
	for _, s := range m.streams {
		if err := Close(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadAll drains a stream into memory. Intended for tests and small
// metadata payloads only.
func ReadAll(s Stream) ([]byte, error) {
	return io.ReadAll(s)
}
