package streams

import (
	"encoding/hex"
	"hash"
)

// HashWriter accumulates a digest of every chunk fed to it. It is attached
// to a stream as a side-channel so end-to-end checksums come for free while
// bytes flow to a backend.
type HashWriter struct {
	name string
	h    hash.Hash
}

// NewHashWriter builds a side-channel writer for the given algorithm.
func NewHashWriter(name string, algo func() hash.Hash) *HashWriter {
	return &HashWriter{name: name, h: algo()}
}

// Name identifies the algorithm ("md5", "sha256", ...).
func (w *HashWriter) Name() string { return w.name }

func (w *HashWriter) Write(p []byte) (int, error) { return w.h.Write(p) }

// HexDigest is the hex digest of everything written so far. Meaningful
// once the attached stream reports AtEOF.
func (w *HashWriter) HexDigest() string { return hex.EncodeToString(w.h.Sum(nil)) }

// Digest is the raw digest of everything written so far.
func (w *HashWriter) Digest() []byte { return w.h.Sum(nil) }

// Hashed wraps a stream and feeds every chunk read from it to one or more
// HashWriters.
type Hashed struct {
	Stream
	writers map[string]*HashWriter
}

// NewHashed attaches side-channel writers to a stream.
func NewHashed(inner Stream, writers ...*HashWriter) *Hashed {
	m := make(map[string]*HashWriter, len(writers))
	for _, w := range writers {
		m[w.Name()] = w
	}
	return &Hashed{Stream: inner, writers: m}
}

func (h *Hashed) Read(p []byte) (int, error) {
	n, err := h.Stream.Read(p)
	if n > 0 {
		for _, w := range h.writers {
			_, _ = w.Write(p[:n])
		}
	}
	return n, err
}

// Writer returns the side-channel writer registered under name, or nil.
func (h *Hashed) Writer(name string) *HashWriter { return h.writers[name] }

// Close closes the inner stream.
func (h *Hashed) Close() error { return Close(h.Stream) }
