package streams

import (
	"encoding/base64"
	"io"
)

// Base64Encode encodes its inner stream as standard base64. Output is
// correct under arbitrary read sizes, including one byte at a time; the
// reported size is the exact encoded length when the inner size is known.
type Base64Encode struct {
	in   Stream
	size int64
	// raw carries inner bytes not yet forming a full 3-byte group; out
	// carries encoded bytes not yet delivered.
	raw      []byte
	out      []byte
	innerEOF bool
}

// NewBase64Encode wraps a stream with a base64 encoder.
func NewBase64Encode(inner Stream) *Base64Encode {
	size := SizeUnknown
	if n := inner.Size(); n != SizeUnknown {
		size = (n + 2) / 3 * 4
	}
	return &Base64Encode{in: inner, size: size}
}

func (b *Base64Encode) Read(p []byte) (int, error) {
	for len(b.out) == 0 && !b.innerEOF {
		if err := b.fill(len(p)); err != nil {
			return 0, err
		}
	}
	if len(b.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	return n, nil
}

// fill reads a chunk from the inner stream and encodes every complete
// 3-byte group, keeping the remainder for the next round. On inner EOF the
// remainder is encoded with padding.
func (b *Base64Encode) fill(want int) error {
	chunk := want
	if chunk < 3*1024 {
		chunk = 3 * 1024
	}
	buf := make([]byte, chunk)
	n, err := b.in.Read(buf)
	b.raw = append(b.raw, buf[:n]...)
	if err != nil && err != io.EOF {
		return err
	}
	if err == io.EOF {
		b.innerEOF = true
	}

	whole := len(b.raw) / 3 * 3
	if b.innerEOF {
		whole = len(b.raw)
	}
	if whole > 0 {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(whole))
		base64.StdEncoding.Encode(encoded, b.raw[:whole])
		b.out = append(b.out, encoded...)
		b.raw = b.raw[whole:]
	}
	return nil
}

// Size is the exact encoded length, or SizeUnknown.
func (b *Base64Encode) Size() int64 { return b.size }

// AtEOF reports whether all encoded bytes have been delivered.
func (b *Base64Encode) AtEOF() bool {
	return b.innerEOF && len(b.out) == 0 && len(b.raw) == 0
}

// Close closes the inner stream.
func (b *Base64Encode) Close() error { return Close(b.in) }
