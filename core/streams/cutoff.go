package streams

import "io"

// Cutoff emits at most cutoff bytes from its inner reader, then EOF. A
// subsequent Cutoff over the same inner reader resumes where the previous
// one stopped, which is how a large inbound stream is split into fixed-size
// chunks for multi-part uploads without buffering.
type Cutoff struct {
	in        io.Reader
	cutoff    int64
	remaining int64
	innerEOF  bool
}

// NewCutoff wraps inner with a byte window of the given size. The wrapper
// reads from inner but never consumes past the window.
func NewCutoff(inner io.Reader, cutoff int64) *Cutoff {
	return &Cutoff{in: inner, cutoff: cutoff, remaining: cutoff}
}

func (c *Cutoff) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.in.Read(p)
	c.remaining -= int64(n)
	if err == io.EOF {
		c.innerEOF = true
		c.remaining = 0
	}
	return n, err
}

// Size is the window length. The stream may produce fewer bytes if the
// inner reader runs out first.
func (c *Cutoff) Size() int64 { return c.cutoff }

// AtEOF reports whether the window is exhausted or the inner reader ended.
func (c *Cutoff) AtEOF() bool { return c.remaining <= 0 || c.innerEOF }
