package streams

// Named decorates a stream with a display name, picked up by
// cross-provider copies and download disposition headers.
type Named struct {
	Stream
	name string
}

// NewNamed wraps s with a display name.
func NewNamed(s Stream, name string) *Named {
	return &Named{Stream: s, name: name}
}

// Name is the display name the stream should be saved under.
func (n *Named) Name() string { return n.name }

// Close closes the wrapped stream when it is closable.
func (n *Named) Close() error { return Close(n.Stream) }
