package streams

import (
	"io"
	"net/http"
)

// ResponseReader adapts a backend HTTP response body into a Stream, keeping
// the connection alive until the consumer is done with it.
type ResponseReader struct {
	body        io.ReadCloser
	size        int64
	contentType string
	partial     bool
	name        string
	eof         bool
}

// ResponseOption customizes a ResponseReader.
type ResponseOption func(*ResponseReader)

// WithSize overrides the size when the upstream omits Content-Length but
// reports the length elsewhere (a vendor size header, a metadata document).
func WithSize(size int64) ResponseOption {
	return func(r *ResponseReader) { r.size = size }
}

// WithName attaches a display name to the stream; cross-provider copy uses
// it to preserve the source's name at the destination.
func WithName(name string) ResponseOption {
	return func(r *ResponseReader) { r.name = name }
}

// NewResponseReader takes ownership of resp.Body. Size comes from
// Content-Length unless overridden; a 206 marks the stream partial.
func NewResponseReader(resp *http.Response, opts ...ResponseOption) *ResponseReader {
	r := &ResponseReader{
		body:        resp.Body,
		size:        SizeUnknown,
		contentType: resp.Header.Get("Content-Type"),
		partial:     resp.StatusCode == http.StatusPartialContent,
	}
	if resp.ContentLength >= 0 {
		r.size = resp.ContentLength
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ResponseReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

// Size is the expected body length, or SizeUnknown.
func (r *ResponseReader) Size() int64 { return r.size }

// AtEOF reports whether the body has been drained.
func (r *ResponseReader) AtEOF() bool { return r.eof }

// ContentType is the upstream Content-Type header, possibly empty.
func (r *ResponseReader) ContentType() string { return r.contentType }

// Partial reports whether the upstream served a byte range.
func (r *ResponseReader) Partial() bool { return r.partial }

// Name is the display name attached to the stream, possibly empty.
func (r *ResponseReader) Name() string { return r.name }

// Close releases the underlying connection.
func (r *ResponseReader) Close() error { return r.body.Close() }

// RequestReader adapts an inbound request body into a Stream, with size
// taken from Content-Length.
type RequestReader struct {
	body io.ReadCloser
	size int64
	eof  bool
}

// NewRequestReader takes ownership of req.Body.
func NewRequestReader(req *http.Request) *RequestReader {
	size := SizeUnknown
	if req.ContentLength >= 0 {
		size = req.ContentLength
	}
	return &RequestReader{body: req.Body, size: size}
}

func (r *RequestReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

// Size is the inbound Content-Length, or SizeUnknown.
func (r *RequestReader) Size() int64 { return r.size }

// AtEOF reports whether the body has been drained.
func (r *RequestReader) AtEOF() bool { return r.eof }

// Close closes the request body.
func (r *RequestReader) Close() error { return r.body.Close() }
