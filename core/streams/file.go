package streams

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// FileReader streams an open file from its position at construction time.
// Size is the total file length regardless of the starting offset, matching
// what backends expect for whole-file uploads.
type FileReader struct {
	f    *os.File
	size int64
	eof  bool
}

// NewFileReader wraps an open file. The current seek position is preserved:
// reads begin wherever the cursor was when the reader was built.
func NewFileReader(f *os.File) (*FileReader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat file stream")
	}
	return &FileReader{f: f, size: info.Size()}, nil
}

func (r *FileReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

// Size is the total length of the underlying file.
func (r *FileReader) Size() int64 { return r.size }

// AtEOF reports whether the file has been read through.
func (r *FileReader) AtEOF() bool { return r.eof }

// Close closes the underlying file.
func (r *FileReader) Close() error { return r.f.Close() }

// PartialFileReader streams an inclusive byte range [lo, hi] of a file and
// reports the Content-Range header value for a 206 response.
type PartialFileReader struct {
	sr     *io.SectionReader
	f      *os.File
	lo, hi int64
	total  int64
	eof    bool
}

// NewPartialFileReader wraps a byte range of an open file. Both bounds are
// inclusive; hi may be -1 for "through end of file".
func NewPartialFileReader(f *os.File, lo, hi int64) (*PartialFileReader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat file stream")
	}
	total := info.Size()
	if hi < 0 || hi >= total {
		hi = total - 1
	}
	if lo < 0 || lo > hi {
		return nil, errors.Errorf("invalid byte range %d-%d for size %d", lo, hi, total)
	}
	return &PartialFileReader{
		sr:    io.NewSectionReader(f, lo, hi-lo+1),
		f:     f,
		lo:    lo,
		hi:    hi,
		total: total,
	}, nil
}

func (r *PartialFileReader) Read(p []byte) (int, error) {
	n, err := r.sr.Read(p)
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

// Size is the length of the requested range.
func (r *PartialFileReader) Size() int64 { return r.hi - r.lo + 1 }

// AtEOF reports whether the range has been read through.
func (r *PartialFileReader) AtEOF() bool { return r.eof }

// Partial always reports true; the response should carry status 206.
func (r *PartialFileReader) Partial() bool { return true }

// ContentRange is the value for the Content-Range response header.
func (r *PartialFileReader) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.lo, r.hi, r.total)
}

// Close closes the underlying file.
func (r *PartialFileReader) Close() error { return r.f.Close() }
