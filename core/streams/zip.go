package streams

import (
	"archive/zip"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ZipEntry is one archive member. A Name ending in "/" (or a nil Body)
// denotes a directory entry.
type ZipEntry struct {
	Name string
	Body Stream
}

// ZipSource produces archive members one at a time, returning io.EOF when
// exhausted. Entries are pulled lazily: an entry's Body is only opened and
// drained when the archive stream reaches it.
type ZipSource func() (*ZipEntry, error)

// Zip assembles a streaming ZIP archive from a sequence of entries. CRCs
// and compressed sizes are computed on the fly and written in trailing data
// descriptors, so nothing is buffered beyond the compressor window.
type Zip struct {
	pr  *io.PipeReader
	eof bool
}

// NewZip starts assembling an archive from the given source.
func NewZip(next ZipSource) *Zip {
	pr, pw := io.Pipe()
	zw := zip.NewWriter(pw)

	go func() {
		for {
			entry, err := next()
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = pw.CloseWithError(errors.Wrap(err, "zip stream source"))
				return
			}
			if err := writeEntry(zw, entry); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		if err := zw.Close(); err != nil {
			_ = pw.CloseWithError(errors.Wrap(err, "close zip central directory"))
			return
		}
		_ = pw.Close()
	}()

	return &Zip{pr: pr}
}

func writeEntry(zw *zip.Writer, entry *ZipEntry) error {
	name := strings.TrimPrefix(entry.Name, "/")
	isDir := entry.Body == nil || strings.HasSuffix(name, "/")

	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	if isDir {
		if !strings.HasSuffix(header.Name, "/") {
			header.Name += "/"
		}
		header.Method = zip.Store
	}
	header.SetMode(0o600)

	w, err := zw.CreateHeader(header)
	if err != nil {
		return errors.Wrapf(err, "create zip entry %q", name)
	}
	if isDir {
		if entry.Body != nil {
			return Close(entry.Body)
		}
		return nil
	}
	if _, err := io.Copy(w, entry.Body); err != nil {
		_ = Close(entry.Body)
		return errors.Wrapf(err, "write zip entry %q", name)
	}
	return Close(entry.Body)
}

func (z *Zip) Read(p []byte) (int, error) {
	n, err := z.pr.Read(p)
	if err == io.EOF {
		z.eof = true
	}
	return n, err
}

// Size of a streaming archive is unknown until drained.
func (z *Zip) Size() int64 { return SizeUnknown }

// AtEOF reports whether the archive has been fully emitted.
func (z *Zip) AtEOF() bool { return z.eof }

// Close abandons the archive; the assembly goroutine unwinds on its next
// write.
func (z *Zip) Close() error { return z.pr.Close() }
