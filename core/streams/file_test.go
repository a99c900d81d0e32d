package streams

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, content string) *os.File {
	t.Helper()
	name := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(name, []byte(content), 0o600))
	f, err := os.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFileReader(t *testing.T) {
	f := tempFile(t, "file contents here")
	r, err := NewFileReader(f)
	require.NoError(t, err)

	assert.Equal(t, int64(18), r.Size())
	out, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "file contents here", string(out))
	assert.True(t, r.AtEOF())
}

func TestPartialFileReader(t *testing.T) {
	f := tempFile(t, "0123456789")
	r, err := NewPartialFileReader(f, 2, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(4), r.Size())
	assert.True(t, r.Partial())
	assert.Equal(t, "bytes 2-5/10", r.ContentRange())

	out, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(out))
	assert.True(t, r.AtEOF())
}

func TestPartialFileReaderOpenEnded(t *testing.T) {
	f := tempFile(t, "0123456789")
	r, err := NewPartialFileReader(f, 7, -1)
	require.NoError(t, err)

	assert.Equal(t, int64(3), r.Size())
	assert.Equal(t, "bytes 7-9/10", r.ContentRange())
	out, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "789", string(out))
}

func TestPartialFileReaderBadRange(t *testing.T) {
	f := tempFile(t, "0123456789")
	_, err := NewPartialFileReader(f, 8, 4)
	assert.Error(t, err)
}
