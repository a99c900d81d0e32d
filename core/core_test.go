package core

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/streams"
)

// memProvider keeps everything in maps keyed by materialized path. Folders
// end with "/"; the root always exists.
type memProvider struct {
	Base
	mu      sync.Mutex
	files   map[string][]byte
	folders map[string]bool
	deleted []string

	intraCopyOK bool
	intraMoveOK bool
	intraCalls  int
}

func newMemProvider(name string, settings Settings) *memProvider {
	return &memProvider{
		Base:    NewBase(name, Auth{ID: "u1"}, Credentials{"token": "t"}, settings),
		files:   map[string][]byte{},
		folders: map[string]bool{"/": true},
	}
}

func (m *memProvider) seed(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = []byte(content)
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			m.folders[path[:i+1]] = true
		}
	}
}

func (m *memProvider) seedFolder(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[path] = true
}

func (m *memProvider) ValidatePath(ctx context.Context, raw string) (*fpath.Path, error) {
	return fpath.New(raw)
}

func (m *memProvider) ValidateV1Path(ctx context.Context, raw string) (*fpath.Path, error) {
	return fpath.New(raw)
}

func (m *memProvider) RevalidatePath(ctx context.Context, base *fpath.Path, name string, folder bool) (*fpath.Path, error) {
	return base.Child(name, "", folder), nil
}

func (m *memProvider) PathFromMetadata(parent *fpath.Path, item metadata.Item) *fpath.Path {
	return parent.Child(item.Name(), "", item.Kind() == metadata.KindFolder)
}

func (m *memProvider) fileItem(path string, size int64) metadata.Item {
	name := path[strings.LastIndex(strings.TrimSuffix(path, "/"), "/")+1:]
	return &metadata.File{
		Entry: metadata.Entry{
			ProviderName:     m.ProviderName,
			EntryName:        name,
			EntryPath:        path,
			MaterializedPath: path,
			EntryETag:        "etag-" + name,
		},
		FileSize: metadata.Int64(size),
	}
}

func (m *memProvider) folderItem(path string) *metadata.Folder {
	trimmed := strings.TrimSuffix(path, "/")
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	return &metadata.Folder{Entry: metadata.Entry{
		ProviderName:     m.ProviderName,
		EntryName:        name,
		EntryPath:        path,
		MaterializedPath: path,
	}}
}

func (m *memProvider) Metadata(ctx context.Context, path *fpath.Path) ([]metadata.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := path.Materialized()
	if path.IsFile() {
		data, ok := m.files[key]
		if !ok {
			return nil, errs.NotFound(key)
		}
		return []metadata.Item{m.fileItem(key, int64(len(data)))}, nil
	}
	if !m.folders[key] {
		return nil, errs.NotFound(key)
	}
	var out []metadata.Item
	for f := range m.files {
		if strings.HasPrefix(f, key) && !strings.Contains(f[len(key):], "/") {
			out = append(out, m.fileItem(f, int64(len(m.files[f]))))
		}
	}
	for d := range m.folders {
		if d == key || !strings.HasPrefix(d, key) {
			continue
		}
		rest := strings.TrimSuffix(d[len(key):], "/")
		if rest != "" && !strings.Contains(rest, "/") {
			out = append(out, m.folderItem(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}

func (m *memProvider) Download(ctx context.Context, path *fpath.Path, opts *DownloadOptions) (streams.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path.Materialized()]
	if !ok {
		return nil, errs.FromCode(errs.KindDownload, 404)
	}
	return streams.NewBytes(data), nil
}

func (m *memProvider) Upload(ctx context.Context, stream streams.Stream, path *fpath.Path, conflict Conflict) (metadata.Item, bool, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := path.Materialized()
	_, existed := m.files[key]
	m.files[key] = data
	return m.fileItem(key, int64(len(data))), !existed, nil
}

func (m *memProvider) Delete(ctx context.Context, path *fpath.Path, confirmDelete int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := path.Materialized()
	if path.IsRoot() && confirmDelete != 1 {
		return errs.InvalidParameters("confirm_delete=1 required to delete root")
	}
	m.deleted = append(m.deleted, key)
	if path.IsFile() {
		delete(m.files, key)
		return nil
	}
	for f := range m.files {
		if strings.HasPrefix(f, key) {
			delete(m.files, f)
		}
	}
	for d := range m.folders {
		if d != "/" && strings.HasPrefix(d, key) {
			delete(m.folders, d)
		}
	}
	return nil
}

func (m *memProvider) CreateFolder(ctx context.Context, path *fpath.Path) (*metadata.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[path.Materialized()] = true
	return m.folderItem(path.Materialized()), nil
}

func (m *memProvider) CanIntraCopy(other Provider, path *fpath.Path) bool { return m.intraCopyOK }
func (m *memProvider) CanIntraMove(other Provider, path *fpath.Path) bool { return m.intraMoveOK }

func (m *memProvider) IntraCopy(ctx context.Context, dst Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	m.intraCalls++
	m.mu.Lock()
	data := m.files[srcPath.Materialized()]
	m.files[dstPath.Materialized()] = data
	m.mu.Unlock()
	return m.fileItem(dstPath.Materialized(), int64(len(data))), true, nil
}

func (m *memProvider) IntraMove(ctx context.Context, dst Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	item, created, err := m.IntraCopy(ctx, dst, srcPath, dstPath)
	if err == nil {
		m.mu.Lock()
		delete(m.files, srcPath.Materialized())
		m.mu.Unlock()
	}
	return item, created, err
}

func mustPath(t *testing.T, raw string) *fpath.Path {
	t.Helper()
	p, err := fpath.New(raw)
	require.NoError(t, err)
	return p
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seed("/a.txt", "hello")

	item, found, err := Exists(ctx, p, mustPath(t, "/a.txt"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a.txt", item.Name())

	_, found, err = Exists(ctx, p, mustPath(t, "/missing.txt"))
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = Exists(ctx, p, mustPath(t, "/"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestHandleNameConflictReplace(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seed("/a.txt", "old")

	path, exists, err := HandleNameConflict(ctx, p, mustPath(t, "/a.txt"), ConflictReplace)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "/a.txt", path.Materialized())
}

func TestHandleNameConflictWarn(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seed("/a.txt", "old")

	_, _, err := HandleNameConflict(ctx, p, mustPath(t, "/a.txt"), ConflictWarn)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNamingConflict))
	assert.Equal(t, 409, errs.Code(err))

	path, exists, err := HandleNameConflict(ctx, p, mustPath(t, "/fresh.txt"), ConflictWarn)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, "/fresh.txt", path.Materialized())
}

func TestHandleNameConflictKeep(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seed("/a.txt", "v0")
	p.seed("/a (1).txt", "v1")

	path, exists, err := HandleNameConflict(ctx, p, mustPath(t, "/a.txt"), ConflictKeep)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, "/a (2).txt", path.Materialized())
}

func TestHandleNamingIntoFolder(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seedFolder("/dest/")

	got, err := HandleNaming(ctx, p, mustPath(t, "/src/report.pdf"), mustPath(t, "/dest/"), "", ConflictReplace)
	require.NoError(t, err)
	assert.Equal(t, "/dest/report.pdf", got.Materialized())

	got, err = HandleNaming(ctx, p, mustPath(t, "/src/report.pdf"), mustPath(t, "/dest/"), "renamed.pdf", ConflictReplace)
	require.NoError(t, err)
	assert.Equal(t, "/dest/renamed.pdf", got.Materialized())
}

func TestHandleNamingFolderOntoFile(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	_, err := HandleNaming(ctx, p, mustPath(t, "/src/"), mustPath(t, "/dest.txt"), "", ConflictReplace)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidPath))
}

func TestCopyFile(t *testing.T) {
	ctx := context.Background()
	src := newMemProvider("mem", Settings{"root": "a"})
	dst := newMemProvider("mem", Settings{"root": "b"})
	src.seed("/a.txt", "payload")
	dst.seedFolder("/into/")

	item, created, err := Copy(ctx, src, dst, mustPath(t, "/a.txt"), mustPath(t, "/into/"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a.txt", item.Name())
	assert.Equal(t, "payload", string(dst.files["/into/a.txt"]))
	assert.Contains(t, src.files, "/a.txt")
}

func TestMoveFileDeletesSource(t *testing.T) {
	ctx := context.Background()
	src := newMemProvider("mem", Settings{"root": "a"})
	dst := newMemProvider("mem", Settings{"root": "b"})
	src.seed("/a.txt", "payload")
	dst.seedFolder("/into/")

	_, created, err := Move(ctx, src, dst, mustPath(t, "/a.txt"), mustPath(t, "/into/"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotContains(t, src.files, "/a.txt")
	assert.Equal(t, "payload", string(dst.files["/into/a.txt"]))
}

func TestMoveUsesIntraShortcut(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seed("/a.txt", "payload")
	p.seedFolder("/into/")
	p.intraMoveOK = true

	_, _, err := Move(ctx, p, p, mustPath(t, "/a.txt"), mustPath(t, "/into/"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.intraCalls)
	assert.NotContains(t, p.files, "/a.txt")
	assert.Contains(t, p.files, "/into/a.txt")
	// The shortcut owns deletion; the orchestrator must not double-delete.
	assert.NotContains(t, p.deleted, "/a.txt")
}

func TestCopyFolderRecursive(t *testing.T) {
	ctx := context.Background()
	src := newMemProvider("mem", Settings{"root": "a"})
	dst := newMemProvider("mem", Settings{"root": "b"})
	src.seed("/tree/one.txt", "1")
	src.seed("/tree/two.txt", "22")
	src.seed("/tree/sub/deep.txt", "333")
	src.seedFolder("/tree/empty/")

	item, created, err := Copy(ctx, src, dst, mustPath(t, "/tree/"), mustPath(t, "/"), nil)
	require.NoError(t, err)
	assert.True(t, created)

	folder, ok := item.(*metadata.Folder)
	require.True(t, ok)
	assert.Len(t, folder.Children, 4)

	assert.Equal(t, "1", string(dst.files["/tree/one.txt"]))
	assert.Equal(t, "22", string(dst.files["/tree/two.txt"]))
	assert.Equal(t, "333", string(dst.files["/tree/sub/deep.txt"]))
	assert.True(t, dst.folders["/tree/empty/"])
}

func TestCopyFolderOntoItself(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", Settings{"root": "a"})
	p.seed("/tree/one.txt", "1")

	_, _, err := Copy(ctx, p, p, mustPath(t, "/tree/"), mustPath(t, "/"), nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindOverwriteSelf))
}

func TestSharesStorageRootAndEqual(t *testing.T) {
	a := newMemProvider("mem", Settings{"root": "x"})
	b := newMemProvider("mem", Settings{"root": "x"})
	c := newMemProvider("mem", Settings{"root": "y"})

	assert.True(t, a.SharesStorageRoot(b))
	assert.False(t, a.SharesStorageRoot(c))
	assert.True(t, a.Equal(b))
}

func TestRegistry(t *testing.T) {
	Register("mem-test", func(auth Auth, creds Credentials, settings Settings) (Provider, error) {
		return newMemProvider("mem-test", settings), nil
	})

	p, err := NewProvider("mem-test", Auth{}, nil, Settings{"root": "x"})
	require.NoError(t, err)
	assert.Equal(t, "mem-test", p.Name())
	assert.Contains(t, Providers(), "mem-test")

	_, err = NewProvider("nope", Auth{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindProviderNotFound))
	assert.Equal(t, 404, errs.Code(err))
}

func readArchive(t *testing.T, s streams.Stream) map[string]string {
	t.Helper()
	raw, err := streams.ReadAll(s)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = string(data)
	}
	return out
}

func TestZipFolder(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seed("/tree/one.txt", "1")
	p.seed("/tree/sub/deep.txt", "333")
	p.seedFolder("/tree/empty/")

	got := readArchive(t, Zip(ctx, p, mustPath(t, "/tree/")))
	assert.Equal(t, map[string]string{
		"one.txt":      "1",
		"sub/deep.txt": "333",
		"empty/":       "",
	}, got)
}

func TestZipSingleFile(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("mem", nil)
	p.seed("/solo.txt", "alone")

	got := readArchive(t, Zip(ctx, p, mustPath(t, "/solo.txt")))
	assert.Equal(t, map[string]string{"solo.txt": "alone"}, got)
}
