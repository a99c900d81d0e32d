// Package filesystem implements the provider contract over a local
// directory tree. Intended for development and single-node deployments;
// every path is confined to the configured storage root.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/core"
	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/core/streams"
)

// ProviderName is the registry key.
const ProviderName = "filesystem"

const modifiedLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

func init() {
	core.Register(ProviderName, func(auth core.Auth, creds core.Credentials, settings core.Settings) (core.Provider, error) {
		return New(auth, creds, settings)
	})
}

// Provider serves a directory tree rooted at the "folder" setting.
type Provider struct {
	core.Base
	folder string
}

// New builds a filesystem provider, creating the storage root if needed.
func New(auth core.Auth, creds core.Credentials, settings core.Settings) (*Provider, error) {
	folder := settings.String("folder")
	if folder == "" {
		return nil, errs.InvalidParameters("filesystem provider requires a 'folder' setting")
	}
	folder = filepath.Clean(folder)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	return &Provider{
		Base:   core.NewBase(ProviderName, auth, creds, settings),
		folder: folder,
	}, nil
}

// ValidatePath accepts any well-formed path under the storage root.
func (p *Provider) ValidatePath(ctx context.Context, raw string) (*fpath.Path, error) {
	return fpath.New(raw, fpath.WithPrepend(p.folder))
}

// ValidateV1Path additionally requires the entity to exist with the kind
// the trailing slash claims.
func (p *Provider) ValidateV1Path(ctx context.Context, raw string) (*fpath.Path, error) {
	path, err := p.ValidatePath(ctx, raw)
	if err != nil {
		return nil, err
	}
	if path.IsRoot() {
		return path, nil
	}
	info, err := os.Stat(path.FullPath())
	if err != nil {
		return nil, errs.NotFound(path.Materialized())
	}
	if info.IsDir() != path.IsDir() {
		return nil, errs.NotFound(path.Materialized())
	}
	return path, nil
}

// RevalidatePath resolves a named child of base.
func (p *Provider) RevalidatePath(ctx context.Context, base *fpath.Path, name string, folder bool) (*fpath.Path, error) {
	return base.Child(name, "", folder), nil
}

// PathFromMetadata is the inverse of validate for listings.
func (p *Provider) PathFromMetadata(parent *fpath.Path, item metadata.Item) *fpath.Path {
	return parent.Child(item.Name(), "", item.Kind() == metadata.KindFolder)
}

// CanIntraCopy allows the syscall shortcut between filesystem providers.
func (p *Provider) CanIntraCopy(other core.Provider, path *fpath.Path) bool {
	return other.Name() == ProviderName
}

// CanIntraMove mirrors CanIntraCopy.
func (p *Provider) CanIntraMove(other core.Provider, path *fpath.Path) bool {
	return other.Name() == ProviderName
}

// Metadata stats a file or lists a directory.
func (p *Provider) Metadata(ctx context.Context, path *fpath.Path) ([]metadata.Item, error) {
	full := path.FullPath()
	if path.IsFile() {
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			return nil, errs.NotFound(path.Materialized())
		}
		return []metadata.Item{p.fileItem(path.Materialized(), full, info)}, nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, errs.NotFound(path.Materialized())
	}
	items := make([]metadata.Item, 0, len(entries))
	for _, entry := range entries {
		childFull := filepath.Join(full, entry.Name())
		if entry.IsDir() {
			items = append(items, p.folderItem(path.Materialized()+entry.Name()+"/"))
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, p.fileItem(path.Materialized()+entry.Name(), childFull, info))
	}
	return items, nil
}

func (p *Provider) fileItem(materialized, full string, info os.FileInfo) *metadata.File {
	modified := info.ModTime().Format(modifiedLayout)
	contentType := mime.TypeByExtension(filepath.Ext(full))
	if contentType == "" {
		if detected, err := mimetype.DetectFile(full); err == nil {
			contentType = detected.String()
		}
	}
	return &metadata.File{
		Entry: metadata.Entry{
			ProviderName:     ProviderName,
			EntryName:        filepath.Base(full),
			EntryPath:        materialized,
			MaterializedPath: materialized,
			EntryETag:        fmt.Sprintf("%s::%s", modified, full),
		},
		FileSize:    metadata.Int64(info.Size()),
		ContentType: contentType,
		Modified:    modified,
	}
}

func (p *Provider) folderItem(materialized string) *metadata.Folder {
	trimmed := strings.TrimSuffix(materialized, "/")
	return &metadata.Folder{Entry: metadata.Entry{
		ProviderName:     ProviderName,
		EntryName:        filepath.Base(trimmed),
		EntryPath:        materialized,
		MaterializedPath: materialized,
	}}
}

// Download opens the file, honoring byte ranges via a section reader.
func (p *Provider) Download(ctx context.Context, path *fpath.Path, opts *core.DownloadOptions) (streams.Stream, error) {
	if opts == nil {
		opts = &core.DownloadOptions{}
	}
	if !currentRevision(opts.Revision, "") {
		etag, err := p.currentETag(path)
		if err != nil {
			return nil, err
		}
		if !currentRevision(opts.Revision, etag) {
			return nil, errs.FromCode(errs.KindNotFound, 404)
		}
	}

	f, err := os.Open(path.FullPath())
	if err != nil {
		return nil, errs.FromCode(errs.KindDownload, 404)
	}

	var stream streams.Stream
	if opts.Range != nil {
		stream, err = partialStream(f, opts.Range)
	} else {
		stream, err = streams.NewFileReader(f)
	}
	if err != nil {
		_ = f.Close()
		return nil, errs.FromCode(errs.KindDownload, 416)
	}
	if opts.DisplayName != "" {
		stream = streams.NewNamed(stream, opts.DisplayName)
	}
	return stream, nil
}

func partialStream(f *os.File, r *rest.ByteRange) (streams.Stream, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	switch {
	case r.Start == nil && r.End != nil:
		// Suffix range: the last End bytes.
		start := size - *r.End
		if start < 0 {
			start = 0
		}
		return streams.NewPartialFileReader(f, start, size-1)
	case r.Start != nil && r.End == nil:
		return streams.NewPartialFileReader(f, *r.Start, -1)
	case r.Start != nil && r.End != nil:
		end := *r.End
		if end >= size {
			end = size - 1
		}
		return streams.NewPartialFileReader(f, *r.Start, end)
	default:
		return streams.NewFileReader(f)
	}
}

// Upload writes to a unique temp file in the storage root and renames it
// into place, so concurrent uploads to one path stay last-writer-wins.
func (p *Provider) Upload(ctx context.Context, stream streams.Stream, path *fpath.Path, conflict core.Conflict) (metadata.Item, bool, error) {
	path, exists, err := core.HandleNameConflict(ctx, p, path, conflict)
	if err != nil {
		return nil, false, err
	}

	full := path.FullPath()
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, false, errs.FromCode(errs.KindUpload, 500)
	}
	tmp := filepath.Join(p.folder, ".partial-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return nil, false, errs.FromCode(errs.KindUpload, 500)
	}
	if _, err := io.Copy(f, stream); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, false, errors.Wrap(err, "write upload")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, false, errors.Wrap(err, "flush upload")
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return nil, false, errs.FromCode(errs.KindUpload, 500)
	}

	items, err := p.Metadata(ctx, path)
	if err != nil {
		return nil, false, err
	}
	return items[0], !exists, nil
}

// Delete removes a file or tree. Root deletion wipes the contents and
// recreates the empty root, and must be confirmed.
func (p *Provider) Delete(ctx context.Context, path *fpath.Path, confirmDelete int) error {
	if path.IsRoot() {
		if confirmDelete != 1 {
			return errs.InvalidParameters("query argument confirm_delete=1 is required to delete the storage root")
		}
		if err := os.RemoveAll(p.folder); err != nil {
			return errs.FromCode(errs.KindDelete, 500)
		}
		return errors.Wrap(os.MkdirAll(p.folder, 0o755), "recreate storage root")
	}
	full := path.FullPath()
	if _, err := os.Stat(full); err != nil {
		return errs.NotFound(path.Materialized())
	}
	if path.IsFile() {
		if err := os.Remove(full); err != nil {
			return errs.FromCode(errs.KindDelete, 500)
		}
		return nil
	}
	if err := os.RemoveAll(full); err != nil {
		return errs.FromCode(errs.KindDelete, 500)
	}
	return nil
}

// CreateFolder makes the directory and any missing parents.
func (p *Provider) CreateFolder(ctx context.Context, path *fpath.Path) (*metadata.Folder, error) {
	if err := fpath.ValidateFolder(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path.FullPath(), 0o755); err != nil {
		return nil, errs.FromCode(errs.KindCreateFolder, 500)
	}
	return p.folderItem(path.Materialized()), nil
}

// Revisions synthesizes the single sentinel revision; the filesystem keeps
// no history.
func (p *Provider) Revisions(ctx context.Context, path *fpath.Path) ([]*metadata.Revision, error) {
	items, err := p.Metadata(ctx, path)
	if err != nil {
		return nil, err
	}
	file, ok := items[0].(*metadata.File)
	if !ok {
		return nil, errs.FromCode(errs.KindRevisions, 400)
	}
	return []*metadata.Revision{metadata.SentinelRevision(file.ETag(), file.Modified)}, nil
}

// IntraCopy clones a file or tree with local syscalls.
func (p *Provider) IntraCopy(ctx context.Context, dst core.Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	_, exists, err := core.Exists(ctx, dst, dstPath)
	if err != nil {
		return nil, false, err
	}
	if srcPath.IsDir() {
		if exists {
			if err := dst.Delete(ctx, dstPath, 0); err != nil {
				return nil, false, err
			}
		}
		if err := os.CopyFS(dstPath.FullPath(), os.DirFS(srcPath.FullPath())); err != nil {
			return nil, false, errs.FromCode(errs.KindIntraCopy, 500)
		}
	} else {
		if err := copyFile(srcPath.FullPath(), dstPath.FullPath()); err != nil {
			return nil, false, errs.FromCode(errs.KindIntraCopy, 500)
		}
	}
	return p.finishIntra(ctx, dst, dstPath, exists)
}

// IntraMove renames inside or across filesystem roots.
func (p *Provider) IntraMove(ctx context.Context, dst core.Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	_, exists, err := core.Exists(ctx, dst, dstPath)
	if err != nil {
		return nil, false, err
	}
	if exists && srcPath.IsDir() {
		if err := dst.Delete(ctx, dstPath, 0); err != nil {
			return nil, false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dstPath.FullPath())), 0o755); err != nil {
		return nil, false, errs.FromCode(errs.KindIntraMove, 500)
	}
	if err := os.Rename(srcPath.FullPath(), dstPath.FullPath()); err != nil {
		return nil, false, errs.FromCode(errs.KindIntraMove, 500)
	}
	return p.finishIntra(ctx, dst, dstPath, exists)
}

func (p *Provider) finishIntra(ctx context.Context, dst core.Provider, dstPath *fpath.Path, existed bool) (metadata.Item, bool, error) {
	items, err := dst.Metadata(ctx, dstPath)
	if err != nil {
		return nil, false, err
	}
	if dstPath.IsFile() {
		return items[0], !existed, nil
	}
	folder := &metadata.Folder{Entry: metadata.Entry{
		ProviderName:     ProviderName,
		EntryName:        dstPath.Name(),
		EntryPath:        dstPath.Materialized(),
		MaterializedPath: dstPath.Materialized(),
	}}
	folder.Children = items
	return folder, !existed, nil
}

func (p *Provider) currentETag(path *fpath.Path) (string, error) {
	info, err := os.Stat(path.FullPath())
	if err != nil {
		return "", errs.NotFound(path.Materialized())
	}
	modified := info.ModTime().Format(modifiedLayout)
	return fmt.Sprintf("%s::%s", modified, path.FullPath()), nil
}

// currentRevision reports whether rev addresses the live version: empty,
// a "latest" alias, or the sentinel built from the current etag.
func currentRevision(rev, etag string) bool {
	switch strings.ToLower(rev) {
	case "", "latest":
		return true
	}
	return etag != "" && rev == etag+metadata.RevisionSentinelSuffix
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

var _ core.Provider = (*Provider)(nil)
