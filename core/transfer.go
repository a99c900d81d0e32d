package core

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/streams"
)

// TransferOptions tunes Copy and Move. The zero value replaces the
// destination and keeps the source name.
type TransferOptions struct {
	Rename   string
	Conflict Conflict
	// Concurrency bounds concurrent file transfers inside a folder op,
	// DefaultOpConcurrency when zero.
	Concurrency int
}

func (o *TransferOptions) normalize() TransferOptions {
	out := TransferOptions{Conflict: ConflictReplace, Concurrency: DefaultOpConcurrency}
	if o != nil {
		if o.Rename != "" {
			out.Rename = o.Rename
		}
		if o.Conflict != "" {
			out.Conflict = o.Conflict
		}
		if o.Concurrency > 0 {
			out.Concurrency = o.Concurrency
		}
	}
	return out
}

// Copy transfers srcPath from src into dst at dstPath. It prefers the
// backend-native shortcut, falls back to a recursive folder op for folders
// and to download+upload for files. The returned bool reports whether the
// destination was created rather than overwritten.
func Copy(ctx context.Context, src, dst Provider, srcPath, dstPath *fpath.Path, opts *TransferOptions) (metadata.Item, bool, error) {
	o := opts.normalize()
	return transfer(ctx, src, dst, srcPath, dstPath, o, false, true)
}

// Move is Copy followed by deleting the source, unless the backend offers
// a native move.
func Move(ctx context.Context, src, dst Provider, srcPath, dstPath *fpath.Path, opts *TransferOptions) (metadata.Item, bool, error) {
	o := opts.normalize()
	return transfer(ctx, src, dst, srcPath, dstPath, o, true, true)
}

func transfer(ctx context.Context, src, dst Provider, srcPath, dstPath *fpath.Path, o TransferOptions, move, handleNaming bool) (metadata.Item, bool, error) {
	if handleNaming {
		resolved, err := HandleNaming(ctx, dst, srcPath, dstPath, o.Rename, o.Conflict)
		if err != nil {
			return nil, false, err
		}
		dstPath = resolved
		// A folder cannot land on itself.
		if srcPath.IsDir() && srcPath.Materialized() == dstPath.Materialized() && src.SharesStorageRoot(dst) {
			return nil, false, errs.OverwriteSelf(srcPath.Materialized())
		}
	}

	if move && src.CanIntraMove(dst, srcPath) {
		return src.IntraMove(ctx, dst, srcPath, dstPath)
	}
	if !move && src.CanIntraCopy(dst, srcPath) {
		return src.IntraCopy(ctx, dst, srcPath, dstPath)
	}

	var (
		item    metadata.Item
		created bool
		err     error
	)
	if srcPath.IsDir() {
		item, created, err = folderFileOp(ctx, src, dst, srcPath, dstPath, o, move)
	} else {
		item, created, err = fileTransfer(ctx, src, dst, srcPath, dstPath)
	}
	if err != nil {
		return nil, false, err
	}
	if move {
		if err := src.Delete(ctx, srcPath, 0); err != nil {
			return nil, false, err
		}
	}
	return item, created, nil
}

func fileTransfer(ctx context.Context, src, dst Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	stream, err := src.Download(ctx, srcPath, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = streams.Close(stream) }()

	// A download can carry its own display name, e.g. an export endpoint
	// that appends an extension. The destination follows it.
	if named, ok := stream.(interface{ Name() string }); ok {
		if name := named.Name(); name != "" && name != dstPath.Name() {
			dstPath = dstPath.Rename(name)
		}
	}
	return dst.Upload(ctx, stream, dstPath, ConflictReplace)
}

// folderFileOp replaces dstPath with a copy of the srcPath tree. Files at
// one depth fan out concurrently; sibling folders recurse sequentially so
// the traversal stays a predictable DFS.
func folderFileOp(ctx context.Context, src, dst Provider, srcPath, dstPath *fpath.Path, o TransferOptions, move bool) (metadata.Item, bool, error) {
	_, exists, err := Exists(ctx, dst, dstPath)
	if err != nil {
		return nil, false, err
	}
	if exists {
		if err := dst.Delete(ctx, dstPath, 0); err != nil {
			return nil, false, err
		}
	}
	folder, err := dst.CreateFolder(ctx, dstPath)
	if err != nil {
		return nil, false, err
	}

	items, err := src.Metadata(ctx, srcPath)
	if err != nil {
		return nil, false, err
	}

	children := make([]metadata.Item, len(items))
	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(o.Concurrency)

	for i, item := range items {
		childSrc := src.PathFromMetadata(srcPath, item)
		childDst := dstPath.Child(item.Name(), "", item.Kind() == metadata.KindFolder)
		childOpts := TransferOptions{Conflict: ConflictReplace, Concurrency: o.Concurrency}

		if item.Kind() == metadata.KindFolder {
			child, _, err := transfer(gctx, src, dst, childSrc, childDst, childOpts, move, false)
			if err != nil {
				_ = group.Wait()
				return nil, false, err
			}
			children[i] = child
			continue
		}

		group.Go(func() error {
			child, _, err := transfer(gctx, src, dst, childSrc, childDst, childOpts, move, false)
			if err != nil {
				return err
			}
			mu.Lock()
			children[i] = child
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, false, err
	}

	folder.Children = children
	return folder, !exists, nil
}
