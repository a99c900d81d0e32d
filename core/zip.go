package core

import (
	"context"
	"io"

	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/streams"
)

// Zip streams path as a ZIP archive. A file path yields a single-entry
// archive; a folder path is walked depth-first with entry names relative to
// it. Empty subfolders appear as directory entries; non-empty ones are
// implied by their members. Downloads are opened lazily as the archive
// reaches each entry.
func Zip(ctx context.Context, p Provider, path *fpath.Path) streams.Stream {
	w := &zipWalker{ctx: ctx, p: p, root: path}
	return streams.NewZip(w.next)
}

type zipFrame struct {
	parent *fpath.Path
	prefix string
	items  []metadata.Item
	i      int
}

type zipWalker struct {
	ctx    context.Context
	p      Provider
	root   *fpath.Path
	seeded bool
	done   bool
	stack  []*zipFrame
}

func (w *zipWalker) next() (*streams.ZipEntry, error) {
	if w.done {
		return nil, io.EOF
	}
	if !w.seeded {
		w.seeded = true
		if w.root.IsFile() {
			w.done = true
			body, err := w.p.Download(w.ctx, w.root, nil)
			if err != nil {
				return nil, err
			}
			return &streams.ZipEntry{Name: w.root.Name(), Body: body}, nil
		}
		items, err := w.p.Metadata(w.ctx, w.root)
		if err != nil {
			return nil, err
		}
		w.stack = append(w.stack, &zipFrame{parent: w.root, items: items})
	}

	for len(w.stack) > 0 {
		frame := w.stack[len(w.stack)-1]
		if frame.i >= len(frame.items) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		item := frame.items[frame.i]
		frame.i++

		child := w.p.PathFromMetadata(frame.parent, item)
		if item.Kind() == metadata.KindFolder {
			children, err := w.p.Metadata(w.ctx, child)
			if err != nil {
				return nil, err
			}
			name := frame.prefix + item.Name() + "/"
			if len(children) == 0 {
				return &streams.ZipEntry{Name: name}, nil
			}
			w.stack = append(w.stack, &zipFrame{parent: child, prefix: name, items: children})
			continue
		}

		body, err := w.p.Download(w.ctx, child, nil)
		if err != nil {
			return nil, err
		}
		return &streams.ZipEntry{Name: frame.prefix + item.Name(), Body: body}, nil
	}
	w.done = true
	return nil, io.EOF
}
