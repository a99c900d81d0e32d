package core

import (
	"context"

	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
)

// Exists probes a path. For files the returned item is the file's
// metadata; for folders it is nil even when the folder exists (listing
// children is the probe).
func Exists(ctx context.Context, p Provider, path *fpath.Path) (metadata.Item, bool, error) {
	items, err := p.Metadata(ctx, path)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) || errs.Code(err) == 404 {
			return nil, false, nil
		}
		return nil, false, err
	}
	if path.IsFile() && len(items) == 1 {
		return items[0], true, nil
	}
	return nil, true, nil
}

// HandleNameConflict resolves a destination path against the given
// strategy. It returns the path to use and whether an entity already
// occupies it (true only under replace).
func HandleNameConflict(ctx context.Context, p Provider, path *fpath.Path, conflict Conflict) (*fpath.Path, bool, error) {
	_, exists, err := Exists(ctx, p, path)
	if err != nil {
		return nil, false, err
	}
	// A backend that forbids a file and folder sharing a name treats the
	// sibling of the opposite kind as a collision too.
	if !exists && !p.CanDuplicateNames() && !path.IsRoot() {
		sibling := fpath.FromParts(path.Parts(), !path.IsDir())
		_, exists, err = Exists(ctx, p, sibling)
		if err != nil {
			return nil, false, err
		}
	}
	if !exists || conflict == ConflictReplace {
		return path, exists, nil
	}
	if conflict == ConflictWarn {
		if path.IsDir() {
			return nil, false, errs.FolderNamingConflict(path.Name())
		}
		return nil, false, errs.NamingConflict(path.Name())
	}

	// keep: bump the count suffix until the slot is free. Revalidate so
	// id-based backends learn whether the candidate resolves.
	for {
		path = path.IncrementName()
		probe, err := p.RevalidatePath(ctx, path.Parent(), path.Name(), path.IsDir())
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) || errs.Code(err) == 404 {
				return path, false, nil
			}
			return nil, false, err
		}
		_, exists, err := Exists(ctx, p, probe)
		if err != nil {
			return nil, false, err
		}
		if !exists {
			return probe, false, nil
		}
	}
}

// HandleNaming resolves where a transfer lands inside dst. A folder
// destination means "into": the final path is destPath/child where child is
// rename or the source's name. rename also applies to a file destination.
func HandleNaming(ctx context.Context, dst Provider, srcPath, destPath *fpath.Path, rename string, conflict Conflict) (*fpath.Path, error) {
	if srcPath.IsDir() && destPath.IsFile() {
		return nil, errs.InvalidPath("cannot transfer a folder onto a file: " + destPath.Materialized())
	}
	if destPath.IsDir() {
		name := rename
		if name == "" {
			name = srcPath.Name()
		}
		child, err := dst.RevalidatePath(ctx, destPath, name, srcPath.IsDir())
		if err != nil {
			if !errs.IsKind(err, errs.KindNotFound) && errs.Code(err) != 404 {
				return nil, err
			}
			child = destPath.Child(name, "", srcPath.IsDir())
		}
		destPath = child
	} else if rename != "" && rename != destPath.Name() {
		destPath = destPath.Rename(rename)
	}
	resolved, _, err := HandleNameConflict(ctx, dst, destPath, conflict)
	return resolved, err
}
