// Package fpath implements the dual-representation path used throughout the
// gateway. A path is an ordered list of parts, each carrying a display name
// and, for id-based backends, an opaque identifier. The materialized
// projection is what users see; the identifier projection is what id-based
// backends are spoken to with.
package fpath

import (
	"fmt"
	gopath "path"
	"strings"

	"github.com/sluiceproject/sluice/core/errs"
)

// Codec converts a part's display name to and from the backend's wire form.
// Backends that require percent-encoded segments install one on their paths.
type Codec struct {
	Encode func(string) string
	Decode func(string) string
}

func (c *Codec) encode(s string) string {
	if c == nil || c.Encode == nil {
		return s
	}
	return c.Encode(s)
}

func (c *Codec) decode(s string) string {
	if c == nil || c.Decode == nil {
		return s
	}
	return c.Decode(s)
}

// Part is one level of a path: a display name, an optional backend
// identifier, and a conflict-rename counter.
type Part struct {
	name  string // base name without extension
	ext   string
	id    string
	count int
	codec *Codec
}

// NewPart builds a part from a raw (possibly encoded) segment.
func NewPart(raw, id string, codec *Codec) Part {
	value := codec.decode(raw)
	ext := gopath.Ext(value)
	return Part{
		name:  strings.TrimSuffix(value, ext),
		ext:   ext,
		id:    id,
		codec: codec,
	}
}

// Value is the display name, including any conflict-rename suffix
// ("Foo (1).txt").
func (p Part) Value() string {
	if p.count > 0 {
		return fmt.Sprintf("%s (%d)%s", p.name, p.count, p.ext)
	}
	return p.name + p.ext
}

// Raw is the display name passed through the codec's encoder.
func (p Part) Raw() string { return p.codec.encode(p.Value()) }

// Identifier is the backend-assigned id, empty when unknown.
func (p Part) Identifier() string { return p.id }

// Ext is the file extension inferred at construction.
func (p Part) Ext() string { return p.ext }

// WithIdentifier returns a copy of the part carrying the given id.
func (p Part) WithIdentifier(id string) Part {
	p.id = id
	return p
}

func (p Part) renamed(name string) Part {
	out := NewPart(p.codec.encode(name), p.id, p.codec)
	return out
}

func (p Part) incremented() Part {
	p.count++
	p.id = ""
	return p
}

// Path is an immutable validated path. The zero value is not usable; build
// paths through New, FromParts or FromIDs.
type Path struct {
	parts   []Part
	folder  bool
	prepend string // storage-root prefix for providers that mount a subtree
	codec   *Codec
}

// Option customizes path construction.
type Option func(*options)

type options struct {
	ids     []string
	folder  *bool
	prepend string
	codec   *Codec
}

// WithIDs attaches backend identifiers to each part, root first. Missing
// trailing entries are left unidentified.
func WithIDs(ids ...string) Option {
	return func(o *options) { o.ids = ids }
}

// AsFolder forces the folder flag rather than inferring it from the
// trailing slash.
func AsFolder(folder bool) Option {
	return func(o *options) { o.folder = &folder }
}

// WithPrepend mounts the path under a storage-root prefix, which shows up
// only in FullPath.
func WithPrepend(prefix string) Option {
	return func(o *options) { o.prepend = prefix }
}

// WithCodec installs an encode/decode pair on every part.
func WithCodec(c *Codec) Option {
	return func(o *options) { o.codec = c }
}

// New validates a raw string path and builds a Path from it. The raw path
// must begin with "/", contain no empty or dot segments, and is a folder iff
// it ends with "/" (the root always is).
func New(raw string, opts ...Option) (*Path, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := validate(raw); err != nil {
		return nil, err
	}

	segments := strings.Split(strings.TrimSuffix(raw, "/"), "/")
	parts := make([]Part, 0, len(segments))
	for i, seg := range segments {
		id := ""
		if i < len(o.ids) {
			id = o.ids[i]
		}
		parts = append(parts, NewPart(seg, id, o.codec))
	}

	folder := raw == "/" || strings.HasSuffix(raw, "/")
	if o.folder != nil {
		folder = *o.folder
	}
	if len(parts) == 1 {
		folder = true
	}

	return &Path{parts: parts, folder: folder, prepend: strings.TrimSuffix(o.prepend, "/"), codec: o.codec}, nil
}

func validate(raw string) error {
	if raw == "" {
		return errs.InvalidPath("must specify path")
	}
	if !strings.HasPrefix(raw, "/") || strings.Contains(raw, "//") {
		return errs.InvalidPath(fmt.Sprintf("invalid path %q specified", raw))
	}
	for _, seg := range strings.Split(strings.Trim(raw, "/"), "/") {
		if seg == "." || seg == ".." {
			return errs.InvalidPath(fmt.Sprintf("invalid path %q specified", raw))
		}
	}
	return nil
}

// FromParts assembles a path from existing parts.
func FromParts(parts []Part, folder bool, opts ...Option) *Path {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cp := make([]Part, len(parts))
	copy(cp, parts)
	if len(cp) == 1 {
		folder = true
	}
	return &Path{parts: cp, folder: folder, prepend: strings.TrimSuffix(o.prepend, "/"), codec: o.codec}
}

// Root returns the root path.
func Root(opts ...Option) *Path {
	p, _ := New("/", opts...)
	return p
}

// IsRoot reports whether this is the provider root.
func (p *Path) IsRoot() bool { return len(p.parts) == 1 }

// IsDir reports whether the path names a folder.
func (p *Path) IsDir() bool { return p.folder }

// IsFile reports whether the path names a file.
func (p *Path) IsFile() bool { return !p.folder }

// Kind is "folder" or "file".
func (p *Path) Kind() string {
	if p.folder {
		return "folder"
	}
	return "file"
}

// Parts returns the path's parts, root first.
func (p *Path) Parts() []Part { return p.parts }

// Name is the display name of the last part.
func (p *Path) Name() string { return p.parts[len(p.parts)-1].Value() }

// Ext is the extension of the last part.
func (p *Path) Ext() string { return p.parts[len(p.parts)-1].Ext() }

// Identifier is the backend id of the last part, empty when unknown.
func (p *Path) Identifier() string { return p.parts[len(p.parts)-1].Identifier() }

// IdentifierPath is the identifier projection of the final entity:
// "/<id>" for files, "/<id>/" for folders.
func (p *Path) IdentifierPath() string {
	s := "/" + p.Identifier()
	if p.folder {
		s += "/"
	}
	return s
}

// Path is the human-readable path relative to the storage root, without a
// leading slash. The root itself yields "".
func (p *Path) Path() string {
	if p.IsRoot() {
		return ""
	}
	names := make([]string, 0, len(p.parts)-1)
	for _, part := range p.parts[1:] {
		names = append(names, part.Value())
	}
	s := strings.Join(names, "/")
	if p.folder {
		s += "/"
	}
	return s
}

// RawPath is Path with every segment passed through the codec's encoder.
func (p *Path) RawPath() string {
	if p.IsRoot() {
		return ""
	}
	names := make([]string, 0, len(p.parts)-1)
	for _, part := range p.parts[1:] {
		names = append(names, part.Raw())
	}
	s := strings.Join(names, "/")
	if p.folder {
		s += "/"
	}
	return s
}

// FullPath is Path with the storage-root prefix prepended.
func (p *Path) FullPath() string {
	if p.prepend == "" {
		return "/" + p.Path()
	}
	return p.prepend + "/" + p.Path()
}

// Materialized is the user-facing absolute path: always begins with "/",
// folders end with "/".
func (p *Path) Materialized() string {
	if p.IsRoot() {
		return "/"
	}
	return "/" + p.Path()
}

func (p *Path) String() string { return p.Materialized() }

// Parent returns the path one level up. The root's parent is the root.
func (p *Path) Parent() *Path {
	if p.IsRoot() {
		return p
	}
	return FromParts(p.parts[:len(p.parts)-1], true, WithPrepend(p.prepend), WithCodec(p.codec))
}

// Child creates a child path, inheriting prefix and codec.
func (p *Path) Child(name, id string, folder bool) *Path {
	parts := make([]Part, len(p.parts), len(p.parts)+1)
	copy(parts, p.parts)
	parts = append(parts, NewPart(p.codec.encode(name), id, p.codec))
	return FromParts(parts, folder, WithPrepend(p.prepend), WithCodec(p.codec))
}

// Rename returns a copy with the last part's display name replaced. The
// part's identifier is preserved.
func (p *Path) Rename(name string) *Path {
	parts := make([]Part, len(p.parts))
	copy(parts, p.parts)
	parts[len(parts)-1] = parts[len(parts)-1].renamed(name)
	return FromParts(parts, p.folder, WithPrepend(p.prepend), WithCodec(p.codec))
}

// IncrementName returns a copy whose last part carries the next numeric
// conflict suffix: "Foo.txt" becomes "Foo (1).txt", then "Foo (2).txt".
// The identifier of the last part is dropped since the renamed entity does
// not exist yet.
func (p *Path) IncrementName() *Path {
	parts := make([]Part, len(p.parts))
	copy(parts, p.parts)
	parts[len(parts)-1] = parts[len(parts)-1].incremented()
	return FromParts(parts, p.folder, WithPrepend(p.prepend), WithCodec(p.codec))
}

// Equal reports whether two paths agree under both projections.
func (p *Path) Equal(other *Path) bool {
	if other == nil || len(p.parts) != len(other.parts) || p.folder != other.folder {
		return false
	}
	for i := range p.parts {
		if p.parts[i].Value() != other.parts[i].Value() || p.parts[i].Identifier() != other.parts[i].Identifier() {
			return false
		}
	}
	return true
}

// ValidateFolder rejects paths that cannot name a new folder.
func ValidateFolder(p *Path) error {
	if !p.IsDir() {
		return errs.New(errs.KindCreateFolder, "path must be a directory", 400)
	}
	if p.IsRoot() {
		return errs.New(errs.KindCreateFolder, "path can not be root", 400)
	}
	return nil
}
