// Package metadata defines the uniform descriptors every provider returns:
// files, folders, and file revisions. Backends populate the variants from
// their wire formats; serialization is shared and stable.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind tags the two entry variants.
type Kind string

// Entry kinds.
const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// RevisionSentinelSuffix marks a synthesized "latest" revision on backends
// without real version history. A download carrying a version equal to the
// entity's etag plus this suffix is served as the current version.
const RevisionSentinelSuffix = "-latest"

// Item is the interface shared by File and Folder.
type Item interface {
	Kind() Kind
	Provider() string
	Name() string
	// Path is the identifier projection: starts with "/", folders end
	// with "/".
	Path() string
	// Materialized is the human-readable projection with the same slash
	// conventions.
	Materialized() string
	ETag() string
	Extra() map[string]interface{}
	Serialized() map[string]interface{}
	JSONAPISerialized(resource string) map[string]interface{}
}

// Entry carries the fields common to files and folders.
type Entry struct {
	ProviderName     string
	EntryName        string
	EntryPath        string
	MaterializedPath string
	EntryETag        string
	EntryExtra       map[string]interface{}
}

// Provider is the backend this entry came from.
func (e *Entry) Provider() string { return e.ProviderName }

// Name is the display name.
func (e *Entry) Name() string { return e.EntryName }

// Path is the identifier projection.
func (e *Entry) Path() string { return e.EntryPath }

// ETag is the backend's raw entity tag, possibly empty for folders.
func (e *Entry) ETag() string { return e.EntryETag }

// Extra is the open map of backend-specific properties.
func (e *Entry) Extra() map[string]interface{} {
	if e.EntryExtra == nil {
		return map[string]interface{}{}
	}
	return e.EntryExtra
}

// Materialized is the human-readable projection, defaulting to Path.
func (e *Entry) Materialized() string {
	if e.MaterializedPath != "" {
		return e.MaterializedPath
	}
	return e.EntryPath
}

// HashETag produces the stable public etag: a hex sha256 over the provider
// name and the raw backend etag.
func HashETag(provider, etag string) string {
	sum := sha256.Sum256([]byte(provider + "::" + etag))
	return hex.EncodeToString(sum[:])
}

func (e *Entry) serializedCommon(kind Kind) map[string]interface{} {
	return map[string]interface{}{
		"extra":        e.Extra(),
		"kind":         string(kind),
		"name":         e.EntryName,
		"path":         e.EntryPath,
		"provider":     e.ProviderName,
		"materialized": e.Materialized(),
		"etag":         HashETag(e.ProviderName, e.EntryETag),
	}
}

func (e *Entry) links(resource string, folder bool) map[string]interface{} {
	segments := []string{"", "v1", "resources", resource, "providers", e.ProviderName}
	entityURL := strings.Join(segments, "/") + e.EntryPath

	links := map[string]interface{}{
		"move":   entityURL,
		"delete": entityURL,
		"upload": entityURL,
	}
	if folder {
		links["new_folder"] = entityURL
		links["download"] = nil
	} else {
		links["new_folder"] = nil
		links["download"] = entityURL
	}
	return links
}

func (e *Entry) jsonAPICommon(resource string, kind Kind, attributes map[string]interface{}) map[string]interface{} {
	attributes["resource"] = resource
	return map[string]interface{}{
		"id":         e.ProviderName + e.EntryPath,
		"type":       "files",
		"attributes": attributes,
		"links":      e.links(resource, kind == KindFolder),
	}
}

// File describes a single file.
type File struct {
	Entry
	// FileSize is nil when the backend does not report a size.
	FileSize    *int64
	ContentType string
	// Modified is the backend-formatted timestamp, verbatim.
	Modified string
	// CreatedUTC is nil when the backend does not track creation time.
	CreatedUTC *time.Time
}

// Kind returns KindFile.
func (f *File) Kind() Kind { return KindFile }

// ModifiedUTC parses Modified permissively, forces UTC, and zeroes
// sub-second precision. A missing Modified yields nil.
func (f *File) ModifiedUTC() *time.Time {
	return NormalizeTime(f.Modified)
}

// SizeAsInt coerces the size to an int64, returning ok=false when unknown.
func (f *File) SizeAsInt() (int64, bool) {
	if f.FileSize == nil {
		return 0, false
	}
	return *f.FileSize, true
}

// Serialized is the stable JSON form of a file.
func (f *File) Serialized() map[string]interface{} {
	out := f.serializedCommon(KindFile)
	out["contentType"] = orNil(f.ContentType)
	out["modified"] = orNil(f.Modified)
	out["modified_utc"] = timeOrNil(f.ModifiedUTC())
	out["created_utc"] = timeOrNil(f.CreatedUTC)
	if f.FileSize != nil {
		out["size"] = *f.FileSize
		out["sizeInt"] = *f.FileSize
	} else {
		out["size"] = nil
		out["sizeInt"] = nil
	}
	return out
}

// JSONAPISerialized is the JSON-API form of a file.
func (f *File) JSONAPISerialized(resource string) map[string]interface{} {
	return f.jsonAPICommon(resource, KindFile, f.Serialized())
}

// Folder describes a folder, optionally with an authoritative child list.
type Folder struct {
	Entry
	// Children is nil when unknown; an empty non-nil slice means the
	// folder is known to be empty.
	Children []Item
}

// Kind returns KindFolder.
func (f *Folder) Kind() Kind { return KindFolder }

// Serialized is the stable JSON form of a folder.
func (f *Folder) Serialized() map[string]interface{} {
	out := f.serializedCommon(KindFolder)
	if f.Children != nil {
		children := make([]map[string]interface{}, 0, len(f.Children))
		for _, child := range f.Children {
			children = append(children, child.Serialized())
		}
		out["children"] = children
	}
	return out
}

// JSONAPISerialized is the JSON-API form of a folder. Folders always report
// a null size.
func (f *Folder) JSONAPISerialized(resource string) map[string]interface{} {
	attributes := f.Serialized()
	attributes["size"] = nil
	return f.jsonAPICommon(resource, KindFolder, attributes)
}

// Revision describes one version of a file.
type Revision struct {
	// VersionIdentifier names the version key the backend uses, usually
	// "revision" or "version".
	VersionIdentifier string
	Version           string
	Modified          string
	RevisionExtra     map[string]interface{}
}

// ModifiedUTC parses Modified the same way File does.
func (r *Revision) ModifiedUTC() *time.Time {
	return NormalizeTime(r.Modified)
}

// Extra is the open map of backend-specific properties.
func (r *Revision) Extra() map[string]interface{} {
	if r.RevisionExtra == nil {
		return map[string]interface{}{}
	}
	return r.RevisionExtra
}

// Serialized is the stable JSON form of a revision.
func (r *Revision) Serialized() map[string]interface{} {
	return map[string]interface{}{
		"extra":             r.Extra(),
		"version":           r.Version,
		"modified":          orNil(r.Modified),
		"modified_utc":      timeOrNil(r.ModifiedUTC()),
		"versionIdentifier": r.VersionIdentifier,
	}
}

// JSONAPISerialized is the JSON-API form of a revision.
func (r *Revision) JSONAPISerialized() map[string]interface{} {
	return map[string]interface{}{
		"id":         r.Version,
		"type":       "file_versions",
		"attributes": r.Serialized(),
	}
}

// SentinelRevision synthesizes the single "latest" revision used by
// backends without version history.
func SentinelRevision(etag, modified string) *Revision {
	return &Revision{
		VersionIdentifier: "revision",
		Version:           etag + RevisionSentinelSuffix,
		Modified:          modified,
	}
}

// timeLayouts are tried in order by NormalizeTime.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// NormalizeTime permissively parses a backend timestamp, converts it to
// UTC, and truncates sub-second precision. It returns nil when the value
// cannot be parsed or is empty.
func NormalizeTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			utc := ts.UTC().Truncate(time.Second)
			return &utc
		}
	}
	return nil
}

func orNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// Int64 is a convenience for building nullable sizes.
func Int64(n int64) *int64 { return &n }

// String renders an item compactly for logs.
func String(item Item) string {
	return fmt.Sprintf("%s:%s(%s)", item.Provider(), item.Kind(), item.Materialized())
}
