// Package core defines the storage provider contract and the
// backend-independent orchestration built on top of it: naming and conflict
// resolution, cross-provider copy and move, and streaming folder archives.
package core

import (
	"context"
	"net/http"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/core/streams"
)

// Conflict names an upload/copy collision strategy.
type Conflict string

// Collision strategies.
const (
	// ConflictReplace overwrites whatever is at the destination.
	ConflictReplace Conflict = "replace"
	// ConflictWarn fails with a NamingConflict when the destination exists.
	ConflictWarn Conflict = "warn"
	// ConflictKeep increments the destination name until it is free.
	ConflictKeep Conflict = "keep"
)

// DefaultOpConcurrency bounds the file fan-out inside recursive folder
// operations when the caller does not configure one.
const DefaultOpConcurrency = 5

// Auth identifies the acting user for logging and callbacks.
type Auth struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	CallbackURL string `json:"callback_url"`
}

// Credentials is the opaque secret material a backend needs.
type Credentials map[string]interface{}

// Settings is the opaque per-resource backend configuration, e.g. bucket
// name or storage root.
type Settings map[string]interface{}

// String reads a string-valued setting, empty when absent.
func (s Settings) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Int64 reads an integer setting from either a float64 (JSON/YAML decode)
// or an int, returning fallback when absent.
func (s Settings) Int64(key string, fallback int64) int64 {
	switch v := s[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return fallback
	}
}

// Bool reads a boolean setting, false when absent.
func (s Settings) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// DownloadOptions tunes a Download call. The zero value downloads the whole
// current version.
type DownloadOptions struct {
	// Revision selects a version; empty, "latest" aliases and the
	// sentinel suffix all resolve to the current version.
	Revision string
	Range    *rest.ByteRange
	// DisplayName overrides the name a cross-provider copy or a
	// Content-Disposition header should carry.
	DisplayName string
	Mode        string
}

// Provider is the contract every storage backend implements. Metadata on a
// file path returns exactly one item; on a folder path it returns the
// folder's children.
type Provider interface {
	Name() string
	ProviderAuth() Auth
	ProviderCredentials() Credentials
	ProviderSettings() Settings
	DefaultHeaders() http.Header

	CanDuplicateNames() bool
	CanIntraCopy(other Provider, path *fpath.Path) bool
	CanIntraMove(other Provider, path *fpath.Path) bool
	SharesStorageRoot(other Provider) bool
	Equal(other Provider) bool

	ValidatePath(ctx context.Context, raw string) (*fpath.Path, error)
	ValidateV1Path(ctx context.Context, raw string) (*fpath.Path, error)
	RevalidatePath(ctx context.Context, base *fpath.Path, name string, folder bool) (*fpath.Path, error)
	PathFromMetadata(parent *fpath.Path, item metadata.Item) *fpath.Path

	Metadata(ctx context.Context, path *fpath.Path) ([]metadata.Item, error)
	Download(ctx context.Context, path *fpath.Path, opts *DownloadOptions) (streams.Stream, error)
	Upload(ctx context.Context, stream streams.Stream, path *fpath.Path, conflict Conflict) (metadata.Item, bool, error)
	Delete(ctx context.Context, path *fpath.Path, confirmDelete int) error
	CreateFolder(ctx context.Context, path *fpath.Path) (*metadata.Folder, error)
	Revisions(ctx context.Context, path *fpath.Path) ([]*metadata.Revision, error)

	IntraCopy(ctx context.Context, dst Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error)
	IntraMove(ctx context.Context, dst Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error)
}

// Base carries the identity and defaults shared by all backends. Embed it
// and override what the backend actually supports.
type Base struct {
	ProviderName string
	Auth         Auth
	Creds        Credentials
	Config       Settings
	Log          *logrus.Entry
}

// NewBase builds the common provider state.
func NewBase(name string, auth Auth, creds Credentials, settings Settings) Base {
	return Base{
		ProviderName: name,
		Auth:         auth,
		Creds:        creds,
		Config:       settings,
		Log:          logrus.WithField("provider", name),
	}
}

// Name is the registered backend identifier.
func (b *Base) Name() string { return b.ProviderName }

// ProviderAuth returns the acting user.
func (b *Base) ProviderAuth() Auth { return b.Auth }

// ProviderCredentials returns the secret material.
func (b *Base) ProviderCredentials() Credentials { return b.Creds }

// ProviderSettings returns the per-resource configuration.
func (b *Base) ProviderSettings() Settings { return b.Config }

// DefaultHeaders returns headers added to callback notifications; none by
// default.
func (b *Base) DefaultHeaders() http.Header { return nil }

// CanDuplicateNames reports whether a file and folder may share a name in
// the same container. Most backends allow it.
func (b *Base) CanDuplicateNames() bool { return true }

// CanIntraCopy reports whether a backend-native copy shortcut applies.
func (b *Base) CanIntraCopy(other Provider, path *fpath.Path) bool { return false }

// CanIntraMove reports whether a backend-native move shortcut applies.
func (b *Base) CanIntraMove(other Provider, path *fpath.Path) bool { return false }

// SharesStorageRoot reports whether the two providers address the same
// storage: same backend and same settings.
func (b *Base) SharesStorageRoot(other Provider) bool {
	return b.ProviderName == other.Name() &&
		reflect.DeepEqual(map[string]interface{}(b.Config), map[string]interface{}(other.ProviderSettings()))
}

// Equal reports whether the two providers act with the same identity: same
// backend and same credentials.
func (b *Base) Equal(other Provider) bool {
	return b.ProviderName == other.Name() &&
		reflect.DeepEqual(map[string]interface{}(b.Creds), map[string]interface{}(other.ProviderCredentials()))
}

// Revisions defaults to no version history. Backends with real histories
// override; callers synthesize a sentinel revision when they need one.
func (b *Base) Revisions(ctx context.Context, path *fpath.Path) ([]*metadata.Revision, error) {
	return []*metadata.Revision{}, nil
}

// IntraCopy fails unless the backend overrides it.
func (b *Base) IntraCopy(ctx context.Context, dst Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	return nil, false, errs.UnsupportedOperation("intra copy is not supported by " + b.ProviderName)
}

// IntraMove fails unless the backend overrides it.
func (b *Base) IntraMove(ctx context.Context, dst Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	return nil, false, errs.UnsupportedOperation("intra move is not supported by " + b.ProviderName)
}
