// Package onedrive implements the provider contract against a Graph-style
// drive API where entities are addressed by opaque item ids rather than by
// path. Validation walks the path segment by segment to learn the ids;
// everything after that speaks ids.
package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/backend/onedrive/api"
	"github.com/sluiceproject/sluice/core"
	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/core/streams"
)

// ProviderName is the registry key.
const ProviderName = "onedrive"

// Defaults, overridable per provider instance through settings.
const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0/me/drive"

	// DefaultUploadCutoff is the largest single-request upload; bigger
	// streams go through an upload session.
	DefaultUploadCutoff = 4 << 20
	// DefaultChunkSize is the upload-session fragment size. The session
	// endpoint requires a multiple of 320 KiB.
	DefaultChunkSize = 32 * (320 << 10)
	// DefaultCopyPollRetries bounds the async copy monitor polls.
	DefaultCopyPollRetries = 30
	// DefaultCopyPollInterval is the delay between copy monitor polls.
	DefaultCopyPollInterval = 500 * time.Millisecond
)

func init() {
	core.Register(ProviderName, func(auth core.Auth, creds core.Credentials, settings core.Settings) (core.Provider, error) {
		return New(auth, creds, settings)
	})
}

// Provider talks to one drive, mounted at the folder item named in
// settings ("root" for the drive root).
type Provider struct {
	core.Base
	client           *rest.Client
	baseURL          string
	folder           string
	uploadCutoff     int64
	chunkSize        int64
	copyPollRetries  int
	copyPollInterval time.Duration
}

// New builds a provider from a `token` credential and an optional `folder`
// setting naming the base folder item id.
func New(auth core.Auth, creds core.Credentials, settings core.Settings) (*Provider, error) {
	token, _ := creds["token"].(string)
	if token == "" {
		return nil, errs.InvalidParameters("onedrive provider requires a 'token' credential")
	}
	baseURL := settings.String("base_url")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	folder := settings.String("folder")
	if folder == "" {
		folder = "root"
	}

	p := &Provider{
		Base:             core.NewBase(ProviderName, auth, creds, settings),
		client:           rest.NewClient(nil),
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		folder:           folder,
		uploadCutoff:     settings.Int64("upload_cutoff", DefaultUploadCutoff),
		chunkSize:        settings.Int64("chunk_size", DefaultChunkSize),
		copyPollRetries:  int(settings.Int64("copy_poll_retries", DefaultCopyPollRetries)),
		copyPollInterval: DefaultCopyPollInterval,
	}
	p.client.SetHeader("Authorization", "Bearer "+token)
	return p, nil
}

// itemURL addresses an item by id, with optional trailing segments. The
// drive root has its own alias.
func (p *Provider) itemURL(id string, segments ...string) string {
	u := p.baseURL + "/items/" + url.PathEscape(id)
	if id == "root" {
		u = p.baseURL + "/root"
	}
	if len(segments) > 0 {
		u += "/" + strings.Join(segments, "/")
	}
	return u
}

// childURL addresses a named child of an item with the colon path syntax.
// Trailing segments continue past the closing colon, e.g. ":/content".
func (p *Provider) childURL(parentID, name string, segments ...string) string {
	u := p.itemURL(parentID) + ":/" + url.PathEscape(name)
	if len(segments) > 0 {
		u += ":/" + strings.Join(segments, "/")
	}
	return u
}

// jsonBody renders a request document as a sized stream.
func jsonBody(doc interface{}) streams.Stream {
	raw, err := json.Marshal(doc)
	if err != nil {
		// Wire types marshal by construction.
		panic(errors.Wrap(err, "marshal json payload"))
	}
	return streams.NewBytes(raw)
}

// ValidatePath resolves ids for each segment. A missing final segment is
// tolerated so the path can name an upload destination; a missing
// intermediate segment is not.
func (p *Provider) ValidatePath(ctx context.Context, raw string) (*fpath.Path, error) {
	return p.resolve(ctx, raw, false)
}

// ValidateV1Path additionally requires the final entity to exist with the
// kind the trailing slash claims.
func (p *Provider) ValidateV1Path(ctx context.Context, raw string) (*fpath.Path, error) {
	return p.resolve(ctx, raw, true)
}

func (p *Provider) resolve(ctx context.Context, raw string, strict bool) (*fpath.Path, error) {
	path, err := fpath.New(raw)
	if err != nil {
		return nil, err
	}
	parts := path.Parts()
	ids := make([]string, 1, len(parts))
	ids[0] = p.folder

	parentID := p.folder
	for i, part := range parts[1:] {
		last := i == len(parts)-2
		item, err := p.lookupChild(ctx, parentID, part.Value())
		if err != nil {
			if !errs.IsKind(err, errs.KindNotFound) {
				return nil, err
			}
			if !last || strict {
				return nil, errs.NotFound(path.Materialized())
			}
			break
		}
		if last && item.IsFolder() != path.IsDir() {
			if strict {
				return nil, errs.NotFound(path.Materialized())
			}
			break
		}
		if !last && !item.IsFolder() {
			return nil, errs.NotFound(path.Materialized())
		}
		ids = append(ids, item.ID)
		parentID = item.ID
	}

	return fpath.New(raw, fpath.WithIDs(ids...))
}

// lookupChild fetches a named child of an item. Missing children surface
// as KindNotFound.
func (p *Provider) lookupChild(ctx context.Context, parentID, name string) (*api.Item, error) {
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:  http.MethodGet,
		URL:     p.childURL(parentID, name),
		Expects: []int{200, 404},
		Throws:  errs.KindMetadata,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, errs.NotFound(name)
	}
	var item api.Item
	if err := rest.DecodeJSON(resp, &item); err != nil {
		return nil, err
	}
	if item.Deleted != nil {
		return nil, errs.NotFound(name)
	}
	return &item, nil
}

// RevalidatePath lists the base folder's children and matches on name and
// kind. No match is a 404 so callers can fall back to an id-less child.
func (p *Provider) RevalidatePath(ctx context.Context, base *fpath.Path, name string, folder bool) (*fpath.Path, error) {
	if base.Identifier() == "" {
		return nil, errs.NotFound(base.Materialized() + name)
	}
	children, err := p.listChildren(ctx, base.Identifier())
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Name == name && child.IsFolder() == folder {
			return base.Child(name, child.ID, folder), nil
		}
	}
	return nil, errs.NotFound(base.Materialized() + name)
}

// PathFromMetadata is the inverse of validate for listings.
func (p *Provider) PathFromMetadata(parent *fpath.Path, item metadata.Item) *fpath.Path {
	id, _ := item.Extra()["id"].(string)
	return parent.Child(item.Name(), id, item.Kind() == metadata.KindFolder)
}

// CanDuplicateNames is false: a file and a folder cannot share a name.
func (p *Provider) CanDuplicateNames() bool { return false }

// CanIntraCopy advertises the async server-side copy between any two
// providers of this type.
func (p *Provider) CanIntraCopy(other core.Provider, path *fpath.Path) bool {
	return other.Name() == ProviderName
}

// CanIntraMove requires the same drive; a PATCH cannot cross drives.
func (p *Provider) CanIntraMove(other core.Provider, path *fpath.Path) bool {
	return other.Name() == ProviderName && p.Equal(other)
}

// Metadata fetches one item, or a folder's children.
func (p *Provider) Metadata(ctx context.Context, path *fpath.Path) ([]metadata.Item, error) {
	if path.Identifier() == "" {
		return nil, errs.NotFound(path.Materialized())
	}
	item, err := p.fetchItem(ctx, path.Identifier())
	if err != nil {
		return nil, err
	}
	if item.IsFolder() != path.IsDir() {
		return nil, errs.NotFound(path.Materialized())
	}
	if path.IsFile() {
		return []metadata.Item{p.fileItem(item, path.Materialized())}, nil
	}

	children, err := p.listChildren(ctx, path.Identifier())
	if err != nil {
		return nil, err
	}
	items := make([]metadata.Item, 0, len(children))
	for _, child := range children {
		if child.Deleted != nil {
			continue
		}
		if child.IsFolder() {
			items = append(items, p.folderItem(&child, path.Materialized()+child.Name+"/"))
			continue
		}
		items = append(items, p.fileItem(&child, path.Materialized()+child.Name))
	}
	return items, nil
}

func (p *Provider) fetchItem(ctx context.Context, id string) (*api.Item, error) {
	var item api.Item
	_, err := p.client.CallJSON(ctx, &rest.Opts{
		Method:  http.MethodGet,
		URL:     p.itemURL(id),
		Expects: []int{200},
		Throws:  errs.KindMetadata,
	}, &item)
	if err != nil {
		return nil, err
	}
	if item.Deleted != nil {
		return nil, errs.NotFound(id)
	}
	return &item, nil
}

// listChildren pages through .../children following @odata.nextLink.
func (p *Provider) listChildren(ctx context.Context, id string) ([]api.Item, error) {
	var children []api.Item
	next := p.itemURL(id, "children")
	for next != "" {
		var page api.ItemList
		_, err := p.client.CallJSON(ctx, &rest.Opts{
			Method:  http.MethodGet,
			URL:     next,
			Expects: []int{200},
			Throws:  errs.KindMetadata,
		}, &page)
		if err != nil {
			return nil, err
		}
		children = append(children, page.Value...)
		next = page.NextLink
	}
	return children, nil
}

// Download follows the pre-signed download link, which must not carry the
// bearer token. Revisions resolve through the version history.
func (p *Provider) Download(ctx context.Context, path *fpath.Path, opts *core.DownloadOptions) (streams.Stream, error) {
	if path.IsDir() {
		return nil, errs.New(errs.KindDownload, "no file specified for download", 400)
	}
	if path.Identifier() == "" {
		return nil, errs.NotFound(path.Materialized())
	}
	if opts == nil {
		opts = &core.DownloadOptions{}
	}

	downloadURL := ""
	if rev := opts.Revision; !isCurrentRevision(rev) {
		versions, err := p.fetchVersions(ctx, path.Identifier())
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			if v.ID == rev {
				downloadURL = v.DownloadURL
				break
			}
		}
	} else {
		item, err := p.fetchItem(ctx, path.Identifier())
		if err != nil {
			return nil, err
		}
		downloadURL = item.DownloadURL
	}
	if downloadURL == "" {
		return nil, errs.NotFound(path.Materialized())
	}

	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:       http.MethodGet,
		URL:          downloadURL,
		NoAuthHeader: true,
		Range:        opts.Range,
		Expects:      []int{200, 206},
		Throws:       errs.KindDownload,
	})
	if err != nil {
		return nil, err
	}
	var readerOpts []streams.ResponseOption
	if opts.DisplayName != "" {
		readerOpts = append(readerOpts, streams.WithName(opts.DisplayName))
	}
	return streams.NewResponseReader(resp, readerOpts...), nil
}

// isCurrentRevision recognizes the aliases that mean "the live version".
func isCurrentRevision(rev string) bool {
	switch strings.ToLower(rev) {
	case "", "latest":
		return true
	}
	return strings.HasSuffix(rev, metadata.RevisionSentinelSuffix)
}

// Upload puts the stream under the parent item, through an upload session
// above the cutoff.
func (p *Provider) Upload(ctx context.Context, stream streams.Stream, path *fpath.Path, conflict core.Conflict) (metadata.Item, bool, error) {
	path, exists, err := core.HandleNameConflict(ctx, p, path, conflict)
	if err != nil {
		return nil, false, err
	}
	parentID := path.Parent().Identifier()
	if parentID == "" {
		return nil, false, errs.NotFound(path.Parent().Materialized())
	}

	var item *api.Item
	if size := stream.Size(); size > p.uploadCutoff {
		item, err = p.uploadSession(ctx, stream, parentID, path.Name(), size)
	} else {
		item, err = p.uploadContiguous(ctx, stream, parentID, path.Name(), size)
	}
	if err != nil {
		return nil, false, err
	}
	return p.fileItem(item, path.Materialized()), !exists, nil
}

func (p *Provider) uploadContiguous(ctx context.Context, stream streams.Stream, parentID, name string, size int64) (*api.Item, error) {
	var item api.Item
	opts := &rest.Opts{
		Method:  http.MethodPut,
		URL:     p.childURL(parentID, name, "content"),
		Body:    stream,
		Expects: []int{200, 201},
		Throws:  errs.KindUpload,
	}
	if size >= 0 {
		opts.ContentLength = &size
	}
	if _, err := p.client.CallJSON(ctx, opts, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// uploadSession creates an upload session and PUTs fixed-size fragments to
// its pre-signed URL, each carrying a Content-Range. The final fragment's
// response is the new item. A failed session is cancelled best-effort.
func (p *Provider) uploadSession(ctx context.Context, stream streams.Stream, parentID, name string, size int64) (*api.Item, error) {
	var session api.UploadSession
	_, err := p.client.CallJSON(ctx, &rest.Opts{
		Method: http.MethodPost,
		URL:    p.childURL(parentID, name, "createUploadSession"),
		Body: jsonBody(map[string]interface{}{
			"item": map[string]interface{}{
				"@microsoft.graph.conflictBehavior": "replace",
				"name":                              name,
			},
		}),
		ContentType: "application/json",
		Expects:     []int{200},
		Throws:      errs.KindUpload,
		NoRetry:     true,
	}, &session)
	if err != nil {
		return nil, err
	}
	if session.UploadURL == "" {
		return nil, errs.New(errs.KindUpload, "upload session created without an uploadUrl", 500)
	}

	item, err := p.uploadFragments(ctx, stream, &session, size)
	if err != nil {
		p.cancelSession(ctx, session.UploadURL)
		return nil, err
	}
	return item, nil
}

func (p *Provider) uploadFragments(ctx context.Context, stream streams.Stream, session *api.UploadSession, size int64) (*api.Item, error) {
	for offset := int64(0); offset < size; offset += p.chunkSize {
		n := p.chunkSize
		if size-offset < n {
			n = size - offset
		}
		resp, err := p.client.Call(ctx, &rest.Opts{
			Method:        http.MethodPut,
			URL:           session.UploadURL,
			NoAuthHeader:  true,
			Body:          streams.NewCutoff(stream, n),
			ContentLength: &n,
			Headers: map[string]string{
				"Content-Range": fmt.Sprintf("bytes %d-%d/%d", offset, offset+n-1, size),
			},
			Expects: []int{200, 201, 202},
			Throws:  errs.KindUpload,
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusAccepted {
			_ = resp.Body.Close()
			continue
		}
		var item api.Item
		if err := rest.DecodeJSON(resp, &item); err != nil {
			return nil, err
		}
		return &item, nil
	}
	return nil, errs.New(errs.KindUpload, "upload session exhausted the stream without a final response", 500)
}

func (p *Provider) cancelSession(ctx context.Context, uploadURL string) {
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:       http.MethodDelete,
		URL:          uploadURL,
		NoAuthHeader: true,
		Expects:      []int{204, 404},
		Throws:       errs.KindUpload,
		NoRetry:      true,
	})
	if err != nil {
		p.Log.WithError(err).Warn("upload session cancel failed")
		return
	}
	_ = resp.Body.Close()
}

// Delete removes an item; folder deletion is native, no recursion needed.
// Deleting the mount root must be confirmed and removes the children while
// keeping the root folder itself.
func (p *Provider) Delete(ctx context.Context, path *fpath.Path, confirmDelete int) error {
	if path.IsRoot() {
		if confirmDelete != 1 {
			return errs.New(errs.KindDelete, "confirm_delete=1 is required for deleting root provider folder", 400)
		}
		children, err := p.listChildren(ctx, path.Identifier())
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := p.deleteItem(ctx, child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if path.Identifier() == "" {
		return errs.NotFound(path.Materialized())
	}
	return p.deleteItem(ctx, path.Identifier())
}

func (p *Provider) deleteItem(ctx context.Context, id string) error {
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:  http.MethodDelete,
		URL:     p.itemURL(id),
		Expects: []int{204},
		Throws:  errs.KindDelete,
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// CreateFolder POSTs to the parent's children collection.
func (p *Provider) CreateFolder(ctx context.Context, path *fpath.Path) (*metadata.Folder, error) {
	if err := fpath.ValidateFolder(path); err != nil {
		return nil, err
	}
	parentID := path.Parent().Identifier()
	if parentID == "" {
		return nil, errs.NotFound(path.Parent().Materialized())
	}
	_, exists, err := core.Exists(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.FolderNamingConflict(path.Name())
	}

	var item api.Item
	_, err = p.client.CallJSON(ctx, &rest.Opts{
		Method: http.MethodPost,
		URL:    p.itemURL(parentID, "children"),
		Body: jsonBody(api.CreateFolderRequest{
			Name:             path.Name(),
			ConflictBehavior: "fail",
		}),
		ContentType: "application/json",
		Expects:     []int{201},
		Throws:      errs.KindCreateFolder,
	}, &item)
	if err != nil {
		if errs.Code(err) == 409 {
			return nil, errs.FolderNamingConflict(path.Name())
		}
		return nil, err
	}
	return p.folderItem(&item, path.Materialized()), nil
}

// Revisions lists the version history, newest first.
func (p *Provider) Revisions(ctx context.Context, path *fpath.Path) ([]*metadata.Revision, error) {
	if path.Identifier() == "" {
		return nil, errs.NotFound(path.Materialized())
	}
	versions, err := p.fetchVersions(ctx, path.Identifier())
	if err != nil {
		return nil, err
	}
	revisions := make([]*metadata.Revision, 0, len(versions))
	for _, v := range versions {
		revisions = append(revisions, &metadata.Revision{
			VersionIdentifier: "revision",
			Version:           v.ID,
			Modified:          v.LastModifiedDateTime,
			RevisionExtra:     map[string]interface{}{"size": v.Size},
		})
	}
	return revisions, nil
}

func (p *Provider) fetchVersions(ctx context.Context, id string) ([]api.Version, error) {
	var list api.VersionList
	_, err := p.client.CallJSON(ctx, &rest.Opts{
		Method:  http.MethodGet,
		URL:     p.itemURL(id, "versions"),
		Expects: []int{200},
		Throws:  errs.KindRevisions,
	}, &list)
	if err != nil {
		return nil, err
	}
	return list.Value, nil
}

// IntraCopy starts the async server-side copy and polls its monitor URL
// until the new item materializes.
func (p *Provider) IntraCopy(ctx context.Context, dst core.Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	created := dstPath.Identifier() == ""
	resp, err := p.client.CallJSON(ctx, &rest.Opts{
		Method: http.MethodPost,
		URL:    p.itemURL(srcPath.Identifier(), "copy"),
		Body: jsonBody(api.CopyRequest{
			Name:            dstPath.Name(),
			ParentReference: &api.ItemReference{ID: dstPath.Parent().Identifier()},
		}),
		ContentType: "application/json",
		Headers:     map[string]string{"Prefer": "respond-async"},
		Expects:     []int{202},
		Throws:      errs.KindIntraCopy,
	}, nil)
	if err != nil {
		return nil, false, err
	}
	monitorURL := resp.Header.Get("Location")
	if monitorURL == "" {
		return nil, false, errs.New(errs.KindIntraCopy, "copy accepted without a monitor location", 500)
	}

	item, err := p.awaitCopy(ctx, monitorURL)
	if err != nil {
		return nil, false, err
	}
	if item.IsFolder() {
		return p.folderItem(item, dstPath.Materialized()), created, nil
	}
	return p.fileItem(item, dstPath.Materialized()), created, nil
}

func (p *Provider) awaitCopy(ctx context.Context, monitorURL string) (*api.Item, error) {
	for attempt := 0; attempt <= p.copyPollRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.copyPollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		var status api.AsyncStatus
		_, err := p.client.CallJSON(ctx, &rest.Opts{
			Method:       http.MethodGet,
			URL:          monitorURL,
			NoAuthHeader: true,
			Expects:      []int{200, 202},
			Throws:       errs.KindIntraCopy,
		}, &status)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case "failed":
			return nil, errs.New(errs.KindIntraCopy, "server-side copy reported failure", 500)
		case "completed":
			return p.fetchItem(ctx, status.ResourceID)
		}
	}
	return nil, errs.New(errs.KindIntraCopy,
		"server-side copy has not completed in a timely manner; query the destination to see whether it finished", 202)
}

// IntraMove PATCHes the item's name and parent in one request.
func (p *Provider) IntraMove(ctx context.Context, dst core.Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	created := dstPath.Identifier() == ""
	var item api.Item
	_, err := p.client.CallJSON(ctx, &rest.Opts{
		Method: http.MethodPatch,
		URL:    p.itemURL(srcPath.Identifier()),
		Body: jsonBody(api.PatchRequest{
			Name:            dstPath.Name(),
			ParentReference: &api.ItemReference{ID: dstPath.Parent().Identifier()},
		}),
		ContentType: "application/json",
		Expects:     []int{200},
		Throws:      errs.KindIntraMove,
	}, &item)
	if err != nil {
		return nil, false, err
	}
	if item.IsFolder() {
		return p.folderItem(&item, dstPath.Materialized()), created, nil
	}
	return p.fileItem(&item, dstPath.Materialized()), created, nil
}

func (p *Provider) fileItem(item *api.Item, materialized string) *metadata.File {
	contentType := item.MimeType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &metadata.File{
		Entry: metadata.Entry{
			ProviderName:     ProviderName,
			EntryName:        item.Name,
			EntryPath:        "/" + item.ID,
			MaterializedPath: materialized,
			EntryETag:        item.ETag,
			EntryExtra: map[string]interface{}{
				"id":      item.ID,
				"etag":    item.ETag,
				"webView": item.WebURL,
			},
		},
		FileSize:    metadata.Int64(item.Size),
		ContentType: contentType,
		Modified:    item.LastModifiedDateTime,
	}
}

func (p *Provider) folderItem(item *api.Item, materialized string) *metadata.Folder {
	extra := map[string]interface{}{"id": item.ID}
	if item.ParentReference != nil {
		extra["parentReference"] = item.ParentReference.Path
	}
	return &metadata.Folder{
		Entry: metadata.Entry{
			ProviderName:     ProviderName,
			EntryName:        item.Name,
			EntryPath:        "/" + item.ID + "/",
			MaterializedPath: materialized,
			EntryETag:        item.ETag,
			EntryExtra:       extra,
		},
	}
}

var _ core.Provider = (*Provider)(nil)
