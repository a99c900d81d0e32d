// Package s3 implements the provider contract against any S3-compatible
// object store using SigV4-signed raw REST calls.
//
// Folders are not first-class objects on S3: they are inferred from key
// prefixes, marked by zero-byte keys with a trailing slash, and deleting an
// occupied folder means deleting every key under its prefix.
package s3

import (
	"context"
	"crypto/md5"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sigv4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/sluiceproject/sluice/backend/s3/api"
	"github.com/sluiceproject/sluice/core"
	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/core/streams"
)

// ProviderName is the registry key.
const ProviderName = "s3"

// Defaults, overridable per provider instance through settings.
const (
	DefaultEndpoint = "https://s3.amazonaws.com"
	DefaultRegion   = "us-east-1"

	// DefaultChunkSize is the multipart part size.
	DefaultChunkSize = 8 << 20
	// DefaultContiguousCutoff is the largest single-request upload.
	DefaultContiguousCutoff = 32 << 20
	// DefaultBatchLimit caps one bulk-delete request.
	DefaultBatchLimit = 1000
	// DefaultAbortRetries bounds abort verification polls.
	DefaultAbortRetries = 5
	// DefaultAbortPoll is the delay between abort verification polls.
	DefaultAbortPoll = 500 * time.Millisecond
)

func init() {
	core.Register(ProviderName, func(auth core.Auth, creds core.Credentials, settings core.Settings) (core.Provider, error) {
		return New(auth, creds, settings)
	})
}

// Provider talks to one bucket.
type Provider struct {
	core.Base
	client           *rest.Client
	endpoint         string
	region           string
	bucket           string
	encrypt          bool
	chunkSize        int64
	contiguousCutoff int64
	batchLimit       int
	abortRetries     int
	abortPoll        time.Duration
}

// New builds an S3 provider from `bucket`, optional `endpoint`, `region`
// and `encrypt_uploads` settings, and `access_key`/`secret_key`
// credentials.
func New(auth core.Auth, creds core.Credentials, settings core.Settings) (*Provider, error) {
	bucket := settings.String("bucket")
	if bucket == "" {
		return nil, errs.InvalidParameters("s3 provider requires a 'bucket' setting")
	}
	endpoint := settings.String("endpoint")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	region := settings.String("region")
	if region == "" {
		region = DefaultRegion
	}

	p := &Provider{
		Base:             core.NewBase(ProviderName, auth, creds, settings),
		client:           rest.NewClient(nil),
		endpoint:         strings.TrimSuffix(endpoint, "/"),
		region:           region,
		bucket:           bucket,
		encrypt:          settings.Bool("encrypt_uploads"),
		chunkSize:        settings.Int64("chunk_size", DefaultChunkSize),
		contiguousCutoff: settings.Int64("contiguous_cutoff", DefaultContiguousCutoff),
		batchLimit:       int(settings.Int64("batch_limit", DefaultBatchLimit)),
		abortRetries:     int(settings.Int64("abort_retries", DefaultAbortRetries)),
		abortPoll:        DefaultAbortPoll,
	}

	accessKey, _ := creds["access_key"].(string)
	secretKey, _ := creds["secret_key"].(string)
	signer := sigv4.NewSigner()
	awsCreds := aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
	p.client.SetSigner(func(req *http.Request) error {
		req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
		return signer.SignHTTP(req.Context(), awsCreds, req, "UNSIGNED-PAYLOAD", "s3", p.region, time.Now().UTC())
	})
	return p, nil
}

// key converts a path into the bucket key, no leading slash. Folder keys
// keep their trailing slash; the root maps to the empty prefix.
func key(path *fpath.Path) string {
	if path.IsRoot() {
		return ""
	}
	return strings.TrimPrefix(path.Path(), "/")
}

func (p *Provider) objectURL(k string, query url.Values) string {
	u := p.endpoint + "/" + p.bucket + "/" + escapeKey(k)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// escapeKey percent-encodes each segment, preserving the slashes.
func escapeKey(k string) string {
	segments := strings.Split(k, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// ValidatePath accepts any well-formed path.
func (p *Provider) ValidatePath(ctx context.Context, raw string) (*fpath.Path, error) {
	return fpath.New(raw)
}

// ValidateV1Path verifies existence with the kind the trailing slash
// claims: HEAD for files, a prefix probe for folders.
func (p *Provider) ValidateV1Path(ctx context.Context, raw string) (*fpath.Path, error) {
	path, err := fpath.New(raw)
	if err != nil {
		return nil, err
	}
	if path.IsRoot() {
		return path, nil
	}
	if path.IsDir() {
		if _, err := p.folderMetadata(ctx, path); err != nil {
			return nil, errs.NotFound(path.Materialized())
		}
		return path, nil
	}
	if _, err := p.fileMetadata(ctx, path, ""); err != nil {
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

// CanIntraCopy advertises the server-side copy shortcut, files only.
func (p *Provider) CanIntraCopy(other core.Provider, path *fpath.Path) bool {
	return other.Name() == ProviderName && (path == nil || path.IsFile())
}

// CanIntraMove mirrors CanIntraCopy; a move is copy plus delete.
func (p *Provider) CanIntraMove(other core.Provider, path *fpath.Path) bool {
	return p.CanIntraCopy(other, path)
}

// Metadata HEADs a file or lists a folder prefix.
func (p *Provider) Metadata(ctx context.Context, path *fpath.Path) ([]metadata.Item, error) {
	if path.IsFile() {
		file, err := p.fileMetadata(ctx, path, "")
		if err != nil {
			return nil, err
		}
		return []metadata.Item{file}, nil
	}
	return p.folderMetadata(ctx, path)
}

func (p *Provider) fileMetadata(ctx context.Context, path *fpath.Path, revision string) (*metadata.File, error) {
	query := url.Values{}
	if rev := normalizeRevision(revision); rev != "" {
		query.Set("versionId", rev)
	}
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:  http.MethodHead,
		URL:     p.objectURL(key(path), query),
		Expects: []int{200, 204},
		Throws:  errs.KindMetadata,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	etag := api.TrimETag(resp.Header.Get("ETag"))
	extra := map[string]interface{}{"md5": etag}
	if enc := resp.Header.Get("x-amz-server-side-encryption"); enc != "" {
		extra["encryption"] = enc
	}
	if vid := resp.Header.Get("x-amz-version-id"); vid != "" {
		extra["version"] = vid
	}
	return &metadata.File{
		Entry: metadata.Entry{
			ProviderName:     ProviderName,
			EntryName:        path.Name(),
			EntryPath:        path.Materialized(),
			MaterializedPath: path.Materialized(),
			EntryETag:        etag,
			EntryExtra:       extra,
		},
		FileSize:    metadata.Int64(size),
		ContentType: resp.Header.Get("Content-Type"),
		Modified:    resp.Header.Get("Last-Modified"),
	}, nil
}

// folderMetadata pages through a delimited listing. An empty listing on a
// non-root path falls back to a HEAD on the folder marker key so a missing
// folder is distinguished from an empty one.
func (p *Provider) folderMetadata(ctx context.Context, path *fpath.Path) ([]metadata.Item, error) {
	prefix := key(path)

	var contents []api.Object
	var prefixes []api.CommonPrefix
	token := ""
	for {
		query := url.Values{}
		query.Set("list-type", "2")
		query.Set("prefix", prefix)
		query.Set("delimiter", "/")
		if token != "" {
			query.Set("continuation-token", token)
		}
		var page api.ListBucketResult
		_, err := p.client.CallXML(ctx, &rest.Opts{
			Method:  http.MethodGet,
			URL:     p.endpoint + "/" + p.bucket + "?" + query.Encode(),
			Expects: []int{200, 204},
			Throws:  errs.KindMetadata,
		}, &page)
		if err != nil {
			return nil, err
		}
		contents = append(contents, page.Contents...)
		prefixes = append(prefixes, page.CommonPrefixes...)
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}

	if len(contents) == 0 && len(prefixes) == 0 && prefix != "" {
		_, err := p.client.Call(ctx, &rest.Opts{
			Method:  http.MethodHead,
			URL:     p.objectURL(prefix, nil),
			Expects: []int{200, 204},
			Throws:  errs.KindMetadata,
		})
		if err != nil {
			return nil, errs.NotFound(path.Materialized())
		}
		return []metadata.Item{}, nil
	}

	items := make([]metadata.Item, 0, len(contents)+len(prefixes))
	for _, cp := range prefixes {
		items = append(items, folderItem(cp.Prefix))
	}
	for _, obj := range contents {
		if obj.Key == prefix {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			items = append(items, folderItem(obj.Key))
			continue
		}
		items = append(items, fileItemFromListing(obj))
	}
	return items, nil
}

func folderItem(prefix string) *metadata.Folder {
	parts := strings.Split(strings.TrimSuffix(prefix, "/"), "/")
	return &metadata.Folder{Entry: metadata.Entry{
		ProviderName:     ProviderName,
		EntryName:        parts[len(parts)-1],
		EntryPath:        "/" + prefix,
		MaterializedPath: "/" + prefix,
	}}
}

func fileItemFromListing(obj api.Object) *metadata.File {
	etag := api.TrimETag(obj.ETag)
	parts := strings.Split(obj.Key, "/")
	return &metadata.File{
		Entry: metadata.Entry{
			ProviderName:     ProviderName,
			EntryName:        parts[len(parts)-1],
			EntryPath:        "/" + obj.Key,
			MaterializedPath: "/" + obj.Key,
			EntryETag:        etag,
			EntryExtra:       map[string]interface{}{"md5": etag},
		},
		FileSize: metadata.Int64(obj.Size),
		Modified: obj.LastModified,
	}
}

// Download GETs the object, honoring Range, version selection, and
// response-content overrides for the display name.
func (p *Provider) Download(ctx context.Context, path *fpath.Path, opts *core.DownloadOptions) (streams.Stream, error) {
	if path.IsDir() {
		return nil, errs.New(errs.KindDownload, "no file specified for download", 400)
	}
	if opts == nil {
		opts = &core.DownloadOptions{}
	}
	query := url.Values{}
	if rev := normalizeRevision(opts.Revision); rev != "" {
		query.Set("versionId", rev)
	}
	if opts.DisplayName != "" {
		query.Set("response-content-disposition", "attachment; filename*=UTF-8''"+encodeDispositionValue(opts.DisplayName))
	}
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:  http.MethodGet,
		URL:     p.objectURL(key(path), query),
		Range:   opts.Range,
		Expects: []int{200, 206},
		Throws:  errs.KindDownload,
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

// encodeDispositionValue percent-encodes a filename for an RFC 5987
// filename* parameter. url.QueryEscape is the wrong shape here: it encodes
// spaces as "+", which disposition consumers take literally.
func encodeDispositionValue(name string) string {
	const safe = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_.~-/"
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(name) {
		if strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		}
	}
	return b.String()
}

// normalizeRevision homogenizes the version aliases. The sentinel and the
// "latest" spellings all mean the current version, i.e. no versionId.
func normalizeRevision(rev string) string {
	switch strings.ToLower(rev) {
	case "", "latest":
		return ""
	}
	if strings.HasSuffix(rev, metadata.RevisionSentinelSuffix) {
		return ""
	}
	return rev
}

// Upload puts the stream, chunked above the contiguous cutoff. Contiguous
// uploads are md5-verified against the returned ETag unless server-side
// encryption rewrites it.
func (p *Provider) Upload(ctx context.Context, stream streams.Stream, path *fpath.Path, conflict core.Conflict) (metadata.Item, bool, error) {
	path, exists, err := core.HandleNameConflict(ctx, p, path, conflict)
	if err != nil {
		return nil, false, err
	}

	if size := stream.Size(); size > p.contiguousCutoff {
		if err := p.uploadChunked(ctx, stream, key(path), size); err != nil {
			return nil, false, err
		}
	} else if err := p.uploadContiguous(ctx, stream, key(path)); err != nil {
		return nil, false, err
	}

	file, err := p.fileMetadata(ctx, path, "")
	if err != nil {
		return nil, false, err
	}
	return file, !exists, nil
}

func (p *Provider) uploadContiguous(ctx context.Context, stream streams.Stream, k string) error {
	hashed := streams.NewHashed(stream, streams.NewHashWriter("md5", md5.New))

	headers := map[string]string{}
	if p.encrypt {
		headers["x-amz-server-side-encryption"] = "AES256"
	}
	size := stream.Size()
	opts := &rest.Opts{
		Method:  http.MethodPut,
		URL:     p.objectURL(k, nil),
		Body:    hashed,
		Headers: headers,
		Expects: []int{200},
		Throws:  errs.KindUpload,
	}
	if size >= 0 {
		opts.ContentLength = &size
	}
	resp, err := p.client.Call(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if !p.encrypt {
		if etag := api.TrimETag(resp.Header.Get("ETag")); etag != "" {
			if hashed.Writer("md5").HexDigest() != etag {
				return errs.UploadChecksumMismatch()
			}
		}
	}
	return nil
}

// Delete removes a key, or everything under a folder prefix. Root deletion
// must be confirmed and leaves the bucket itself in place.
func (p *Provider) Delete(ctx context.Context, path *fpath.Path, confirmDelete int) error {
	if path.IsRoot() && confirmDelete != 1 {
		return errs.New(errs.KindDelete, "confirm_delete=1 is required for deleting root provider folder", 400)
	}
	if path.IsFile() {
		return p.deleteKey(ctx, key(path))
	}
	return p.deleteFolder(ctx, path)
}

func (p *Provider) deleteKey(ctx context.Context, k string) error {
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:  http.MethodDelete,
		URL:     p.objectURL(k, nil),
		Expects: []int{200, 204},
		Throws:  errs.KindDelete,
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// deleteFolder lists every key under the prefix, then deletes them one by
// one, switching to bulk POST /?delete batches once the listing exceeds
// the batch limit.
func (p *Provider) deleteFolder(ctx context.Context, path *fpath.Path) error {
	prefix := key(path)
	keys, err := p.listAllKeys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 && prefix != "" {
		// The marker key alone may represent the folder.
		keys = []string{prefix}
	}

	if len(keys) <= p.batchLimit {
		for _, k := range keys {
			if err := p.deleteKey(ctx, k); err != nil {
				return err
			}
		}
		return nil
	}
	for start := 0; start < len(keys); start += p.batchLimit {
		end := start + p.batchLimit
		if end > len(keys) {
			end = len(keys)
		}
		if err := p.bulkDelete(ctx, keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) listAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		query := url.Values{}
		query.Set("list-type", "2")
		query.Set("prefix", prefix)
		if token != "" {
			query.Set("continuation-token", token)
		}
		var page api.ListBucketResult
		_, err := p.client.CallXML(ctx, &rest.Opts{
			Method:  http.MethodGet,
			URL:     p.endpoint + "/" + p.bucket + "?" + query.Encode(),
			Expects: []int{200, 204},
			Throws:  errs.KindDelete,
		}, &page)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, obj.Key)
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			return keys, nil
		}
		token = page.NextContinuationToken
	}
}

func (p *Provider) bulkDelete(ctx context.Context, keys []string) error {
	doc := api.Delete{Quiet: true}
	for _, k := range keys {
		doc.Objects = append(doc.Objects, api.ObjectToMark{Key: k})
	}
	body, md5sum, err := marshalWithMD5(doc)
	if err != nil {
		return err
	}
	size := int64(body.Len())
	var result api.DeleteResult
	_, err = p.client.CallXML(ctx, &rest.Opts{
		Method:        http.MethodPost,
		URL:           p.endpoint + "/" + p.bucket + "?delete",
		Body:          body,
		ContentLength: &size,
		ContentType:   "text/xml",
		Headers:       map[string]string{"Content-MD5": md5sum},
		Expects:       []int{200},
		Throws:        errs.KindDelete,
	}, &result)
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		return errs.New(errs.KindDelete, "bulk delete failed for "+first.Key+": "+first.Message, 500)
	}
	return nil
}

// CreateFolder puts the zero-byte marker key with a trailing slash.
func (p *Provider) CreateFolder(ctx context.Context, path *fpath.Path) (*metadata.Folder, error) {
	if err := fpath.ValidateFolder(path); err != nil {
		return nil, err
	}
	_, exists, err := core.Exists(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.FolderNamingConflict(path.Name())
	}
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:  http.MethodPut,
		URL:     p.objectURL(key(path), nil),
		Expects: []int{200, 201},
		Throws:  errs.KindCreateFolder,
	})
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	return folderItem(key(path)), nil
}

// Revisions lists the key's version history.
func (p *Provider) Revisions(ctx context.Context, path *fpath.Path) ([]*metadata.Revision, error) {
	k := key(path)
	query := url.Values{}
	query.Set("versions", "")
	query.Set("prefix", k)
	query.Set("delimiter", "/")

	var result api.ListVersionsResult
	_, err := p.client.CallXML(ctx, &rest.Opts{
		Method:  http.MethodGet,
		URL:     p.endpoint + "/" + p.bucket + "?" + query.Encode(),
		Expects: []int{200},
		Throws:  errs.KindRevisions,
	}, &result)
	if err != nil {
		return nil, err
	}

	revisions := make([]*metadata.Revision, 0, len(result.Versions))
	for _, v := range result.Versions {
		if v.Key != k {
			continue
		}
		version := v.VersionID
		if v.IsLatest {
			version = "Latest"
		}
		revisions = append(revisions, &metadata.Revision{
			VersionIdentifier: "version",
			Version:           version,
			Modified:          v.LastModified,
			RevisionExtra:     map[string]interface{}{"md5": api.TrimETag(v.ETag)},
		})
	}
	return revisions, nil
}

// IntraCopy rewrites the key server-side via x-amz-copy-source. The
// destination provider's credentials must read the source bucket.
func (p *Provider) IntraCopy(ctx context.Context, dst core.Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	_, exists, err := core.Exists(ctx, dst, dstPath)
	if err != nil {
		return nil, false, err
	}
	source := "/" + p.bucket + "/" + key(srcPath)
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:  http.MethodPut,
		URL:     p.objectURL(key(dstPath), nil),
		Headers: map[string]string{"x-amz-copy-source": escapeKey(source)},
		Expects: []int{200},
		Throws:  errs.KindIntraCopy,
	})
	if err != nil {
		return nil, false, err
	}
	_ = resp.Body.Close()

	items, err := dst.Metadata(ctx, dstPath)
	if err != nil {
		return nil, false, err
	}
	return items[0], !exists, nil
}

// IntraMove is a server-side copy followed by deleting the source key.
func (p *Provider) IntraMove(ctx context.Context, dst core.Provider, srcPath, dstPath *fpath.Path) (metadata.Item, bool, error) {
	item, created, err := p.IntraCopy(ctx, dst, srcPath, dstPath)
	if err != nil {
		return nil, false, err
	}
	if err := p.deleteKey(ctx, key(srcPath)); err != nil {
		return nil, false, err
	}
	return item, created, nil
}

var _ core.Provider = (*Provider)(nil)
