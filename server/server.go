// Package server exposes the v1 HTTP surface of the gateway: one uniform
// route per resource and provider, dispatching list, download, upload,
// delete, move and copy against whatever backend the configuration names.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/sluiceproject/sluice/core"
	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/core/streams"
)

// maxActionBody bounds the JSON body of a move/copy request.
const maxActionBody = 1 << 20

// Server wires the router, auth handler, notifier and metrics together.
type Server struct {
	cfg      *Config
	auth     AuthHandler
	notifier *Notifier
	metrics  *Metrics
	log      *logrus.Entry
}

// Option customizes a Server at construction.
type Option func(*Server)

// WithAuthHandler replaces the config-backed auth handler.
func WithAuthHandler(h AuthHandler) Option {
	return func(s *Server) { s.auth = h }
}

// New builds a Server from the configuration.
func New(cfg *Config, opts ...Option) (*Server, error) {
	signer, err := NewSigner(cfg.Callback.Secret, cfg.Callback.Algorithm)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		auth:     NewConfigAuth(cfg),
		notifier: NewNotifier(signer, time.Duration(cfg.Callback.TTL)*time.Second),
		metrics:  NewMetrics(),
		log:      logrus.WithField("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Drain waits for in-flight callback deliveries, for graceful shutdown.
func (s *Server) Drain() {
	s.notifier.Drain()
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "up"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.HandleFunc("/v1/resources/{resource}/providers/{provider}/*", s.handleProvider)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, s.log, errs.NotFound(r.URL.Path))
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	providerName := chi.URLParam(r, "provider")
	// The wildcard is escaped when the URL carried percent-encoding.
	rawPath := "/" + chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(rawPath); err == nil {
		rawPath = unescaped
	}

	ww, ok := w.(middleware.WrapResponseWriter)
	if !ok {
		ww = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	}
	defer func() {
		s.metrics.observeRequest(providerName, r.Method, ww.Status())
	}()

	log := s.log.WithFields(logrus.Fields{
		"resource": resource,
		"provider": providerName,
		"path":     rawPath,
	})

	var err error
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		err = s.handleGet(ww, r, resource, providerName, rawPath)
	case http.MethodPut:
		err = s.handlePut(ww, r, resource, providerName, rawPath)
	case http.MethodPost:
		err = s.handleMoveCopy(ww, r, resource, providerName, rawPath)
	case http.MethodDelete:
		err = s.handleDelete(ww, r, resource, providerName, rawPath)
	default:
		err = errs.UnsupportedHTTPMethod(r.Method, "get", "head", "put", "post", "delete")
	}
	if err != nil {
		writeError(ww, log, err)
	}
}

func (s *Server) buildProvider(r *http.Request, resource, name string) (core.Provider, error) {
	payload, err := s.auth.Get(r.Context(), resource, name, r)
	if err != nil {
		return nil, err
	}
	return core.NewProvider(name, payload.Auth, payload.Credentials, payload.Settings)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) error {
	ctx := r.Context()
	provider, err := s.buildProvider(r, resource, providerName)
	if err != nil {
		return err
	}
	path, err := provider.ValidateV1Path(ctx, rawPath)
	if err != nil {
		return err
	}
	q := r.URL.Query()

	if _, ok := q["zip"]; ok {
		if r.Method == http.MethodHead {
			return errs.UnsupportedHTTPMethod(r.Method, "get")
		}
		return s.downloadZip(w, r, provider, path)
	}

	if path.IsDir() {
		if r.Method == http.MethodHead {
			return errs.New(errs.KindUnsupportedOperation, "folder metadata headers are not supported", http.StatusNotImplemented)
		}
		items, err := provider.Metadata(ctx, path)
		if err != nil {
			return err
		}
		data := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			data = append(data, item.JSONAPISerialized(resource))
		}
		writeData(w, http.StatusOK, data)
		return nil
	}

	if _, ok := q["meta"]; ok || r.Method == http.MethodHead {
		return s.fileMetadata(w, r, provider, path, resource)
	}
	if hasAny(q, "revisions", "versions") {
		revs, err := provider.Revisions(ctx, path)
		if err != nil {
			return err
		}
		data := make([]map[string]interface{}, 0, len(revs))
		for _, rev := range revs {
			data = append(data, rev.JSONAPISerialized())
		}
		writeData(w, http.StatusOK, data)
		return nil
	}
	return s.downloadFile(w, r, provider, path)
}

// fileMetadata serves ?meta GETs as an envelope and HEADs as bare headers.
func (s *Server) fileMetadata(w http.ResponseWriter, r *http.Request, provider core.Provider, path *fpath.Path, resource string) error {
	items, err := provider.Metadata(r.Context(), path)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errs.NotFound(path.Materialized())
	}
	if r.Method == http.MethodGet {
		writeData(w, http.StatusOK, items[0].JSONAPISerialized(resource))
		return nil
	}
	if f, ok := items[0].(*metadata.File); ok {
		if size, ok := f.SizeAsInt(); ok {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		if mod := f.ModifiedUTC(); mod != nil {
			w.Header().Set("Last-Modified", mod.Format(http.TimeFormat))
		}
		w.Header().Set("Content-Type", downloadContentType(f.Name(), f.ContentType))
	}
	raw, err := json.Marshal(items[0].JSONAPISerialized(resource))
	if err == nil {
		w.Header().Set("X-Sluice-Metadata", string(raw))
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request, provider core.Provider, path *fpath.Path) error {
	q := r.URL.Query()
	revision := q.Get("version")
	if revision == "" {
		revision = q.Get("revision")
	}
	opts := &core.DownloadOptions{
		Revision:    revision,
		Range:       parseRange(r.Header.Get("Range")),
		DisplayName: q.Get("displayName"),
		Mode:        q.Get("mode"),
	}
	stream, err := provider.Download(r.Context(), path, opts)
	if err != nil {
		return err
	}
	defer func() { _ = streams.Close(stream) }()

	name := opts.DisplayName
	if name == "" {
		if named, ok := stream.(interface{ Name() string }); ok {
			name = named.Name()
		}
	}
	if name == "" {
		name = path.Name()
	}
	reported := ""
	if typed, ok := stream.(interface{ ContentType() string }); ok {
		reported = typed.ContentType()
	}

	w.Header().Set("Content-Type", downloadContentType(name, reported))
	if size := stream.Size(); size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Disposition", makeDisposition(name))

	status := http.StatusOK
	if partial, ok := stream.(interface{ Partial() bool }); ok && partial.Partial() {
		status = http.StatusPartialContent
		if ranged, ok := stream.(interface{ ContentRange() string }); ok {
			w.Header().Set("Content-Range", ranged.ContentRange())
		}
	}
	w.WriteHeader(status)

	n, err := io.Copy(w, stream)
	s.metrics.observeDownload(provider.Name(), n)
	if err != nil {
		// Headers are already sent; all we can do is cut the stream.
		s.log.WithError(err).Warn("download stream interrupted")
	}
	return nil
}

func (s *Server) downloadZip(w http.ResponseWriter, r *http.Request, provider core.Provider, path *fpath.Path) error {
	stream := core.Zip(r.Context(), provider, path)
	defer func() { _ = streams.Close(stream) }()

	name := path.Name()
	if name == "" {
		name = provider.Name()
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", makeDisposition(name+".zip"))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, stream)
	s.metrics.observeDownload(provider.Name(), n)
	if err != nil {
		s.log.WithError(err).Warn("zip stream interrupted")
	}
	return nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) error {
	ctx := r.Context()
	q := r.URL.Query()

	kind := q.Get("kind")
	if kind == "" {
		kind = "file"
	}
	if kind != "file" && kind != "folder" {
		return errs.InvalidParameters("kind must be file or folder")
	}
	if kind == "file" && r.ContentLength < 0 {
		return errs.New(errs.KindInvalidParameters, "Content-Length is required for file uploads", http.StatusLengthRequired)
	}
	if kind == "folder" && r.ContentLength > 0 {
		return errs.New(errs.KindInvalidParameters, "folder creation requests may not have a body", http.StatusRequestEntityTooLarge)
	}
	name := q.Get("name")

	provider, err := s.buildProvider(r, resource, providerName)
	if err != nil {
		return err
	}
	path, err := provider.ValidateV1Path(ctx, rawPath)
	if err != nil {
		return err
	}

	var target *fpath.Path
	if path.IsDir() {
		if name == "" {
			return errs.InvalidParameters("name is a required parameter when a folder path is given")
		}
		target, err = provider.RevalidatePath(ctx, path, name, kind == "folder")
		if errs.IsKind(err, errs.KindNotFound) {
			target, err = path.Child(name, "", kind == "folder"), nil
		}
		if err != nil {
			return err
		}
	} else {
		if name != "" {
			return errs.InvalidParameters("name is not an allowed parameter when a file path is given")
		}
		if kind == "folder" {
			return errs.New(errs.KindInvalidParameters, "cannot create a folder at a file path", http.StatusConflict)
		}
		target = path
	}

	auth := provider.ProviderAuth()
	if target.IsDir() {
		folder, err := provider.CreateFolder(ctx, target)
		if err != nil {
			return err
		}
		writeData(w, http.StatusCreated, folder.JSONAPISerialized(resource))
		s.notifier.Notify(ActionCreateFolder, auth, &CallbackSource{
			Resource: resource,
			Provider: providerName,
			Metadata: folder.Serialized(),
		}, nil)
		return nil
	}

	conflict := core.Conflict(q.Get("conflict"))
	if conflict == "" {
		conflict = core.ConflictWarn
	}
	item, created, err := provider.Upload(ctx, streams.NewRequestReader(r), target, conflict)
	if err != nil {
		return err
	}
	s.metrics.observeUpload(providerName, r.ContentLength)

	status, action := http.StatusOK, ActionUpdate
	if created {
		status, action = http.StatusCreated, ActionCreate
	}
	writeData(w, status, item.JSONAPISerialized(resource))
	s.notifier.Notify(action, auth, &CallbackSource{
		Resource: resource,
		Provider: providerName,
		Metadata: item.Serialized(),
	}, nil)
	return nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) error {
	ctx := r.Context()
	provider, err := s.buildProvider(r, resource, providerName)
	if err != nil {
		return err
	}
	path, err := provider.ValidateV1Path(ctx, rawPath)
	if err != nil {
		return err
	}
	confirm, _ := strconv.Atoi(r.URL.Query().Get("confirm_delete"))
	if err := provider.Delete(ctx, path, confirm); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	s.notifier.Notify(ActionDelete, provider.ProviderAuth(), &CallbackSource{
		Resource: resource,
		Provider: providerName,
		Path:     path.Materialized(),
	}, nil)
	return nil
}

// moveCopyRequest is the POST action body. Rename applies on top of move
// and copy as well; a bare rename action moves within the parent folder.
type moveCopyRequest struct {
	Action   string `json:"action"`
	Rename   string `json:"rename"`
	Conflict string `json:"conflict"`
	Path     string `json:"path"`
	Provider string `json:"provider"`
	Resource string `json:"resource"`
}

func (s *Server) handleMoveCopy(w http.ResponseWriter, r *http.Request, resource, providerName, rawPath string) error {
	ctx := r.Context()
	if r.ContentLength < 0 {
		return errs.New(errs.KindInvalidParameters, "Content-Length is required", http.StatusLengthRequired)
	}
	if r.ContentLength > maxActionBody {
		return errs.New(errs.KindInvalidParameters, "request body is too large", http.StatusRequestEntityTooLarge)
	}
	var req moveCopyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxActionBody)).Decode(&req); err != nil {
		return errs.InvalidParameters("could not parse JSON request body")
	}

	switch req.Action {
	case "rename":
		if req.Rename == "" {
			return errs.InvalidParameters("rename is required for rename actions")
		}
	case "move", "copy":
		if req.Path == "" {
			return errs.InvalidParameters("path is required for move and copy actions")
		}
	default:
		return errs.InvalidParameters("action must be one of move, copy or rename")
	}

	srcProvider, err := s.buildProvider(r, resource, providerName)
	if err != nil {
		return err
	}
	srcPath, err := srcProvider.ValidateV1Path(ctx, rawPath)
	if err != nil {
		return err
	}
	if srcPath.IsRoot() {
		return errs.InvalidParameters("cannot move, copy or rename the storage root")
	}

	dstResource := resource
	dstProvider := srcProvider
	var dstPath *fpath.Path
	if req.Action == "rename" {
		dstPath = srcPath.Parent()
	} else {
		if req.Resource != "" {
			dstResource = req.Resource
		}
		dstProviderName := providerName
		if req.Provider != "" {
			dstProviderName = req.Provider
		}
		if dstResource != resource || dstProviderName != providerName {
			dstProvider, err = s.buildProvider(r, dstResource, dstProviderName)
			if err != nil {
				return err
			}
		}
		dstPath, err = dstProvider.ValidatePath(ctx, req.Path)
		if err != nil {
			return err
		}
		if dstPath.IsFile() {
			return errs.InvalidParameters("destination path must be a folder")
		}
	}

	conflict := core.Conflict(req.Conflict)
	if conflict == "" {
		conflict = core.ConflictWarn
	}
	opts := &core.TransferOptions{
		Rename:      req.Rename,
		Conflict:    conflict,
		Concurrency: s.cfg.Operations.Concurrency,
	}

	var item metadata.Item
	var created bool
	action := ActionMove
	if req.Action == "copy" {
		action = ActionCopy
		item, created, err = core.Copy(ctx, srcProvider, dstProvider, srcPath, dstPath, opts)
	} else {
		item, created, err = core.Move(ctx, srcProvider, dstProvider, srcPath, dstPath, opts)
	}
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, item.JSONAPISerialized(dstResource))
	s.notifier.Notify(action, srcProvider.ProviderAuth(), &CallbackSource{
		Resource: resource,
		Provider: providerName,
		Path:     srcPath.Materialized(),
	}, &CallbackSource{
		Resource: dstResource,
		Provider: dstProvider.Name(),
		Metadata: item.Serialized(),
	})
	return nil
}

// rangeSpec is the single-range form honored on downloads. Suffix and
// multipart ranges are ignored and the whole file is served.
var rangeSpec = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

func parseRange(header string) *rest.ByteRange {
	m := rangeSpec.FindStringSubmatch(header)
	if m == nil {
		return nil
	}
	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	br := &rest.ByteRange{Start: &start}
	if m[2] != "" {
		end, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || end < start {
			return nil
		}
		br.End = &end
	}
	return br
}

func hasAny(q map[string][]string, keys ...string) bool {
	for _, key := range keys {
		if _, ok := q[key]; ok {
			return true
		}
	}
	return false
}
