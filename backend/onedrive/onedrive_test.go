package onedrive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluiceproject/sluice/core"
	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/fpath"
	"github.com/sluiceproject/sluice/core/metadata"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/core/streams"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// fakeGraph captures every request and replays responses from the
// per-test handler.
type fakeGraph struct {
	mu       sync.Mutex
	url      string
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body []byte)
}

func newFakeGraph(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body []byte)) (*fakeGraph, *Provider) {
	t.Helper()
	f := &fakeGraph{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		f.mu.Unlock()
		f.handler(w, r, body)
	}))
	t.Cleanup(srv.Close)
	f.url = srv.URL

	p, err := New(core.Auth{ID: "u"},
		core.Credentials{"token": "tok-123"},
		core.Settings{"base_url": srv.URL + "/drive", "upload_cutoff": 4, "chunk_size": 4})
	require.NoError(t, err)
	p.copyPollInterval = time.Millisecond
	return f, p
}

func (f *fakeGraph) recorded(method, pathPrefix string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func idPath(t *testing.T, raw string, ids ...string) *fpath.Path {
	t.Helper()
	p, err := fpath.New(raw, fpath.WithIDs(ids...))
	require.NoError(t, err)
	return p
}

func TestResolveWalksIDs(t *testing.T) {
	ctx := context.Background()
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.URL.Path {
		case "/drive/root:/docs":
			writeJSON(w, 200, map[string]interface{}{"id": "F1", "name": "docs", "folder": map[string]int{"childCount": 1}})
		case "/drive/items/F1:/report.pdf":
			writeJSON(w, 200, map[string]interface{}{"id": "X9", "name": "report.pdf", "file": map[string]string{"mimeType": "application/pdf"}})
		default:
			w.WriteHeader(404)
		}
	})

	path, err := p.ValidateV1Path(ctx, "/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "X9", path.Identifier())
	assert.Equal(t, "F1", path.Parent().Identifier())
	assert.Equal(t, "root", path.Parent().Parent().Identifier())

	reqs := f.recorded(http.MethodGet, "/drive/root:/docs")
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer tok-123", reqs[0].Header.Get("Authorization"))
}

func TestResolveKindMismatch(t *testing.T) {
	ctx := context.Background()
	_, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, 200, map[string]interface{}{"id": "X9", "name": "docs", "file": map[string]string{"mimeType": "text/plain"}})
	})

	_, err := p.ValidateV1Path(ctx, "/docs/")
	require.Error(t, err)
	assert.Equal(t, 404, errs.Code(err))
}

func TestValidatePathToleratesMissingLeaf(t *testing.T) {
	ctx := context.Background()
	_, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(404)
	})

	path, err := p.ValidatePath(ctx, "/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "", path.Identifier())
	assert.Equal(t, "root", path.Parent().Identifier())

	_, err = p.ValidateV1Path(ctx, "/new.txt")
	require.Error(t, err)
	assert.Equal(t, 404, errs.Code(err))
}

func TestMetadataFolderListingPaged(t *testing.T) {
	ctx := context.Background()
	var f *fakeGraph
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch {
		case r.URL.Path == "/drive/items/F1" && r.URL.RawQuery == "":
			writeJSON(w, 200, map[string]interface{}{"id": "F1", "name": "docs", "folder": map[string]int{"childCount": 3}})
		case r.URL.Path == "/drive/items/F1/children" && r.URL.RawQuery == "":
			writeJSON(w, 200, map[string]interface{}{
				"value": []interface{}{
					map[string]interface{}{"id": "A1", "name": "a.txt", "size": 3, "eTag": "ea", "file": map[string]string{"mimeType": "text/plain"}},
					map[string]interface{}{"id": "D1", "name": "sub", "folder": map[string]int{"childCount": 0}},
				},
				"@odata.nextLink": f.url + "/drive/items/F1/children?page=2",
			})
		case r.URL.Path == "/drive/items/F1/children" && r.URL.RawQuery == "page=2":
			writeJSON(w, 200, map[string]interface{}{
				"value": []interface{}{
					map[string]interface{}{"id": "C3", "name": "c.md", "size": 9, "file": map[string]string{"mimeType": "text/markdown"}},
				},
			})
		default:
			w.WriteHeader(404)
		}
	})

	items, err := p.Metadata(ctx, idPath(t, "/docs/", "root", "F1"))
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "a.txt", items[0].Name())
	assert.Equal(t, "/docs/a.txt", items[0].Materialized())
	assert.Equal(t, "/A1", items[0].Path())

	folder, ok := items[1].(*metadata.Folder)
	require.True(t, ok)
	assert.Equal(t, "/docs/sub/", folder.Materialized())
	assert.Equal(t, "/D1/", folder.Path())
	assert.Equal(t, "D1", folder.Extra()["id"])
}

func TestMetadataDeletedItem(t *testing.T) {
	ctx := context.Background()
	_, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, 200, map[string]interface{}{
			"id": "X9", "name": "gone.txt",
			"file":    map[string]string{"mimeType": "text/plain"},
			"deleted": map[string]string{"state": "deleted"},
		})
	})

	_, err := p.Metadata(ctx, idPath(t, "/gone.txt", "root", "X9"))
	require.Error(t, err)
	assert.Equal(t, 404, errs.Code(err))
}

func TestDownloadFollowsPreSignedLink(t *testing.T) {
	ctx := context.Background()
	var f *fakeGraph
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.URL.Path {
		case "/drive/items/X9":
			writeJSON(w, 200, map[string]interface{}{
				"id": "X9", "name": "doc.txt", "size": 10,
				"file":                         map[string]string{"mimeType": "text/plain"},
				"@microsoft.graph.downloadUrl": f.url + "/dl/X9",
			})
		case "/dl/X9":
			w.WriteHeader(206)
			_, _ = w.Write([]byte("2345"))
		default:
			w.WriteHeader(404)
		}
	})

	s, err := p.Download(ctx, idPath(t, "/doc.txt", "root", "X9"), &core.DownloadOptions{
		Range:       rest.NewByteRange(2, 5),
		DisplayName: "renamed.txt",
	})
	require.NoError(t, err)
	out, err := streams.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(out))

	reader, ok := s.(*streams.ResponseReader)
	require.True(t, ok)
	assert.Equal(t, "renamed.txt", reader.Name())

	// The pre-signed link is fetched without the bearer token.
	reqs := f.recorded(http.MethodGet, "/dl/X9")
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "bytes=2-5", reqs[0].Header.Get("Range"))
}

func TestDownloadRevision(t *testing.T) {
	ctx := context.Background()
	var f *fakeGraph
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.URL.Path {
		case "/drive/items/X9/versions":
			writeJSON(w, 200, map[string]interface{}{
				"value": []interface{}{
					map[string]interface{}{"id": "2.0", "size": 12, "@microsoft.graph.downloadUrl": f.url + "/dl/v2"},
					map[string]interface{}{"id": "1.0", "size": 7, "@microsoft.graph.downloadUrl": f.url + "/dl/v1"},
				},
			})
		case "/dl/v1":
			_, _ = w.Write([]byte("older"))
		default:
			w.WriteHeader(404)
		}
	})
	path := idPath(t, "/doc.txt", "root", "X9")

	s, err := p.Download(ctx, path, &core.DownloadOptions{Revision: "1.0"})
	require.NoError(t, err)
	out, err := streams.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "older", string(out))

	_, err = p.Download(ctx, path, &core.DownloadOptions{Revision: "9.9"})
	require.Error(t, err)
	assert.Equal(t, 404, errs.Code(err))
}

func TestUploadContiguous(t *testing.T) {
	ctx := context.Background()
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.URL.Path {
		case "/drive/root:/new.txt:/content":
			writeJSON(w, 201, map[string]interface{}{
				"id": "N1", "name": "new.txt", "size": 2,
				"file": map[string]string{"mimeType": "text/plain"},
			})
		default:
			w.WriteHeader(404)
		}
	})

	item, created, err := p.Upload(ctx, streams.NewString("hi"), idPath(t, "/new.txt", "root"), core.ConflictReplace)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "new.txt", item.Name())
	assert.Equal(t, "/new.txt", item.Materialized())

	reqs := f.recorded(http.MethodPut, "/drive/root:/new.txt:/content")
	require.Len(t, reqs, 1)
	assert.Equal(t, "hi", string(reqs[0].Body))
}

func TestUploadSessionFragments(t *testing.T) {
	ctx := context.Background()
	var f *fakeGraph
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.URL.Path {
		case "/drive/root:/big.bin:/createUploadSession":
			writeJSON(w, 200, map[string]interface{}{"uploadUrl": f.url + "/up/sess1"})
		case "/up/sess1":
			if strings.HasPrefix(r.Header.Get("Content-Range"), "bytes 8-9/") {
				writeJSON(w, 201, map[string]interface{}{
					"id": "B7", "name": "big.bin", "size": 10,
					"file": map[string]string{"mimeType": "application/octet-stream"},
				})
				return
			}
			writeJSON(w, 202, map[string]interface{}{"nextExpectedRanges": []string{"4-"}})
		default:
			w.WriteHeader(404)
		}
	})

	item, created, err := p.Upload(ctx, streams.NewString("0123456789"), idPath(t, "/big.bin", "root"), core.ConflictReplace)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "big.bin", item.Name())

	puts := f.recorded(http.MethodPut, "/up/sess1")
	require.Len(t, puts, 3)
	assert.Equal(t, "bytes 0-3/10", puts[0].Header.Get("Content-Range"))
	assert.Equal(t, "bytes 4-7/10", puts[1].Header.Get("Content-Range"))
	assert.Equal(t, "bytes 8-9/10", puts[2].Header.Get("Content-Range"))
	assert.Equal(t, "0123456789", string(puts[0].Body)+string(puts[1].Body)+string(puts[2].Body))
	assert.Empty(t, puts[0].Header.Get("Authorization"))
}

func TestUploadSessionFailureCancels(t *testing.T) {
	ctx := context.Background()
	var f *fakeGraph
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch {
		case r.URL.Path == "/drive/root:/big.bin:/createUploadSession":
			writeJSON(w, 200, map[string]interface{}{"uploadUrl": f.url + "/up/sess2"})
		case r.URL.Path == "/up/sess2" && r.Method == http.MethodPut:
			w.WriteHeader(500)
		case r.URL.Path == "/up/sess2" && r.Method == http.MethodDelete:
			w.WriteHeader(204)
		default:
			w.WriteHeader(404)
		}
	})

	_, _, err := p.Upload(ctx, streams.NewString("0123456789"), idPath(t, "/big.bin", "root"), core.ConflictReplace)
	require.Error(t, err)
	assert.Equal(t, 500, errs.Code(err))
	assert.True(t, errs.IsKind(err, errs.KindUpload))

	require.Len(t, f.recorded(http.MethodDelete, "/up/sess2"), 1)
}

func TestRevalidatePathMatchesNameAndKind(t *testing.T) {
	ctx := context.Background()
	_, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, 200, map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{"id": "A1", "name": "a.txt", "file": map[string]string{"mimeType": "text/plain"}},
				map[string]interface{}{"id": "D1", "name": "sub", "folder": map[string]int{"childCount": 0}},
			},
		})
	})
	base := idPath(t, "/docs/", "root", "F1")

	path, err := p.RevalidatePath(ctx, base, "a.txt", false)
	require.NoError(t, err)
	assert.Equal(t, "A1", path.Identifier())
	assert.Equal(t, "/docs/a.txt", path.Materialized())

	_, err = p.RevalidatePath(ctx, base, "a.txt", true)
	require.Error(t, err)
	assert.Equal(t, 404, errs.Code(err))
}

func TestDeleteFolderIsNative(t *testing.T) {
	ctx := context.Background()
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(204)
	})

	require.NoError(t, p.Delete(ctx, idPath(t, "/docs/", "root", "F1"), 0))

	// One request total: no recursive child deletion.
	require.Len(t, f.recorded(http.MethodDelete, "/drive/items/F1"), 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.requests, 1)
}

func TestDeleteRootNeedsConfirm(t *testing.T) {
	ctx := context.Background()
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.URL.Path == "/drive/root/children" {
			writeJSON(w, 200, map[string]interface{}{
				"value": []interface{}{
					map[string]interface{}{"id": "A1", "name": "a.txt", "file": map[string]string{"mimeType": "text/plain"}},
					map[string]interface{}{"id": "D1", "name": "sub", "folder": map[string]int{"childCount": 0}},
				},
			})
			return
		}
		w.WriteHeader(204)
	})
	root := idPath(t, "/", "root")

	err := p.Delete(ctx, root, 0)
	require.Error(t, err)
	assert.Equal(t, 400, errs.Code(err))

	require.NoError(t, p.Delete(ctx, root, 1))
	assert.Len(t, f.recorded(http.MethodDelete, "/drive/items/"), 2)
}

func TestCreateFolder(t *testing.T) {
	ctx := context.Background()
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method == http.MethodPost && r.URL.Path == "/drive/root/children" {
			writeJSON(w, 201, map[string]interface{}{"id": "NF", "name": "fresh", "folder": map[string]int{"childCount": 0}})
			return
		}
		w.WriteHeader(404)
	})

	folder, err := p.CreateFolder(ctx, idPath(t, "/fresh/", "root"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", folder.Name())
	assert.Equal(t, "/fresh/", folder.Materialized())

	posts := f.recorded(http.MethodPost, "/drive/root/children")
	require.Len(t, posts, 1)
	assert.Contains(t, string(posts[0].Body), `"name":"fresh"`)
	assert.Contains(t, string(posts[0].Body), `"@microsoft.graph.conflictBehavior":"fail"`)
}

func TestCreateFolderConflict(t *testing.T) {
	ctx := context.Background()
	_, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method == http.MethodPost {
			w.WriteHeader(409)
			return
		}
		w.WriteHeader(404)
	})

	_, err := p.CreateFolder(ctx, idPath(t, "/fresh/", "root"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindFolderNamingConflict))
}

func TestRevisions(t *testing.T) {
	ctx := context.Background()
	_, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, 200, map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{"id": "3.0", "size": 30, "lastModifiedDateTime": "2017-09-20T15:16:02Z"},
				map[string]interface{}{"id": "2.0", "size": 20, "lastModifiedDateTime": "2017-09-19T10:00:00Z"},
			},
		})
	})

	revs, err := p.Revisions(ctx, idPath(t, "/doc.txt", "root", "X9"))
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, "revision", revs[0].VersionIdentifier)
	assert.Equal(t, "3.0", revs[0].Version)
	assert.Equal(t, int64(30), revs[0].RevisionExtra["size"])
}

func TestIntraMovePatches(t *testing.T) {
	ctx := context.Background()
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeJSON(w, 200, map[string]interface{}{
			"id": "X9", "name": "moved.txt", "size": 5,
			"file": map[string]string{"mimeType": "text/plain"},
		})
	})

	src := idPath(t, "/docs/doc.txt", "root", "F1", "X9")
	dst := idPath(t, "/archive/moved.txt", "root", "F2")

	item, created, err := p.IntraMove(ctx, p, src, dst)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "moved.txt", item.Name())
	assert.Equal(t, "/archive/moved.txt", item.Materialized())

	patches := f.recorded(http.MethodPatch, "/drive/items/X9")
	require.Len(t, patches, 1)
	assert.Contains(t, string(patches[0].Body), `"name":"moved.txt"`)
	assert.Contains(t, string(patches[0].Body), `"id":"F2"`)
}

func TestIntraCopyPollsMonitor(t *testing.T) {
	ctx := context.Background()
	var (
		f     *fakeGraph
		mu    sync.Mutex
		polls int
	)
	f, p := newFakeGraph(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.URL.Path {
		case "/drive/items/X9/copy":
			w.Header().Set("Location", f.url+"/monitor/1")
			w.WriteHeader(202)
		case "/monitor/1":
			mu.Lock()
			polls++
			done := polls >= 2
			mu.Unlock()
			if done {
				writeJSON(w, 200, map[string]interface{}{"status": "completed", "resourceId": "C7"})
				return
			}
			writeJSON(w, 202, map[string]interface{}{"status": "inProgress", "percentageComplete": 40.0})
		case "/drive/items/C7":
			writeJSON(w, 200, map[string]interface{}{
				"id": "C7", "name": "copy.txt", "size": 5,
				"file": map[string]string{"mimeType": "text/plain"},
			})
		default:
			w.WriteHeader(404)
		}
	})

	src := idPath(t, "/docs/doc.txt", "root", "F1", "X9")
	dst := idPath(t, "/archive/copy.txt", "root", "F2")

	item, created, err := p.IntraCopy(ctx, p, src, dst)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "copy.txt", item.Name())

	monitors := f.recorded(http.MethodGet, "/monitor/1")
	require.Len(t, monitors, 2)
	assert.Empty(t, monitors[0].Header.Get("Authorization"))
}
