// Package rest is the shared HTTP envelope used by every storage backend.
//
// All methods are safe for concurrent calling.
package rest

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/streams"
)

// DefaultRetries is how many times a retryable status is retried before the
// response is surfaced.
const DefaultRetries = 2

// retryableStatuses are transient vendor failures worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// SignerFn mutates an outgoing request, typically to add auth material.
type SignerFn func(req *http.Request) error

// ByteRange is an inclusive request range.
type ByteRange struct {
	Start *int64
	End   *int64
}

// NewByteRange builds a fully-bounded range.
func NewByteRange(start, end int64) *ByteRange {
	return &ByteRange{Start: &start, End: &end}
}

// Header renders the range as a Range header value.
func (r *ByteRange) Header() string {
	var b strings.Builder
	b.WriteString("bytes=")
	if r.Start != nil {
		b.WriteString(strconv.FormatInt(*r.Start, 10))
	}
	b.WriteByte('-')
	if r.End != nil {
		b.WriteString(strconv.FormatInt(*r.End, 10))
	}
	return b.String()
}

// Client issues vendor API requests with shared headers, signing, retries,
// and global throttling applied.
type Client struct {
	mu      sync.RWMutex
	c       *http.Client
	headers map[string]string
	signer  SignerFn
	retries int
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient wraps an http.Client, usually one carrying an oauth transport.
func NewClient(c *http.Client) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{
		c:       c,
		headers: make(map[string]string),
		retries: DefaultRetries,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetHeader sets a header applied to every request.
func (api *Client) SetHeader(key, value string) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.headers[key] = value
	return api
}

// RemoveHeader unsets a shared header.
func (api *Client) RemoveHeader(key string) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	delete(api.headers, key)
	return api
}

// SetSigner sets a signer run on every request after headers are applied.
// Requests flagged NoAuthHeader skip it.
func (api *Client) SetSigner(signer SignerFn) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.signer = signer
	return api
}

// SetRetries overrides the retry budget for retryable statuses.
func (api *Client) SetRetries(retries int) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.retries = retries
	return api
}

// SetSleep replaces the inter-retry sleep. Tests use this to avoid real
// delays.
func (api *Client) SetSleep(sleep func(ctx context.Context, d time.Duration) error) *Client {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.sleep = sleep
	return api
}

// Opts parameterizes a single Call.
type Opts struct {
	Method string
	// URL is the absolute request URL. URLFunc, when set, is re-resolved
	// before every attempt and wins over URL; pre-signed URLs with short
	// expiries need the refresh.
	URL     string
	URLFunc func() (string, error)
	Headers map[string]string
	// NoAuthHeader skips the client signer and the shared Authorization
	// header, for vendor-pre-signed URLs that reject extra auth.
	NoAuthHeader  bool
	Body          io.Reader
	ContentLength *int64
	ContentType   string
	// Range is an inclusive byte range; either bound may be nil for an
	// open end.
	Range *ByteRange
	// Expects lists the acceptable status codes, default {200}. A
	// response outside the list becomes an errs.Error of kind Throws.
	Expects []int
	// Throws tags the error built from an unexpected response.
	Throws errs.Kind
	// NoRetry disables the transient-status retry loop for this call.
	NoRetry bool
}

func (o *Opts) resolveURL() (string, error) {
	if o.URLFunc != nil {
		return o.URLFunc()
	}
	if o.URL == "" {
		return "", errors.New("rest: no URL given")
	}
	return o.URL, nil
}

func (o *Opts) expected(status int) bool {
	if len(o.Expects) == 0 {
		return status == http.StatusOK
	}
	for _, code := range o.Expects {
		if code == status {
			return true
		}
	}
	return false
}

func (api *Client) buildRequest(ctx context.Context, opts *Opts) (*http.Request, error) {
	url, err := opts.resolveURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, url, opts.Body)
	if err != nil {
		return nil, errors.Wrap(err, "rest: build request")
	}
	api.mu.RLock()
	for k, v := range api.headers {
		if opts.NoAuthHeader && k == "Authorization" {
			continue
		}
		req.Header.Set(k, v)
	}
	signer := api.signer
	api.mu.RUnlock()

	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.ContentLength != nil {
		req.ContentLength = *opts.ContentLength
	}
	if opts.Range != nil {
		req.Header.Set("Range", opts.Range.Header())
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if signer != nil && !opts.NoAuthHeader {
		if err := signer(req); err != nil {
			return nil, errors.Wrap(err, "rest: sign request")
		}
	}
	return req, nil
}

// Call makes the request and returns the response once its status is in
// Expects. Transient statuses are retried with a growing backoff; other
// unexpected statuses become an errs.Error carrying the decoded body.
//
// On success the caller owns resp.Body.
func (api *Client) Call(ctx context.Context, opts *Opts) (*http.Response, error) {
	if opts == nil {
		return nil, errors.New("rest: Call with nil opts")
	}
	api.mu.RLock()
	retries := api.retries
	sleep := api.sleep
	api.mu.RUnlock()
	if opts.NoRetry {
		retries = 0
	}
	// A body can only be replayed when it is a rewindable stream; other
	// readers get a single attempt.
	if opts.Body != nil {
		if _, ok := opts.Body.(io.Seeker); !ok {
			retries = 0
		}
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		if err := waitThrottle(ctx); err != nil {
			return nil, err
		}
		req, err := api.buildRequest(ctx, opts)
		if err != nil {
			return nil, err
		}
		resp, err = api.c.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "rest: %s %s", opts.Method, req.URL.Redacted())
		}
		if opts.expected(resp.StatusCode) {
			return resp, nil
		}
		if !retryableStatuses[resp.StatusCode] || attempt >= retries {
			break
		}
		drain(resp)
		if err := sleep(ctx, time.Duration(attempt+1)*2*time.Second); err != nil {
			return nil, err
		}
		if seeker, ok := opts.Body.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, errors.Wrap(err, "rest: rewind body for retry")
			}
		}
	}

	kind := opts.Throws
	if kind == errs.KindInternal {
		kind = errs.KindMetadata
	}
	return resp, errs.FromResponse(resp, kind)
}

// CallJSON calls and decodes a JSON response body into result, closing the
// body. A nil result discards the body.
func (api *Client) CallJSON(ctx context.Context, opts *Opts, result interface{}) (*http.Response, error) {
	resp, err := api.Call(ctx, opts)
	if err != nil {
		return resp, err
	}
	if result == nil {
		drain(resp)
		return resp, nil
	}
	if err := DecodeJSON(resp, result); err != nil {
		return resp, err
	}
	return resp, nil
}

// CallXML calls and decodes an XML response body into result, closing the
// body. A nil result discards the body.
func (api *Client) CallXML(ctx context.Context, opts *Opts, result interface{}) (*http.Response, error) {
	resp, err := api.Call(ctx, opts)
	if err != nil {
		return resp, err
	}
	if result == nil {
		drain(resp)
		return resp, nil
	}
	if err := DecodeXML(resp, result); err != nil {
		return resp, err
	}
	return resp, nil
}

// Stream calls and hands back the response body as a Stream, sized from
// the response.
func (api *Client) Stream(ctx context.Context, opts *Opts) (*streams.ResponseReader, error) {
	resp, err := api.Call(ctx, opts)
	if err != nil {
		return nil, err
	}
	return streams.NewResponseReader(resp), nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// Close releases idle connections held by the underlying transport.
func (api *Client) Close() {
	api.mu.RLock()
	defer api.mu.RUnlock()
	api.c.CloseIdleConnections()
}
