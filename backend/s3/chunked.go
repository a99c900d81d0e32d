package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/backend/s3/api"
	"github.com/sluiceproject/sluice/core/errs"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/core/streams"
)

// uploadChunked drives the multipart session: create, 1-indexed parts
// carved off the stream with cutoff wrappers, then an ordered completion.
// Any failure aborts the session and surfaces as an upload error
// wrapping the original cause: a verified abort reports the session as
// cleanly gone, an unverified one names manual cleanup.
func (p *Provider) uploadChunked(ctx context.Context, stream streams.Stream, k string, size int64) error {
	uploadID, err := p.createSession(ctx, k)
	if err != nil {
		return err
	}

	parts, err := p.uploadParts(ctx, stream, k, uploadID, size)
	if err == nil {
		err = p.completeSession(ctx, k, uploadID, parts)
	}
	if err == nil {
		return nil
	}

	if abortErr := p.abortSession(ctx, k, uploadID); abortErr != nil {
		return errs.New(errs.KindUpload,
			"chunked upload failed and the session could not be verified aborted; "+
				"parts may remain and require manual cleanup (uploadId "+uploadID+"): "+err.Error(),
			500)
	}
	return errs.New(errs.KindUpload,
		"chunked upload failed; the session was aborted cleanly and no parts remain (uploadId "+uploadID+"): "+err.Error(),
		errs.Code(err))
}

// createSession POSTs ?uploads. Encryption is set here so every part
// inherits it. Session creation is never retried; a half-created session
// is abort-worthy, not retry-worthy.
func (p *Provider) createSession(ctx context.Context, k string) (string, error) {
	headers := map[string]string{}
	if p.encrypt {
		headers["x-amz-server-side-encryption"] = "AES256"
	}
	var result api.InitiateMultipartUploadResult
	_, err := p.client.CallXML(ctx, &rest.Opts{
		Method:  http.MethodPost,
		URL:     p.objectURL(k, url.Values{"uploads": {""}}),
		Headers: headers,
		Expects: []int{200},
		Throws:  errs.KindUpload,
		NoRetry: true,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.UploadID == "" {
		return "", errs.New(errs.KindUpload, "multipart session created without an UploadId", 500)
	}
	return result.UploadID, nil
}

func (p *Provider) uploadParts(ctx context.Context, stream streams.Stream, k, uploadID string, size int64) ([]api.CompletedPart, error) {
	count := int(size / p.chunkSize)
	if size%p.chunkSize != 0 {
		count++
	}
	parts := make([]api.CompletedPart, 0, count)
	remaining := size
	for i := 1; i <= count; i++ {
		partSize := p.chunkSize
		if remaining < partSize {
			partSize = remaining
		}
		etag, err := p.uploadPart(ctx, streams.NewCutoff(stream, partSize), k, uploadID, i, partSize)
		if err != nil {
			return nil, err
		}
		parts = append(parts, api.CompletedPart{PartNumber: i, ETag: etag})
		remaining -= partSize
	}
	return parts, nil
}

func (p *Provider) uploadPart(ctx context.Context, chunk streams.Stream, k, uploadID string, number int, size int64) (string, error) {
	query := url.Values{}
	query.Set("partNumber", strconv.Itoa(number))
	query.Set("uploadId", uploadID)
	resp, err := p.client.Call(ctx, &rest.Opts{
		Method:        http.MethodPut,
		URL:           p.objectURL(k, query),
		Body:          chunk,
		ContentLength: &size,
		Expects:       []int{200},
		Throws:        errs.KindUpload,
	})
	if err != nil {
		return "", err
	}
	_ = resp.Body.Close()
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", errs.New(errs.KindUpload, "part "+strconv.Itoa(number)+" returned no ETag", 500)
	}
	return etag, nil
}

// completeSession POSTs the ordered part list. The body carries its own
// Content-MD5, base64 of the md5 digest.
func (p *Provider) completeSession(ctx context.Context, k, uploadID string, parts []api.CompletedPart) error {
	body, md5sum, err := marshalWithMD5(api.CompleteMultipartUpload{Parts: parts})
	if err != nil {
		return err
	}
	size := int64(body.Len())
	var result api.CompleteMultipartUploadResult
	_, err = p.client.CallXML(ctx, &rest.Opts{
		Method:        http.MethodPost,
		URL:           p.objectURL(k, url.Values{"uploadId": {uploadID}}),
		Body:          body,
		ContentLength: &size,
		ContentType:   "text/xml",
		Headers:       map[string]string{"Content-MD5": md5sum},
		Expects:       []int{200},
		Throws:        errs.KindUpload,
	}, &result)
	return err
}

// abortSession deletes the session and polls the part list until the
// backend agrees it is gone: a 404 or an empty list is clean. nil means
// the abort was verified.
func (p *Provider) abortSession(ctx context.Context, k, uploadID string) error {
	query := url.Values{"uploadId": {uploadID}}
	for attempt := 0; attempt <= p.abortRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.abortPoll)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		resp, err := p.client.Call(ctx, &rest.Opts{
			Method:  http.MethodDelete,
			URL:     p.objectURL(k, query),
			Expects: []int{200, 204, 404},
			Throws:  errs.KindUpload,
			NoRetry: true,
		})
		if err != nil {
			continue
		}
		_ = resp.Body.Close()

		listResp, err := p.client.Call(ctx, &rest.Opts{
			Method:  http.MethodGet,
			URL:     p.objectURL(k, query),
			Expects: []int{200, 404},
			Throws:  errs.KindUpload,
			NoRetry: true,
		})
		if err != nil {
			continue
		}
		if listResp.StatusCode == http.StatusNotFound {
			_ = listResp.Body.Close()
			return nil
		}
		var listed api.ListPartsResult
		if err := rest.DecodeXML(listResp, &listed); err != nil {
			continue
		}
		if len(listed.Parts) == 0 {
			return nil
		}
	}
	return errors.New("abort retries exhausted with parts still listed")
}

// marshalWithMD5 renders an XML document and the base64 md5 of its bytes,
// as S3 payload-integrity endpoints require.
func marshalWithMD5(doc interface{}) (*bytes.Reader, string, error) {
	raw, err := xml.Marshal(doc)
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal xml payload")
	}
	raw = append([]byte(xml.Header), raw...)
	sum := md5.Sum(raw)
	return bytes.NewReader(raw), base64.StdEncoding.EncodeToString(sum[:]), nil
}
