package rest

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Extended request methods used by WebDAV-speaking backends. They go
// through the same Call path as the standard verbs.
const (
	MethodPropfind = "PROPFIND"
	MethodMkcol    = "MKCOL"
	MethodCopy     = "COPY"
	MethodMove     = "MOVE"
)

// ReadBody reads resp.Body fully, closing it.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// DecodeJSON decodes resp.Body into result, closing the body.
func DecodeJSON(resp *http.Response, result interface{}) error {
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return errors.Wrap(err, "rest: decode json body")
	}
	return nil
}

// DecodeXML decodes resp.Body into result, closing the body.
func DecodeXML(resp *http.Response, result interface{}) error {
	defer func() { _ = resp.Body.Close() }()
	if err := xml.NewDecoder(resp.Body).Decode(result); err != nil {
		return errors.Wrap(err, "rest: decode xml body")
	}
	return nil
}
