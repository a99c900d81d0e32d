// Package errs defines the error taxonomy shared by every provider and the
// HTTP layer. Each error carries an HTTP status code and a flag marking
// whether the failure was caused by the caller.
package errs

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Kind discriminates the members of the error tree.
type Kind int

// Error kinds. The Unhandled* block mirrors the per-verb failures that the
// request envelope raises when a backend returns an unexpected status.
const (
	KindInternal Kind = iota
	KindInvalidParameters
	KindUnsupportedHTTPMethod
	KindPlugin
	KindAuth
	KindProvider

	KindUnhandledProvider
	KindCopy
	KindCreateFolder
	KindDelete
	KindDownload
	KindIntraCopy
	KindIntraMove
	KindMove
	KindMetadata
	KindRevisions
	KindUpload

	KindNotFound
	KindInvalidPath
	KindNamingConflict
	KindFolderNamingConflict
	KindOverwriteSelf
	KindUnsupportedOperation
	KindReadOnlyProvider
	KindUploadChecksumMismatch
	KindUnexportableFileType
	KindUninitializedRepository
	KindProviderNotFound
)

var kindNames = map[Kind]string{
	KindInternal:                "internal",
	KindInvalidParameters:       "invalid_parameters",
	KindUnsupportedHTTPMethod:   "unsupported_http_method",
	KindPlugin:                  "plugin",
	KindAuth:                    "auth",
	KindProvider:                "provider",
	KindUnhandledProvider:       "unhandled_provider",
	KindCopy:                    "copy",
	KindCreateFolder:            "create_folder",
	KindDelete:                  "delete",
	KindDownload:                "download",
	KindIntraCopy:               "intra_copy",
	KindIntraMove:               "intra_move",
	KindMove:                    "move",
	KindMetadata:                "metadata",
	KindRevisions:               "revisions",
	KindUpload:                  "upload",
	KindNotFound:                "not_found",
	KindInvalidPath:             "invalid_path",
	KindNamingConflict:          "naming_conflict",
	KindFolderNamingConflict:    "folder_naming_conflict",
	KindOverwriteSelf:           "overwrite_self",
	KindUnsupportedOperation:    "unsupported_operation",
	KindReadOnlyProvider:        "read_only_provider",
	KindUploadChecksumMismatch:  "upload_checksum_mismatch",
	KindUnexportableFileType:    "unexportable_file_type",
	KindUninitializedRepository: "uninitialized_repository",
	KindProviderNotFound:        "provider_not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the one concrete error type in the gateway. Providers raise it,
// the envelope builds it from backend responses, and the HTTP layer maps it
// to a status code.
type Error struct {
	Kind      Kind
	Code      int
	Message   string
	UserError bool
	// Data holds the decoded JSON body of a backend error response, when
	// one was available.
	Data map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d, %s", e.Code, e.Message)
}

// New builds an error with an explicit kind, message and code.
func New(kind Kind, message string, code int) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// FromCode builds an error of the given kind from a bare status code.
// Every kind must be constructible this way so errors survive being
// round-tripped across process boundaries with only their code intact.
func FromCode(kind Kind, code int) *Error {
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf("%s error (%d)", kind, code),
	}
}

// InvalidParameters flags bad data sent by the caller.
func InvalidParameters(message string) *Error {
	return &Error{Kind: KindInvalidParameters, Code: http.StatusBadRequest, Message: message, UserError: true}
}

// UnsupportedHTTPMethod reports a verb this route does not implement.
func UnsupportedHTTPMethod(method string, supported ...string) *Error {
	list := "unspecified"
	if len(supported) > 0 {
		list = strings.ToUpper(strings.Join(supported, ", "))
	}
	return &Error{
		Kind:      KindUnsupportedHTTPMethod,
		Code:      http.StatusMethodNotAllowed,
		Message:   fmt.Sprintf("method %q not supported, currently supported methods are %s", method, list),
		UserError: true,
	}
}

// NotFound reports a missing file or folder.
func NotFound(path string) *Error {
	return &Error{
		Kind:      KindNotFound,
		Code:      http.StatusNotFound,
		Message:   fmt.Sprintf("could not retrieve file or directory %s", path),
		UserError: true,
	}
}

// InvalidPath reports a malformed path.
func InvalidPath(message string) *Error {
	return &Error{Kind: KindInvalidPath, Code: http.StatusBadRequest, Message: message, UserError: true}
}

// NamingConflict reports that a file or folder already exists at the target.
func NamingConflict(name string) *Error {
	return &Error{
		Kind:      KindNamingConflict,
		Code:      http.StatusConflict,
		Message:   fmt.Sprintf("cannot complete action: file or folder %q already exists in this location", name),
		UserError: true,
	}
}

// FolderNamingConflict reports a folder-creation collision.
func FolderNamingConflict(name string) *Error {
	return &Error{
		Kind:      KindFolderNamingConflict,
		Code:      http.StatusConflict,
		Message:   fmt.Sprintf("cannot create folder %q, because a file or folder already exists with that name", name),
		UserError: true,
	}
}

// OverwriteSelf reports a move or copy of an entity onto itself.
func OverwriteSelf(path string) *Error {
	return &Error{
		Kind:      KindOverwriteSelf,
		Code:      http.StatusBadRequest,
		Message:   fmt.Sprintf("unable to move or copy %q. Moving or copying a file or folder onto itself is not supported", path),
		UserError: true,
	}
}

// UnsupportedOperation reports an operation the provider cannot perform.
func UnsupportedOperation(message string) *Error {
	if message == "" {
		message = "the requested operation is not supported"
	}
	return &Error{Kind: KindUnsupportedOperation, Code: http.StatusForbidden, Message: message, UserError: true}
}

// ReadOnlyProvider reports a mutation attempted against a read-only backend.
func ReadOnlyProvider(provider string) *Error {
	return &Error{
		Kind:    KindReadOnlyProvider,
		Code:    http.StatusNotImplemented,
		Message: fmt.Sprintf("provider %q is read-only", provider),
	}
}

// UploadChecksumMismatch reports that the computed and backend-reported
// hashes of an upload disagree.
func UploadChecksumMismatch() *Error {
	return &Error{
		Kind:    KindUploadChecksumMismatch,
		Code:    http.StatusInternalServerError,
		Message: "calculated and received hashes don't match",
	}
}

// ProviderNotFound reports an unregistered provider name.
func ProviderNotFound(provider string) *Error {
	return &Error{
		Kind:    KindProviderNotFound,
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("provider %q not found", provider),
	}
}

// UninitializedRepository reports a repository-backed provider that has no
// usable storage yet.
func UninitializedRepository(message string) *Error {
	return &Error{Kind: KindUninitializedRepository, Code: http.StatusBadRequest, Message: message, UserError: true}
}

// UnexportableFileType reports a file that cannot be rendered as raw bytes.
func UnexportableFileType(message string, code int) *Error {
	return &Error{Kind: KindUnexportableFileType, Code: code, Message: message, UserError: true}
}

// Code extracts the HTTP status code from any error, defaulting to 500.
func Code(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return http.StatusInternalServerError
}

// IsUserError reports whether the failure was caused by the caller.
func IsUserError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.UserError
	}
	return false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// maxErrorBody bounds how much of a backend error response is read.
const maxErrorBody = 64 * 1024

// FromResponse builds, but does not raise, an error of the given kind from a
// backend response. The body is decoded as JSON when possible and kept as
// text otherwise.
func FromResponse(resp *http.Response, kind Kind) *Error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	if err != nil || len(body) == 0 {
		return &Error{
			Kind:    kind,
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("an error occurred while making a request to %s", resp.Request.URL),
		}
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err == nil {
		return &Error{Kind: kind, Code: resp.StatusCode, Message: string(body), Data: data}
	}
	return &Error{Kind: kind, Code: resp.StatusCode, Message: string(body)}
}
