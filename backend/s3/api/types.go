// Package api holds the S3 wire types: the XML documents exchanged with
// any S3-compatible endpoint.
package api

import (
	"encoding/xml"
	"strings"
)

// ListBucketResult is the response to a list-type=2 object listing.
type ListBucketResult struct {
	XMLName               xml.Name       `xml:"ListBucketResult"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	KeyCount              int            `xml:"KeyCount"`
	IsTruncated           bool           `xml:"IsTruncated"`
	NextContinuationToken string         `xml:"NextContinuationToken"`
	Contents              []Object       `xml:"Contents"`
	CommonPrefixes        []CommonPrefix `xml:"CommonPrefixes"`
}

// Object is one key in a listing.
type Object struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

// CommonPrefix is a synthetic folder in a delimited listing.
type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// ListVersionsResult is the response to a ?versions listing.
type ListVersionsResult struct {
	XMLName     xml.Name  `xml:"ListVersionsResult"`
	IsTruncated bool      `xml:"IsTruncated"`
	Versions    []Version `xml:"Version"`
}

// Version is one revision of a key.
type Version struct {
	Key          string `xml:"Key"`
	VersionID    string `xml:"VersionId"`
	IsLatest     bool   `xml:"IsLatest"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

// InitiateMultipartUploadResult is the response to POST ?uploads.
type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// CompleteMultipartUpload is the request body finalizing a session. Parts
// must be in part-number order.
type CompleteMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []CompletedPart `xml:"Part"`
}

// CompletedPart pairs a part number with the ETag its PUT returned.
type CompletedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUploadResult is the response to the finalize POST.
type CompleteMultipartUploadResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	Key     string   `xml:"Key"`
	ETag    string   `xml:"ETag"`
}

// ListPartsResult is the response to GET ?uploadId, used to verify aborts.
type ListPartsResult struct {
	XMLName xml.Name        `xml:"ListPartsResult"`
	Parts   []CompletedPart `xml:"Part"`
}

// Delete is the request body for a bulk delete.
type Delete struct {
	XMLName xml.Name       `xml:"Delete"`
	Quiet   bool           `xml:"Quiet"`
	Objects []ObjectToMark `xml:"Object"`
}

// ObjectToMark names one key in a bulk delete.
type ObjectToMark struct {
	Key string `xml:"Key"`
}

// DeleteResult is the response to a bulk delete.
type DeleteResult struct {
	XMLName xml.Name      `xml:"DeleteResult"`
	Errors  []DeleteError `xml:"Error"`
}

// DeleteError is one failed key in a bulk delete response.
type DeleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// TrimETag strips the quotes S3 wraps around entity tags.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
