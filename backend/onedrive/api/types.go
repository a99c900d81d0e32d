// Package api holds the OneDrive wire types: the JSON documents exchanged
// with a Graph-style drive endpoint.
package api

// Item is a drive item: a file or folder. Exactly one of File and Folder
// facets is set.
type Item struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	ETag                 string         `json:"eTag"`
	Size                 int64          `json:"size"`
	WebURL               string         `json:"webUrl"`
	CreatedDateTime      string         `json:"createdDateTime"`
	LastModifiedDateTime string         `json:"lastModifiedDateTime"`
	DownloadURL          string         `json:"@microsoft.graph.downloadUrl"`
	File                 *FileFacet     `json:"file,omitempty"`
	Folder               *FolderFacet   `json:"folder,omitempty"`
	Deleted              *DeletedFacet  `json:"deleted,omitempty"`
	ParentReference      *ItemReference `json:"parentReference,omitempty"`
	Children             []Item         `json:"children,omitempty"`
}

// IsFolder reports whether the folder facet is present.
func (i *Item) IsFolder() bool { return i.Folder != nil }

// MimeType is the file facet's detected type, empty for folders.
func (i *Item) MimeType() string {
	if i.File == nil {
		return ""
	}
	return i.File.MimeType
}

// FileFacet is present on file items.
type FileFacet struct {
	MimeType string `json:"mimeType"`
}

// FolderFacet is present on folder items.
type FolderFacet struct {
	ChildCount int `json:"childCount"`
}

// DeletedFacet marks a tombstoned item in delta and metadata responses.
type DeletedFacet struct {
	State string `json:"state"`
}

// ItemReference addresses an item by id, used as a move/copy destination.
type ItemReference struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
}

// ItemList is a paged collection of items.
type ItemList struct {
	Value    []Item `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// PatchRequest renames an item and/or reparents it.
type PatchRequest struct {
	Name            string         `json:"name,omitempty"`
	ParentReference *ItemReference `json:"parentReference,omitempty"`
}

// CopyRequest starts an async server-side copy.
type CopyRequest struct {
	Name            string         `json:"name,omitempty"`
	ParentReference *ItemReference `json:"parentReference,omitempty"`
}

// AsyncStatus is the monitor document for a long-running operation.
type AsyncStatus struct {
	Status             string  `json:"status"`
	PercentageComplete float64 `json:"percentageComplete"`
	ResourceID         string  `json:"resourceId"`
}

// CreateFolderRequest is the body for POST .../children.
type CreateFolderRequest struct {
	Name             string      `json:"name"`
	Folder           FolderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior,omitempty"`
}

// UploadSession is the response to createUploadSession.
type UploadSession struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// Version is one entry of a file's version history, newest first. The
// current version carries a download link.
type Version struct {
	ID                   string `json:"id"`
	Size                 int64  `json:"size"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	DownloadURL          string `json:"@microsoft.graph.downloadUrl"`
}

// VersionList is the response to GET .../versions.
type VersionList struct {
	Value []Version `json:"value"`
}
