package server

import (
	"path"
	"strings"
)

// mimeOverrides forces download content types for extensions that browsers
// would otherwise try to render or sniff badly.
var mimeOverrides = map[string]string{
	".csv":  "text/csv",
	".md":   "text/x-markdown",
	".mp4":  "video/mp4",
	".m4v":  "video/m4v",
	".webm": "video/webm",
	".ogv":  "video/ogv",
}

// downloadContentType picks the Content-Type for a file download: the
// extension override first, then the type the backend reported, then a
// generic fallback.
func downloadContentType(name, reported string) string {
	if ct, ok := mimeOverrides[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	if reported != "" {
		return reported
	}
	return "application/octet-stream"
}
