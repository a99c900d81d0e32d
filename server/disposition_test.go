package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripForDisposition(t *testing.T) {
	cases := map[string]string{
		"foo.txt":      "foo.txt",
		"résumé.txt":   "resume.txt",
		" ¿.surprise":  " .surprise",
		`say "hi".txt`: `say \"hi\".txt`,
		`back\slash`:   `back\\slash`,
		"tab\there":    "tab_here",
		"":             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripForDisposition(in), "input %q", in)
	}
}

func TestEncodeForDisposition(t *testing.T) {
	cases := map[string]string{
		"foo.txt":            "foo.txt",
		"résumé.docx":        "r%C3%A9sum%C3%A9.docx",
		"oh no/why+stop.txt": "oh%20no/why%2Bstop.txt",
		"safe_.~-chars":      "safe_.~-chars",
	}
	for in, want := range cases {
		assert.Equal(t, want, encodeForDisposition(in), "input %q", in)
	}
}

func TestMakeDisposition(t *testing.T) {
	assert.Equal(t, "attachment", makeDisposition(""))
	assert.Equal(t,
		`attachment; filename="resume.txt"; filename*=UTF-8''r%C3%A9sum%C3%A9.txt`,
		makeDisposition("résumé.txt"))
	assert.Equal(t,
		`attachment; filename="plain.csv"; filename*=UTF-8''plain.csv`,
		makeDisposition("plain.csv"))
}

func TestDownloadContentTypeOverrides(t *testing.T) {
	assert.Equal(t, "text/csv", downloadContentType("report.csv", "application/vnd.ms-excel"))
	assert.Equal(t, "text/x-markdown", downloadContentType("README.md", ""))
	assert.Equal(t, "video/mp4", downloadContentType("clip.MP4", ""))
	assert.Equal(t, "image/png", downloadContentType("pic.png", "image/png"))
	assert.Equal(t, "application/octet-stream", downloadContentType("mystery.bin", ""))
}
