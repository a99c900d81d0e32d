package server

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// stripForDisposition reduces a filename to the ASCII fallback used in the
// plain filename= parameter. Accents are folded away via NFKD, remaining
// non-ASCII runes are dropped, quotes and backslashes are escaped, and
// control characters become underscores.
func stripForDisposition(name string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(name) {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case r > 0x7e:
			// combining marks and other non-ASCII fall away
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

const dispositionSafe = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_.~-/"

// encodeForDisposition percent-encodes a filename for the RFC 5987
// filename* parameter, leaving unreserved characters and slashes alone.
func encodeForDisposition(name string) string {
	var b strings.Builder
	for _, c := range []byte(name) {
		if strings.IndexByte(dispositionSafe, c) >= 0 {
			b.WriteByte(c)
		} else {
			const hexDigits = "0123456789ABCDEF"
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		}
	}
	return b.String()
}

// makeDisposition builds a Content-Disposition attachment header carrying
// both the ASCII fallback and the UTF-8 encoded filename. An empty name
// yields a bare attachment.
func makeDisposition(name string) string {
	if name == "" {
		return "attachment"
	}
	return `attachment; filename="` + stripForDisposition(name) + `"; filename*=UTF-8''` + encodeForDisposition(name)
}
