// Package fileurl rewrites local file paths into URLs the engine can load.
package fileurl

import (
	"strings"
)

// LegacyPrefix is the pseudo-origin used by engine builds without native
// file URL support. A custom scheme handler on the engine side resolves it.
const LegacyPrefix = "http://absolute/"

type Options struct {
	// Legacy prefixes LegacyPrefix instead of producing a file URL.
	Legacy bool
}

// FromLocalPath percent-encodes path and turns it into a URL. Backslashes
// and slashes both become "/". A drive colon that precedes the first
// separator is kept, and such paths get the "file:///" prefix; other paths
// get "file://". An empty path yields "".
func FromLocalPath(path string, opts Options) string {
	if path == "" {
		return ""
	}
	enc := encode(path)

	drive := false
	colon := strings.Index(enc, "%3A")
	sep := firstSeparator(enc)
	if colon >= 0 && sep >= 0 && colon < sep {
		enc = enc[:colon] + ":" + enc[colon+3:]
		drive = true
	}

	enc = strings.ReplaceAll(enc, "%5C", "/")
	enc = strings.ReplaceAll(enc, "%2F", "/")

	switch {
	case opts.Legacy:
		return LegacyPrefix + enc
	case drive:
		return "file:///" + enc
	default:
		return "file://" + enc
	}
}

// NormalizeLegacy maps a LegacyPrefix address to a "file:///" URL. The
// prefix match ignores case. ok is false when url does not use the prefix.
func NormalizeLegacy(url string) (string, bool) {
	if len(url) < len(LegacyPrefix) || !strings.EqualFold(url[:len(LegacyPrefix)], LegacyPrefix) {
		return url, false
	}
	return "file:///" + url[len(LegacyPrefix):], true
}

func firstSeparator(enc string) int {
	s := strings.Index(enc, "%2F")
	b := strings.Index(enc, "%5C")
	switch {
	case s < 0:
		return b
	case b < 0:
		return s
	case s < b:
		return s
	default:
		return b
	}
}

const upperhex = "0123456789ABCDEF"

// encode escapes every byte except ASCII letters, digits and !'()*-._~.
func encode(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '!', '\'', '(', ')', '*', '-', '.', '_', '~':
		return true
	}
	return false
}
