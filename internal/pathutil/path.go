// Package pathutil canonicalizes event paths per spec.md §3: collapse
// repeated slashes, trim a trailing slash, drop disallowed bytes, and
// reject the empty/root path.
package pathutil

import "strings"

// Allowed reports whether b is a legal path byte: [-_/a-zA-Z0-9].
func Allowed(b byte) bool {
	switch {
	case b == '-' || b == '_' || b == '/':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	default:
		return false
	}
}

// Canonicalize cleans p per the allowed-character set, collapsing
// repeated '/' and dropping a trailing '/'. It returns ok=false for the
// empty path (including a path that canonicalizes to empty, e.g.
// "/////").
func Canonicalize(p string) (string, bool) {
	var b strings.Builder
	b.Grow(len(p))

	lastWasSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if !Allowed(c) {
			continue
		}
		if c == '/' {
			if lastWasSlash {
				continue
			}
			lastWasSlash = true
		} else {
			lastWasSlash = false
		}
		b.WriteByte(c)
	}

	out := b.String()
	out = strings.TrimSuffix(out, "/")
	if out == "" {
		return "", false
	}
	return out, true
}
