package service

import "strings"

const defaultFilename = "download"

// DeriveFilename picks the attachment filename for a target path and content
// type. It never fails: an empty last segment becomes "download", a missing
// extension is filled in for HTML and image types, and every character
// outside [A-Za-z0-9._-] is replaced with '_'.
func DeriveFilename(urlPath, contentType string) string {
	name := urlPath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = defaultFilename
	}

	if !strings.Contains(name, ".") {
		name += extensionFor(contentType)
	}

	return sanitizeFilename(name)
}

// extensionFor returns the extension implied by contentType, or "" when the
// type does not suggest one.
func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return ".html"
	case strings.HasPrefix(ct, "image/"):
		subtype := strings.TrimPrefix(ct, "image/")
		if i := strings.IndexByte(subtype, ';'); i >= 0 {
			subtype = subtype[:i]
		}
		subtype = strings.TrimSpace(subtype)
		if subtype == "" {
			return ""
		}
		return "." + subtype
	default:
		return ""
	}
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
