package storage

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Canonicalize converts a file reference (relative path, absolute path, or
// file:// URI) into the workspace-relative, slash-separated form used as the
// identity of a file everywhere in the store. References outside root keep
// their cleaned absolute form. An empty root leaves absolute paths absolute.
func Canonicalize(root, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}

	if strings.HasPrefix(ref, "file://") {
		if u, err := url.Parse(ref); err == nil && u.Path != "" {
			ref = u.Path
		} else {
			ref = strings.TrimPrefix(ref, "file://")
		}
	}

	ref = filepath.ToSlash(ref)
	if isAbs(ref) {
		ref = path.Clean(ref)
		if root != "" {
			base := path.Clean(filepath.ToSlash(root))
			if ref == base {
				return "."
			}
			if strings.HasPrefix(ref, base+"/") {
				return strings.TrimPrefix(ref, base+"/")
			}
		}
		return ref
	}

	cleaned := path.Clean(ref)
	return strings.TrimPrefix(cleaned, "./")
}

// isAbs treats both POSIX absolute paths and Windows drive paths as absolute.
func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && p[2] == '/'
}
