package store

import (
	"fmt"
	"strings"
)

const forbiddenKeyChars = ".$#[]"

// Clean trims surrounding slashes. The root path is "".
func Clean(path string) string {
	return strings.Trim(path, "/")
}

// Join concatenates path segments, skipping empty ones.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = Clean(p); p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// Split returns the segments of a cleaned path; the root has none.
func Split(path string) []string {
	path = Clean(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Parent returns the parent path, "" for top-level keys and the root.
func Parent(path string) string {
	path = Clean(path)
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// Base returns the last segment of path.
func Base(path string) string {
	path = Clean(path)
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ValidKey reports whether key may be used as a single path segment.
func ValidKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, forbiddenKeyChars+"/")
}

// ValidatePath rejects empty segments and characters the realtime database
// does not accept in keys.
func ValidatePath(path string) error {
	for _, seg := range Split(path) {
		if !ValidKey(seg) {
			return fmt.Errorf("store: invalid path %q", path)
		}
	}
	return nil
}

// IsWithin reports whether path equals base or lies below it.
func IsWithin(path, base string) bool {
	path, base = Clean(path), Clean(base)
	if base == "" || path == base {
		return true
	}
	return strings.HasPrefix(path, base+"/")
}

// Related reports whether a change at changed can alter the value at watched.
func Related(watched, changed string) bool {
	return IsWithin(changed, watched) || IsWithin(watched, changed)
}
