package ingest

import (
	"path"
	"path/filepath"
	"strings"
)

// maxEntryNameLen bounds the final filename component of an archive entry.
const maxEntryNameLen = 100

// SanitizeEntryName reduces an untrusted archive entry path to a bare
// filename. Absolute paths and any traversal sequence are rejected
// outright; benign directory components are discarded since the published
// layout is flat. Returns ok=false on any violation; it never panics.
func SanitizeEntryName(entryPath string) (string, bool) {
	if entryPath == "" {
		return "", false
	}
	name := strings.ReplaceAll(entryPath, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", false
		}
	}
	name = path.Base(path.Clean(name))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", false
	}
	if len(name) > maxEntryNameLen {
		return "", false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", false
		}
	}
	if strings.ContainsAny(name, "/\\") {
		return "", false
	}
	return name, true
}

// Sanitize validates entryPath against baseDir and returns the absolute
// path the entry may be written to. The joined path must remain under
// baseDir; any escape is rejected with ok=false.
func Sanitize(entryPath, baseDir string) (string, bool) {
	name, ok := SanitizeEntryName(entryPath)
	if !ok {
		return "", false
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", false
	}
	joined := filepath.Join(base, name)
	if !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}
