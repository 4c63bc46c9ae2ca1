package ingest

import (
	"fmt"
	"os"
	"syscall"
)

// CheckLinkSafety inspects a file that extraction has already written to
// disk. It stats without following symlinks and rejects anything that is
// not a plain regular file with a single link. The check runs after the
// write on purpose: the threat is the extraction step itself materializing
// an unsafe filesystem object, not just the archive declaring one.
func CheckLinkSafety(extractedPath string) (safe bool, kind string, reason string) {
	info, err := os.Lstat(extractedPath)
	if err != nil {
		return false, "missing", fmt.Sprintf("stat %s: %v", extractedPath, err)
	}
	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return false, "symlink", "extracted entry is a symbolic link"
	}
	if !mode.IsRegular() {
		return false, "special", fmt.Sprintf("extracted entry has mode %s, not a regular file", mode)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
		return false, "hardlink", fmt.Sprintf("extracted entry has %d links", st.Nlink)
	}
	return true, "regular", ""
}
