package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLinkSafety(t *testing.T) {
	dir := t.TempDir()

	regular := filepath.Join(dir, "page.jpg")
	require.NoError(t, os.WriteFile(regular, []byte("data"), 0o644))
	safe, kind, _ := CheckLinkSafety(regular)
	assert.True(t, safe)
	assert.Equal(t, "regular", kind)

	link := filepath.Join(dir, "link.jpg")
	require.NoError(t, os.Symlink(regular, link))
	safe, kind, _ = CheckLinkSafety(link)
	assert.False(t, safe)
	assert.Equal(t, "symlink", kind)

	hard := filepath.Join(dir, "hard.jpg")
	require.NoError(t, os.Link(regular, hard))
	safe, kind, _ = CheckLinkSafety(hard)
	assert.False(t, safe)
	assert.Equal(t, "hardlink", kind)

	safe, kind, _ = CheckLinkSafety(filepath.Join(dir, "missing.jpg"))
	assert.False(t, safe)
	assert.Equal(t, "missing", kind)

	sub := filepath.Join(dir, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o755))
	safe, kind, _ = CheckLinkSafety(sub)
	assert.False(t, safe)
	assert.Equal(t, "special", kind)
}
