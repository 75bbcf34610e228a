package rfkill

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeName(t *testing.T, root string, idx int, content string) {
	t.Helper()
	dir := filepath.Join(root, "rfkill"+strconv.Itoa(idx))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(content), 0o644))
}

func sysfsTemplate(root string) string {
	return filepath.Join(root, "rfkill%d", "name")
}

func TestNameResolverReadsFirstLine(t *testing.T) {
	root := t.TempDir()
	writeName(t, root, 0, "phy0  \nsecond line\n")

	n := NewNameResolver(sysfsTemplate(root))
	assert.Equal(t, "phy0", n.Resolve(0))
}

func TestNameResolverPlaceholder(t *testing.T) {
	n := NewNameResolver(sysfsTemplate(t.TempDir()))
	assert.Equal(t, "<device:4>", n.Resolve(4))
	assert.Equal(t, Placeholder(4), n.Resolve(4))
}

func TestNameResolverEmptyFile(t *testing.T) {
	root := t.TempDir()
	writeName(t, root, 1, "\n")

	n := NewNameResolver(sysfsTemplate(root))
	assert.Equal(t, "<device:1>", n.Resolve(1))
}

func TestNameResolverTruncates(t *testing.T) {
	root := t.TempDir()
	writeName(t, root, 2, strings.Repeat("x", 300)+"\n")

	n := NewNameResolver(sysfsTemplate(root))
	assert.Len(t, n.Resolve(2), maxNameLen)
}

func TestNameResolverCaches(t *testing.T) {
	root := t.TempDir()
	writeName(t, root, 3, "hci0\n")

	n := NewNameResolver(sysfsTemplate(root))
	first := n.Resolve(3)

	writeName(t, root, 3, "renamed\n")
	assert.Equal(t, first, n.Resolve(3))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "rfkill3")))
	assert.Equal(t, first, n.Resolve(3))
}

func TestNameResolverCachesPlaceholder(t *testing.T) {
	root := t.TempDir()
	n := NewNameResolver(sysfsTemplate(root))
	assert.Equal(t, "<device:5>", n.Resolve(5))

	writeName(t, root, 5, "late\n")
	assert.Equal(t, "<device:5>", n.Resolve(5))
}
