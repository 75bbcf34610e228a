//go:build linux

package rfkill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func fifo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rfkill")
	require.NoError(t, unix.Mkfifo(path, 0o600))
	return path
}

func TestOpenNodeMissing(t *testing.T) {
	_, err := OpenNode(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDevNodeReadsUntilWouldBlock(t *testing.T) {
	path := fifo(t)
	node, err := OpenNode(path)
	require.NoError(t, err)
	defer node.Close()

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write(record(1, TypeWLAN, OpAdd, false, false))
	require.NoError(t, err)

	require.NoError(t, node.Wait())
	buf := make([]byte, readChunk)
	n, err := node.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, RecordSize, n)

	_, err = node.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestDevNodeStreamEnd(t *testing.T) {
	node, err := OpenNode(fifo(t))
	require.NoError(t, err)
	defer node.Close()

	// No writer: the read end sees end of file.
	_, err = node.Read(make([]byte, RecordSize))
	assert.ErrorIs(t, err, ErrStreamEnd)
}

func TestDevNodeInterrupt(t *testing.T) {
	node, err := OpenNode(fifo(t))
	require.NoError(t, err)

	node.Interrupt()
	assert.ErrorIs(t, node.Wait(), ErrInterrupted)

	require.NoError(t, node.Close())
	assert.NoError(t, node.Close())
}
