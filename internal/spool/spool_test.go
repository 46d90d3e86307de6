package spool

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_StaysInMemoryBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	f := New(1024, dir)
	defer f.Close()

	_, err := f.Write([]byte("hello spool"))
	require.NoError(t, err)
	assert.False(t, f.OnDisk())
	assert.Equal(t, int64(11), f.Size())

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello spool", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFile_SpillsPastThreshold(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 64*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	f := New(4096, dir)
	for chunk := payload; len(chunk) > 0; {
		n := min(1000, len(chunk))
		_, err := f.Write(chunk[:n])
		require.NoError(t, err)
		chunk = chunk[n:]
	}
	assert.True(t, f.OnDisk())

	require.NoError(t, f.Rewind())
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFile_WriteAfterRewindFails(t *testing.T) {
	f := New(16, "")
	defer f.Close()

	_, err := f.Write([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, f.Rewind())

	_, err = f.Write([]byte("b"))
	assert.Error(t, err)
}

func TestFile_ReadAfterClose(t *testing.T) {
	f, err := FromReader(bytes.NewReader([]byte("x")), 16, "")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFile_WriteTo(t *testing.T) {
	f, err := FromReader(bytes.NewReader([]byte("stream me")), 4, t.TempDir())
	require.NoError(t, err)
	defer f.Close()

	var out bytes.Buffer
	n, err := f.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "stream me", out.String())
}

func TestWorkspace_RemovedOnClose(t *testing.T) {
	base := t.TempDir()
	ws, err := Open(base, 8)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(ws.Path("partial.gz"), []byte("junk"), 0o600))
	f := ws.NewFile()
	_, err = f.Write([]byte("more than eight bytes"))
	require.NoError(t, err)

	require.NoError(t, ws.Close())
	_, err = os.Stat(ws.Dir())
	assert.True(t, os.IsNotExist(err))

	// The spilled handle survives the directory removal.
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "more than eight bytes", string(got))
	require.NoError(t, f.Close())
}
