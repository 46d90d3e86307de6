package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStorage_ChainsEntries(t *testing.T) {
	ctx := context.Background()
	inner, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	s := NewAuditStorage(inner, logPath)

	b := mustBackup(t, "s1", "appdb", time.Now())
	_, err = s.Upload(ctx, stage(t, t.TempDir(), b, "hello"))
	require.NoError(t, err)
	_, err = s.Download(ctx, b.Filename(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.DeleteBackup(ctx, b.Filename()))
	require.Error(t, s.DeleteBackup(ctx, b.Filename()))

	entries, err := ReadAudit(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "UPLOAD", entries[0].Operation)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", entries[0].Extra)
	assert.Equal(t, "DOWNLOAD", entries[1].Operation)
	assert.Equal(t, "DELETE", entries[2].Operation)
	assert.Equal(t, "success", entries[2].Status)
	assert.Contains(t, entries[3].Status, "error:")
	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, -1, VerifyAudit(entries))

	// a fresh decorator continues the existing chain
	s2 := NewAuditStorage(inner, logPath)
	_, _ = s2.Download(ctx, b.Filename(), t.TempDir())
	entries, err = ReadAudit(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, -1, VerifyAudit(entries))
}

func TestVerifyAudit_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	inner, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	s := NewAuditStorage(inner, logPath)

	for i := 0; i < 3; i++ {
		_ = s.DeleteBackup(ctx, mustBackup(t, "s1", "appdb", time.Now()).Filename())
	}
	entries, err := ReadAudit(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	entries[1].Path = "forged"
	assert.Equal(t, 1, VerifyAudit(entries))

	var lines []byte
	for _, e := range entries {
		b, _ := json.Marshal(e)
		lines = append(append(lines, b...), '\n')
	}
	require.NoError(t, os.WriteFile(logPath, lines, 0o600))
	reread, err := ReadAudit(logPath)
	require.NoError(t, err)
	assert.Equal(t, 1, VerifyAudit(reread))
}

func TestReadAudit_Missing(t *testing.T) {
	entries, err := ReadAudit(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
