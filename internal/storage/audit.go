package storage

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lupppig/pgbackup/internal/manifest"
)

// AuditStorage records every mutating or retrieving call on the inner
// store as a hash-chained JSON line in a local file.
type AuditStorage struct {
	inner Storage
	path  string

	mu       sync.Mutex
	lastHash string
	loaded   bool
	now      func() time.Time
}

type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	Extra     string    `json:"extra,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func NewAuditStorage(inner Storage, path string) *AuditStorage {
	return &AuditStorage{inner: inner, path: path, now: time.Now}
}

func (e AuditEntry) computeHash() string {
	h := sha256.New()
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.Operation))
	h.Write([]byte(e.Path))
	h.Write([]byte(e.Status))
	h.Write([]byte(e.Extra))
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *AuditStorage) log(op, path string, err error, extra string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		entries, _ := ReadAudit(s.path)
		if n := len(entries); n > 0 {
			s.lastHash = entries[n-1].Hash
		}
		s.loaded = true
	}

	status := "success"
	if err != nil {
		status = "error: " + err.Error()
	}
	entry := AuditEntry{
		Timestamp: s.now().UTC(),
		Operation: op,
		Path:      path,
		Status:    status,
		Extra:     extra,
		PrevHash:  s.lastHash,
	}
	entry.Hash = entry.computeHash()

	line, _ := json.Marshal(entry)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err == nil {
		s.lastHash = entry.Hash
	}
}

func (s *AuditStorage) List(ctx context.Context) ([]manifest.Backup, error) {
	return s.inner.List(ctx)
}

func (s *AuditStorage) Upload(ctx context.Context, localPath string) (string, error) {
	var extra string
	if f, err := os.Open(localPath); err == nil {
		if sum, err := manifest.CalculateChecksum(f); err == nil {
			extra = "sha256:" + sum
		}
		f.Close()
	}
	loc, err := s.inner.Upload(ctx, localPath)
	s.log("UPLOAD", filepath.Base(localPath), err, extra)
	return loc, err
}

func (s *AuditStorage) Download(ctx context.Context, name, dest string) (string, error) {
	p, err := s.inner.Download(ctx, name, dest)
	s.log("DOWNLOAD", name, err, "")
	return p, err
}

func (s *AuditStorage) DeleteBackup(ctx context.Context, name string) error {
	err := s.inner.DeleteBackup(ctx, name)
	s.log("DELETE", name, err, "")
	return err
}

// CleanOldBackups routes deletions through the decorator so each one is
// logged.
func (s *AuditStorage) CleanOldBackups(ctx context.Context, keep int) ([]manifest.Backup, error) {
	return cleanOld(ctx, s, keep)
}

func (s *AuditStorage) Location() string {
	return s.inner.Location()
}

// ReadAudit loads every entry of an audit log. A missing file is empty.
func ReadAudit(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("malformed audit line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// VerifyAudit checks the hash chain and returns the index of the first
// broken entry, or -1 when the chain is intact.
func VerifyAudit(entries []AuditEntry) int {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev || e.computeHash() != e.Hash {
			return i
		}
		prev = e.Hash
	}
	return -1
}
