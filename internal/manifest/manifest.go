package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lupppig/pgbackup/internal/compress"
)

const (
	// Prefix marks files produced by this tool.
	Prefix = "pgb"
	// Delimiter separates the name components. It cannot appear in a valid
	// server or database name.
	Delimiter = "."
	// TimeLayout is ISO-8601 basic format in UTC with second precision.
	TimeLayout = "20060102T150405Z"
	// EncryptedSuffix is appended after the compression extension.
	EncryptedSuffix = ".gpg"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// ValidName reports whether s can be used as a server or database name.
func ValidName(s string) bool {
	return nameRe.MatchString(s)
}

// Backup identifies one stored backup. Its only persistent form is the
// filename.
type Backup struct {
	ServerName  string
	Database    string
	CreatedAt   time.Time
	Compression compress.Algorithm
	Encrypted   bool
}

// New stamps a backup at t, truncated to whole seconds in UTC.
func New(server, database string, t time.Time, algo compress.Algorithm, encrypted bool) (Backup, error) {
	b := Backup{
		ServerName:  server,
		Database:    database,
		CreatedAt:   t.UTC().Truncate(time.Second),
		Compression: algo,
		Encrypted:   encrypted,
	}
	return b, b.Validate()
}

func (b Backup) Validate() error {
	if !ValidName(b.ServerName) {
		return fmt.Errorf("invalid server name %q", b.ServerName)
	}
	if !ValidName(b.Database) {
		return fmt.Errorf("invalid database name %q", b.Database)
	}
	if b.Compression != compress.None && b.Compression.Extension() == "" {
		return fmt.Errorf("unsupported compression %q", b.Compression)
	}
	return nil
}

// Filename renders pgb.<server>.<database>.<timestamp><ext>[.gpg].
func (b Backup) Filename() string {
	var sb strings.Builder
	sb.WriteString(strings.Join([]string{
		Prefix,
		b.ServerName,
		b.Database,
		b.CreatedAt.UTC().Format(TimeLayout),
	}, Delimiter))
	sb.WriteString(b.Compression.Extension())
	if b.Encrypted {
		sb.WriteString(EncryptedSuffix)
	}
	return sb.String()
}

func (b Backup) String() string { return b.Filename() }

// Parse is the inverse of Filename. Names that do not follow the scheme
// return an error.
func Parse(name string) (Backup, error) {
	var b Backup
	rest := name

	if strings.HasSuffix(rest, EncryptedSuffix) {
		b.Encrypted = true
		rest = strings.TrimSuffix(rest, EncryptedSuffix)
	}

	b.Compression = compress.None
	for _, algo := range compress.Algorithms() {
		if ext := algo.Extension(); strings.HasSuffix(rest, ext) {
			b.Compression = algo
			rest = strings.TrimSuffix(rest, ext)
			break
		}
	}

	parts := strings.Split(rest, Delimiter)
	if len(parts) != 4 || parts[0] != Prefix {
		return Backup{}, fmt.Errorf("%q does not follow the backup naming scheme", name)
	}

	ts, err := time.Parse(TimeLayout, parts[3])
	if err != nil {
		return Backup{}, fmt.Errorf("%q has a malformed timestamp: %w", name, err)
	}
	b.ServerName = parts[1]
	b.Database = parts[2]
	b.CreatedAt = ts.UTC()

	if err := b.Validate(); err != nil {
		return Backup{}, fmt.Errorf("%q: %w", name, err)
	}
	return b, nil
}

// ParseAll keeps the names that parse and drops the rest.
func ParseAll(names []string) []Backup {
	out := make([]Backup, 0, len(names))
	for _, n := range names {
		if b, err := Parse(n); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// SortNewestFirst orders backups by creation time, newest first. Ties
// fall back to the filename so the order is stable across listings.
func SortNewestFirst(bs []Backup) {
	sort.SliceStable(bs, func(i, j int) bool {
		if !bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].CreatedAt.After(bs[j].CreatedAt)
		}
		return bs[i].Filename() < bs[j].Filename()
	})
}

// GroupKey identifies the retention group of a backup.
func (b Backup) GroupKey() string {
	return b.ServerName + Delimiter + b.Database
}

// CalculateChecksum returns the hex SHA-256 of r.
func CalculateChecksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
