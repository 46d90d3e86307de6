package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/lupppig/pgbackup/internal/compress"
	"github.com/lupppig/pgbackup/internal/crypto"
	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/spool"
)

// EncryptSuffix marks an encrypted artifact.
const EncryptSuffix = ".gpg"

// CompressStage compresses on the way in and decompresses on the way out.
type CompressStage struct {
	Algorithm compress.Algorithm
}

func NewCompressStage(algo compress.Algorithm) *CompressStage {
	return &CompressStage{Algorithm: algo}
}

func (s *CompressStage) Name() string   { return "compress/" + string(s.Algorithm) }
func (s *CompressStage) Suffix() string { return s.Algorithm.Extension() }

func (s *CompressStage) Forward(ctx context.Context, in *spool.File, ws *spool.Workspace) (*spool.File, error) {
	defer in.Close()

	out := ws.NewFile()
	w, err := compress.NewWriter(out, s.Algorithm)
	if err != nil {
		out.Close()
		return nil, err
	}
	if _, err := in.WriteTo(w); err != nil {
		w.Close()
		out.Close()
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return nil, fmt.Errorf("compress: %w", err)
	}
	return rewound(out)
}

func (s *CompressStage) Reverse(ctx context.Context, in *spool.File, ws *spool.Workspace) (*spool.File, error) {
	defer in.Close()

	if err := in.Rewind(); err != nil {
		return nil, err
	}
	r, err := compress.NewReader(in, s.Algorithm)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeIntegrity, "failed to decompress artifact", "The backup file may be corrupt or was not produced by pgbackup.")
	}
	defer r.Close()

	out := ws.NewFile()
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeIntegrity, "failed to decompress artifact", "The backup file may be corrupt or truncated.")
	}
	return rewound(out)
}

// EncryptStage encrypts to a single OpenPGP recipient.
type EncryptStage struct {
	Keyring     *crypto.Keyring
	Recipient   string
	AlwaysTrust bool
	Passphrase  []byte
}

func (s *EncryptStage) Name() string   { return "gpg" }
func (s *EncryptStage) Suffix() string { return EncryptSuffix }

func (s *EncryptStage) Forward(ctx context.Context, in *spool.File, ws *spool.Workspace) (*spool.File, error) {
	defer in.Close()

	if s.Keyring == nil {
		return nil, &apperrors.EncryptionError{Status: "no keyring configured"}
	}
	to, err := s.Keyring.Recipient(s.Recipient, s.AlwaysTrust)
	if err != nil {
		return nil, err
	}

	out := ws.NewFile()
	w, err := crypto.NewEncryptWriter(out, to)
	if err != nil {
		out.Close()
		return nil, err
	}
	if _, err := in.WriteTo(w); err != nil {
		w.Close()
		out.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		out.Close()
		return nil, err
	}
	return rewound(out)
}

func (s *EncryptStage) Reverse(ctx context.Context, in *spool.File, ws *spool.Workspace) (*spool.File, error) {
	defer in.Close()

	if s.Keyring == nil {
		return nil, &apperrors.DecryptionError{Status: "no keyring configured"}
	}
	if err := in.Rewind(); err != nil {
		return nil, err
	}
	r, err := crypto.NewDecryptReader(in, s.Keyring, s.Passphrase)
	if err != nil {
		return nil, err
	}

	out := ws.NewFile()
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return nil, err
	}
	return rewound(out)
}

func rewound(f *spool.File) (*spool.File, error) {
	if err := f.Rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
