// Package crypto encrypts backup artifacts to an OpenPGP recipient and
// decrypts them with the matching secret key.
package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
	// keys without hash preferences make openpgp sign with RIPEMD160
	_ "golang.org/x/crypto/ripemd160"
)

// Keyring holds public and secret keys loaded from GnuPG exports.
type Keyring struct {
	entities openpgp.EntityList
}

func NewKeyring(entities openpgp.EntityList) *Keyring {
	return &Keyring{entities: entities}
}

// LoadKeyring reads armored or binary keyring files and merges them. Empty
// paths are skipped.
func LoadKeyring(paths ...string) (*Keyring, error) {
	kr := &Keyring{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to read keyring "+p, "Export keys with `gpg --export --armor` and point gpg.public_keyring at the file.")
		}

		var list openpgp.EntityList
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
			list, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
		} else {
			list, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		}
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeSecurity, "failed to parse keyring "+p, "")
		}
		kr.entities = append(kr.entities, list...)
	}
	return kr, nil
}

func (k *Keyring) Entities() openpgp.EntityList { return k.entities }

// Recipient finds the key for id: a 8 or 16 digit key id, a 40 digit
// fingerprint, or a case-insensitive substring of a user id.
// Without alwaysTrust the key must carry a valid self-signed identity and
// must not be revoked or expired.
func (k *Keyring) Recipient(id string, alwaysTrust bool) (*openpgp.Entity, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &apperrors.EncryptionError{Status: "no recipient configured"}
	}

	e := k.find(id)
	if e == nil {
		return nil, &apperrors.EncryptionError{Status: fmt.Sprintf("no public key for recipient %q", id)}
	}
	if alwaysTrust {
		return e, nil
	}
	if err := verifyTrust(e, time.Now()); err != nil {
		return nil, &apperrors.EncryptionError{Status: fmt.Sprintf("recipient %q is not trusted: %v", id, err)}
	}
	return e, nil
}

func (k *Keyring) find(id string) *openpgp.Entity {
	needle := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(id), "0x"), "0X"))
	for _, e := range k.entities {
		if matchesKey(e.PrimaryKey, needle) {
			return e
		}
		for _, sub := range e.Subkeys {
			if matchesKey(sub.PublicKey, needle) {
				return e
			}
		}
	}

	lower := strings.ToLower(strings.TrimSpace(id))
	for _, e := range k.entities {
		for name := range e.Identities {
			if strings.Contains(strings.ToLower(name), lower) {
				return e
			}
		}
	}
	return nil
}

func matchesKey(pk *packet.PublicKey, needle string) bool {
	if pk == nil {
		return false
	}
	switch len(needle) {
	case 8:
		return pk.KeyIdShortString() == needle
	case 16:
		return pk.KeyIdString() == needle
	case 40:
		return fmt.Sprintf("%X", pk.Fingerprint[:]) == needle
	}
	return false
}

func verifyTrust(e *openpgp.Entity, now time.Time) error {
	if len(e.Revocations) > 0 {
		return errors.New("key is revoked")
	}
	for _, ident := range e.Identities {
		if ident.SelfSignature == nil {
			continue
		}
		if ident.SelfSignature.KeyExpired(now) {
			continue
		}
		return nil
	}
	return errors.New("no valid self-signed identity")
}

// NewEncryptWriter returns a writer that encrypts everything written to it
// for the recipient. Close finishes the message but leaves w open.
func NewEncryptWriter(w io.Writer, to *openpgp.Entity) (io.WriteCloser, error) {
	hints := &openpgp.FileHints{IsBinary: true}
	pw, err := openpgp.Encrypt(w, []*openpgp.Entity{to}, nil, hints, nil)
	if err != nil {
		return nil, &apperrors.EncryptionError{Status: err.Error(), Err: err}
	}
	return &encryptWriter{w: pw}, nil
}

type encryptWriter struct {
	w io.WriteCloser
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		return n, &apperrors.EncryptionError{Status: err.Error(), Err: err}
	}
	return n, nil
}

func (e *encryptWriter) Close() error {
	if err := e.w.Close(); err != nil {
		return &apperrors.EncryptionError{Status: err.Error(), Err: err}
	}
	return nil
}

// NewDecryptReader opens an encrypted message with the secret keys in kr.
// passphrase unlocks protected secret keys; it may be empty for
// unprotected ones.
func NewDecryptReader(r io.Reader, kr *Keyring, passphrase []byte) (io.Reader, error) {
	tried := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if symmetric {
			if len(passphrase) == 0 || tried {
				return nil, errors.New("passphrase required")
			}
			tried = true
			return passphrase, nil
		}
		if len(passphrase) == 0 {
			return nil, errors.New("secret key is passphrase protected")
		}
		if tried {
			return nil, errors.New("invalid passphrase")
		}
		tried = true
		unlocked := false
		for _, k := range keys {
			if k.PrivateKey == nil || !k.PrivateKey.Encrypted {
				continue
			}
			if err := k.PrivateKey.Decrypt(passphrase); err == nil {
				unlocked = true
			}
		}
		if !unlocked {
			return nil, errors.New("invalid passphrase")
		}
		return nil, nil
	}

	md, err := openpgp.ReadMessage(r, kr.entities, prompt, nil)
	if err != nil {
		return nil, &apperrors.DecryptionError{Status: err.Error(), Err: err}
	}
	if !md.IsEncrypted {
		return nil, &apperrors.DecryptionError{Status: "message is not encrypted"}
	}
	return &decryptReader{md: md}, nil
}

type decryptReader struct {
	md *openpgp.MessageDetails
}

func (d *decryptReader) Read(p []byte) (int, error) {
	n, err := d.md.UnverifiedBody.Read(p)
	if err == nil || err == io.EOF {
		if err == io.EOF && d.md.IsSigned && d.md.SignatureError != nil {
			return n, &apperrors.DecryptionError{Status: "bad signature", Err: d.md.SignatureError}
		}
		return n, err
	}
	return n, &apperrors.DecryptionError{Status: err.Error(), Err: err}
}

// ArmorPublicKey exports e's public key in ASCII armor.
func ArmorPublicKey(e *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Serialize(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
