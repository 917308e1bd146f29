// Package fieldcrypt encrypts sensitive column values at rest and produces
// deterministic hashes so equality lookups never need to decrypt.
package fieldcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
)

// Header marks an encrypted blob. Anything without it is legacy plaintext.
const Header = "ENCv1:"

const (
	keySize  = 32
	tagSize  = 16
	hkdfInfo = "crm field encryption v1"
)

// Config configures the field cipher.
type Config struct {
	// Enabled controls whether EncryptField encrypts. Decryption always works.
	Enabled bool
	// Secret is the application secret the key is derived from.
	Secret string
}

// Cipher is safe for concurrent use.
type Cipher struct {
	aead    cipher.AEAD
	enabled bool
}

// New derives the AES-256-GCM key from cfg.Secret with HKDF-SHA256.
func New(cfg Config) (*Cipher, error) {
	if cfg.Secret == "" {
		return nil, errors.New("fieldcrypt: secret is required")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("fieldcrypt: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: new gcm: %w", err)
	}

	return &Cipher{aead: aead, enabled: cfg.Enabled}, nil
}

// Enabled reports whether new values are encrypted.
func (c *Cipher) Enabled() bool { return c.enabled }

// Encrypt seals plaintext under a fresh random nonce.
// Output: "ENCv1:" + base64(nonce) + ":" + base64(tag) + "\n" + ciphertext.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", autherror.ErrEncryptionFailure, err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	var buf bytes.Buffer
	buf.Grow(len(Header) + 48 + len(ct))
	buf.WriteString(Header)
	buf.WriteString(base64.StdEncoding.EncodeToString(nonce))
	buf.WriteByte(':')
	buf.WriteString(base64.StdEncoding.EncodeToString(tag))
	buf.WriteByte('\n')
	buf.Write(ct)
	return buf.Bytes(), nil
}

// Decrypt opens a blob produced by Encrypt. Any header, decoding or
// authentication problem returns ErrDecryptionFailure and no plaintext.
func (c *Cipher) Decrypt(blob []byte) (string, error) {
	if !IsEncrypted(blob) {
		return "", fmt.Errorf("%w: missing header", autherror.ErrDecryptionFailure)
	}

	rest := blob[len(Header):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return "", fmt.Errorf("%w: unterminated header", autherror.ErrDecryptionFailure)
	}

	parts := strings.Split(string(rest[:nl]), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: malformed header", autherror.ErrDecryptionFailure)
	}
	nonce, err := base64.StdEncoding.Strict().DecodeString(parts[0])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce", autherror.ErrDecryptionFailure)
	}
	tag, err := base64.StdEncoding.Strict().DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad tag", autherror.ErrDecryptionFailure)
	}

	ct := rest[nl+1:]
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", autherror.ErrDecryptionFailure)
	}
	return string(plain), nil
}

// EncryptField encrypts value for storage, or returns it unchanged when
// encryption is disabled. A plaintext that starts with the header is refused
// so it can never be mistaken for ciphertext later.
func (c *Cipher) EncryptField(value string) ([]byte, error) {
	if c.enabled {
		return c.Encrypt(value)
	}
	if strings.HasPrefix(value, Header) {
		return nil, fmt.Errorf("%w: value collides with encryption header", autherror.ErrFieldValidation)
	}
	return []byte(value), nil
}

// DecryptField reverses EncryptField. Legacy plaintext passes through.
func (c *Cipher) DecryptField(stored []byte) (string, error) {
	if !IsEncrypted(stored) {
		return string(stored), nil
	}
	return c.Decrypt(stored)
}

// HashField returns the search hash: hex SHA-256 of the trimmed value.
// Callers normalise case themselves where it matters (emails).
func (c *Cipher) HashField(value string) string {
	return Hash(value)
}

// Hash is HashField without a Cipher.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

// IsEncrypted reports whether b carries the ciphertext header.
func IsEncrypted(b []byte) bool {
	return bytes.HasPrefix(b, []byte(Header))
}
