package fieldcrypt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
)

func newTestCipher(t *testing.T, enabled bool) *Cipher {
	t.Helper()
	c, err := New(Config{Enabled: enabled, Secret: "test-app-secret-with-enough-entropy"})
	require.NoError(t, err)
	return c
}

func TestNew_requiresSecret(t *testing.T) {
	_, err := New(Config{Enabled: true})
	assert.Error(t, err)
}

func TestEncryptDecrypt_patientEmail(t *testing.T) {
	c := newTestCipher(t, true)

	blob, err := c.Encrypt("patient@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(blob), "ENCv1:"))
	assert.NotContains(t, string(blob), "patient@example.com")

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "patient@example.com", got)
}

func TestEncryptDecrypt_roundTripInputs(t *testing.T) {
	c := newTestCipher(t, true)
	inputs := []string{"", "a", "+502 5555-1234", "149.99", "line1\nline2", strings.Repeat("x", 5000), "ünïcødé"}
	for _, in := range inputs {
		blob, err := c.Encrypt(in)
		require.NoError(t, err)
		out, err := c.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncrypt_freshNoncePerCall(t *testing.T) {
	c := newTestCipher(t, true)
	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_headerLayout(t *testing.T) {
	c := newTestCipher(t, true)
	blob, err := c.Encrypt("hello")
	require.NoError(t, err)

	nl := bytes.IndexByte(blob, '\n')
	require.Greater(t, nl, 0)
	parts := strings.Split(string(blob[len(Header):nl]), ":")
	require.Len(t, parts, 2)
	// 12-byte nonce and 16-byte tag in standard base64
	assert.Len(t, parts[0], 16)
	assert.Len(t, parts[1], 24)
	assert.Len(t, blob[nl+1:], len("hello"))
}

func TestDecrypt_failsClosedOnTampering(t *testing.T) {
	c := newTestCipher(t, true)
	blob, err := c.Encrypt("4111-1111")
	require.NoError(t, err)

	for i := len(Header); i < len(blob); i++ {
		if blob[i] == '\n' || blob[i] == ':' {
			continue
		}
		mutated := append([]byte(nil), blob...)
		mutated[i] ^= 0x01
		out, err := c.Decrypt(mutated)
		assert.ErrorIs(t, err, autherror.ErrDecryptionFailure, "byte %d", i)
		assert.Empty(t, out)
	}
}

func TestDecrypt_malformed(t *testing.T) {
	c := newTestCipher(t, true)
	cases := map[string]string{
		"no header":       "plain value",
		"no newline":      "ENCv1:AAAA:BBBB",
		"missing tag":     "ENCv1:AAAAAAAAAAAAAAAA\nxyz",
		"too many fields": "ENCv1:a:b:c\nxyz",
		"bad base64":      "ENCv1:!!!!:????\nxyz",
		"empty":           "",
	}
	for name, in := range cases {
		_, err := c.Decrypt([]byte(in))
		assert.ErrorIs(t, err, autherror.ErrDecryptionFailure, name)
	}
}

func TestDecrypt_wrongKey(t *testing.T) {
	a := newTestCipher(t, true)
	b, err := New(Config{Enabled: true, Secret: "another-secret-entirely-different"})
	require.NoError(t, err)

	blob, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(blob)
	assert.ErrorIs(t, err, autherror.ErrDecryptionFailure)
}

func TestDecryptField_legacyPlaintextPassesThrough(t *testing.T) {
	c := newTestCipher(t, true)
	got, err := c.DecryptField([]byte("old@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", got)
}

func TestEncryptField_disabledStoresPlaintext(t *testing.T) {
	c := newTestCipher(t, false)
	stored, err := c.EncryptField("555-1234")
	require.NoError(t, err)
	assert.Equal(t, "555-1234", string(stored))
	assert.False(t, IsEncrypted(stored))

	_, err = c.EncryptField("ENCv1:looks-encrypted")
	assert.ErrorIs(t, err, autherror.ErrFieldValidation)
}

func TestEncryptField_enabledRoundTrip(t *testing.T) {
	c := newTestCipher(t, true)
	stored, err := c.EncryptField("555-1234")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(stored))

	got, err := c.DecryptField(stored)
	require.NoError(t, err)
	assert.Equal(t, "555-1234", got)
}

func TestHashField(t *testing.T) {
	c := newTestCipher(t, true)

	h := c.HashField("patient@example.com")
	assert.Len(t, h, 64)
	assert.Equal(t, h, c.HashField("patient@example.com"))
	assert.Equal(t, h, c.HashField("  patient@example.com\t"))
	assert.NotEqual(t, h, c.HashField("patient2@example.com"))

	// key-independent: two ciphers agree on the hash
	other, err := New(Config{Enabled: true, Secret: "another-secret-entirely-different"})
	require.NoError(t, err)
	assert.Equal(t, h, other.HashField("patient@example.com"))
}
