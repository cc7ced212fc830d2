// ABOUTME: Tests for key resolution, encryption round trips, and the sensitive merge rule
// ABOUTME: Legacy-key compatibility is checked against values sealed with the old scheme

package secretbox

import (
	"crypto/aes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-gateway/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	km, err := ResolveKey(config.EncryptionConfig{
		Secret:  secret,
		KeyFile: filepath.Join(t.TempDir(), "encryption.key"),
	}, quietLogger())
	require.NoError(t, err)
	c, err := New(km, quietLogger())
	require.NoError(t, err)
	return c
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := newTestCipher(t, "operator-supplied-secret")

	for _, s := range []string{"x", "hunter2", "exactly-sixteen!", strings.Repeat("long ", 100), "ünïcødé ✓"} {
		enc, err := c.Encrypt(s)
		require.NoError(t, err)
		assert.NotContains(t, enc, s)

		res := c.Decrypt(enc)
		assert.Equal(t, Present, res.Status)
		assert.Equal(t, s, res.Value)
		assert.False(t, res.Legacy)
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	c := newTestCipher(t, "operator-supplied-secret")

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, strings.SplitN(a, ":", 2)[0], strings.SplitN(b, ":", 2)[0])
	assert.Equal(t, "same", c.DecryptString(a))
	assert.Equal(t, "same", c.DecryptString(b))
}

func TestEncrypt_Format(t *testing.T) {
	c := newTestCipher(t, "operator-supplied-secret")

	enc, err := c.Encrypt("secret")
	require.NoError(t, err)

	ivHex, ctHex, ok := strings.Cut(enc, ":")
	require.True(t, ok)
	assert.Len(t, ivHex, aes.BlockSize*2)
	assert.Len(t, ctHex, aes.BlockSize*2)
}

func TestEncrypt_EmptyMeansNoValue(t *testing.T) {
	c := newTestCipher(t, "")

	enc, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	res := c.Decrypt("")
	assert.Equal(t, NotPresent, res.Status)
	assert.False(t, res.OK())
}

func TestDecrypt_FailureIsDistinct(t *testing.T) {
	c := newTestCipher(t, "operator-supplied-secret")
	other := newTestCipher(t, "a-completely-different-secret")

	enc, err := other.Encrypt("top secret value")
	require.NoError(t, err)

	tests := map[string]string{
		"wrong key":    enc,
		"no separator": "abcdef",
		"bad hex":      "zz:zz",
		"short iv":     "abcd:" + strings.Repeat("00", 16),
		"ragged block": strings.Repeat("00", 16) + ":" + strings.Repeat("00", 15),
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			res := c.Decrypt(value)
			assert.Equal(t, Failed, res.Status)
			assert.Empty(t, res.Value)
			assert.Empty(t, c.DecryptString(value))
		})
	}
}

func TestDecrypt_LegacyKeyFallback(t *testing.T) {
	const secret = "short-legacy-secret"

	legacyBlock, err := aes.NewCipher(LegacyKey(secret))
	require.NoError(t, err)
	iv := []byte("0123456789abcdef")
	sealed := encryptWith(legacyBlock, iv, []byte("relay-password"))

	c := newTestCipher(t, secret)
	res := c.Decrypt(sealed)
	assert.Equal(t, Present, res.Status)
	assert.Equal(t, "relay-password", res.Value)
	assert.True(t, res.Legacy)
}

func TestLegacyKey_PadAndTruncate(t *testing.T) {
	assert.Equal(t, []byte("abc"+strings.Repeat("0", 29)), LegacyKey("abc"))
	long := strings.Repeat("k", 40)
	assert.Equal(t, []byte(long[:32]), LegacyKey(long))
}

func TestResolveKey_ConfiguredSecretIsDeterministic(t *testing.T) {
	cfg := config.EncryptionConfig{Secret: "operator-supplied-secret", KeyFile: filepath.Join(t.TempDir(), "k")}

	k1, err := ResolveKey(cfg, quietLogger())
	require.NoError(t, err)
	k2, err := ResolveKey(cfg, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, KeySourceConfigured, k1.Source)
	assert.Equal(t, k1.Fingerprint(), k2.Fingerprint())
	assert.Equal(t, DeriveKey("operator-supplied-secret"), k1.key)

	_, err = os.Stat(cfg.KeyFile)
	assert.True(t, os.IsNotExist(err), "configured secret does not touch the key file")
}

func TestResolveKey_GeneratesThenLoadsKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "encryption.key")
	cfg := config.EncryptionConfig{KeyFile: path}

	first, err := ResolveKey(cfg, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, KeySourceGenerated, first.Source)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(KeySize), info.Size())
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := ResolveKey(cfg, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, KeySourceFile, second.Source)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())

	// Values sealed in the first run open in the second.
	c1, err := New(first, quietLogger())
	require.NoError(t, err)
	c2, err := New(second, quietLogger())
	require.NoError(t, err)
	enc, err := c1.Encrypt("persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", c2.DecryptString(enc))
}

func TestResolveKey_PlaceholderUsesKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encryption.key")

	km, err := ResolveKey(config.EncryptionConfig{
		Secret:  config.PlaceholderEncryptionSecret,
		KeyFile: path,
	}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, KeySourceGenerated, km.Source)
	assert.NotEqual(t, DeriveKey(config.PlaceholderEncryptionSecret), km.key)
}

func TestResolveKey_RejectsCorruptKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encryption.key")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0600))

	_, err := ResolveKey(config.EncryptionConfig{KeyFile: path}, quietLogger())
	assert.ErrorIs(t, err, ErrInvalidKeyFile)
}

func TestGenerateKeyFile_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encryption.key")
	require.NoError(t, GenerateKeyFile(path))
	assert.Error(t, GenerateKeyFile(path))
}

func TestMergeSensitive(t *testing.T) {
	c := newTestCipher(t, "operator-supplied-secret")

	stored, err := c.MergeSensitive(nil, map[string]string{
		"host":     "smtp.example.com",
		"password": "first",
	}, []string{"password"})
	require.NoError(t, err)
	original := stored["password"]
	assert.NotEqual(t, "first", original)
	assert.Equal(t, "first", c.DecryptString(original))

	t.Run("empty sensitive value keeps stored ciphertext", func(t *testing.T) {
		merged, err := c.MergeSensitive(stored, map[string]string{
			"host":     "smtp2.example.com",
			"password": "",
		}, []string{"password"})
		require.NoError(t, err)
		assert.Equal(t, original, merged["password"])
		assert.Equal(t, "smtp2.example.com", merged["host"])
	})

	t.Run("absent sensitive value keeps stored ciphertext", func(t *testing.T) {
		merged, err := c.MergeSensitive(stored, map[string]string{"host": "smtp.example.com"}, []string{"password"})
		require.NoError(t, err)
		assert.Equal(t, original, merged["password"])
	})

	t.Run("non-empty sensitive value replaces", func(t *testing.T) {
		merged, err := c.MergeSensitive(stored, map[string]string{"password": "second"}, []string{"password"})
		require.NoError(t, err)
		assert.NotEqual(t, original, merged["password"])
		assert.Equal(t, "second", c.DecryptString(merged["password"]))
	})

	t.Run("non-sensitive fields overwrite even when empty", func(t *testing.T) {
		merged, err := c.MergeSensitive(stored, map[string]string{"host": ""}, []string{"password"})
		require.NoError(t, err)
		assert.Equal(t, "", merged["host"])
	})
}
