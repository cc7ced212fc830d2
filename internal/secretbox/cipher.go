// ABOUTME: AES-256-CBC encryption of sensitive strings as "iv_hex:ciphertext_hex"
// ABOUTME: Decryption falls back to the legacy key and reports a three-state result

package secretbox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Status distinguishes an absent secret from one that could not be decrypted.
type Status int

const (
	// NotPresent means no value was stored.
	NotPresent Status = iota
	// Present means the value decrypted successfully.
	Present
	// Failed means a value was stored but neither key could recover it.
	Failed
)

func (s Status) String() string {
	switch s {
	case NotPresent:
		return "not_present"
	case Present:
		return "present"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DecryptResult is the outcome of decrypting an EncryptedSecret.
type DecryptResult struct {
	Status Status
	Value  string
	// Legacy is true when the value only decrypted with the legacy key
	// and should be re-encrypted.
	Legacy bool
}

// OK reports whether a plaintext value is available.
func (r DecryptResult) OK() bool {
	return r.Status == Present
}

var (
	errMalformed = errors.New("malformed encrypted value")
	errPadding   = errors.New("invalid padding")
)

// Cipher encrypts and decrypts sensitive strings with the resolved key.
type Cipher struct {
	primary cipher.Block
	legacy  cipher.Block
	logger  *slog.Logger
}

// New creates a Cipher from resolved key material.
func New(km *KeyMaterial, logger *slog.Logger) (*Cipher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	primary, err := aes.NewCipher(km.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	c := &Cipher{primary: primary, logger: logger.With("component", "secretbox")}
	if len(km.legacy) == KeySize {
		legacy, err := aes.NewCipher(km.legacy)
		if err != nil {
			return nil, fmt.Errorf("creating legacy cipher: %w", err)
		}
		c.legacy = legacy
	}
	return c, nil
}

// Encrypt returns "iv_hex:ciphertext_hex" with a fresh IV.
// An empty plaintext returns an empty string, meaning no value.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}
	return encryptWith(c.primary, iv, []byte(plaintext)), nil
}

// Decrypt recovers the plaintext of an EncryptedSecret, trying the current
// key first and then the legacy key.
func (c *Cipher) Decrypt(encrypted string) DecryptResult {
	if encrypted == "" {
		return DecryptResult{Status: NotPresent}
	}

	iv, ciphertext, err := split(encrypted)
	if err != nil {
		c.logger.Error("decryption failed", "error", err)
		return DecryptResult{Status: Failed}
	}

	if plaintext, err := decryptWith(c.primary, iv, ciphertext); err == nil {
		return DecryptResult{Status: Present, Value: plaintext}
	}

	if c.legacy != nil {
		if plaintext, err := decryptWith(c.legacy, iv, ciphertext); err == nil {
			c.logger.Debug("decrypted value with legacy key")
			return DecryptResult{Status: Present, Value: plaintext, Legacy: true}
		}
	}

	c.logger.Error("decryption failed with current and legacy keys")
	return DecryptResult{Status: Failed}
}

// DecryptString returns the plaintext or an empty string when it is not available.
func (c *Cipher) DecryptString(encrypted string) string {
	return c.Decrypt(encrypted).Value
}

// MergeSensitive builds the stored config for an update. Non-sensitive keys
// come from update as given. A sensitive key that is empty or absent in
// update keeps its existing encrypted value; a non-empty one is encrypted
// and replaces it.
func (c *Cipher) MergeSensitive(existing, update map[string]string, sensitiveKeys []string) (map[string]string, error) {
	sensitive := make(map[string]bool, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		sensitive[k] = true
	}

	merged := make(map[string]string, len(update))
	for k, v := range update {
		if !sensitive[k] {
			merged[k] = v
		}
	}

	for k := range sensitive {
		if v := update[k]; v != "" {
			enc, err := c.Encrypt(v)
			if err != nil {
				return nil, fmt.Errorf("encrypting %s: %w", k, err)
			}
			merged[k] = enc
			continue
		}
		if prev, ok := existing[k]; ok && prev != "" {
			merged[k] = prev
		}
	}

	return merged, nil
}

func encryptWith(block cipher.Block, iv, plaintext []byte) string {
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out)
}

func decryptWith(block cipher.Block, iv, ciphertext []byte) (string, error) {
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	plaintext, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", errPadding
	}
	return string(plaintext), nil
}

func split(encrypted string) (iv, ciphertext []byte, err error) {
	ivHex, ctHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return nil, nil, errMalformed
	}
	iv, err = hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, nil, errMalformed
	}
	ciphertext, err = hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, nil, errMalformed
	}
	return iv, ciphertext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errPadding
		}
	}
	return data[:len(data)-n], nil
}
