// ABOUTME: API key generation and verification
// ABOUTME: Only the SHA-256 digest is stored; the plaintext is returned exactly once

package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// apiKeyBytes is the amount of randomness in an API key.
const apiKeyBytes = 32

// APIKeyLength is the length of a plaintext API key in hex characters.
const APIKeyLength = apiKeyBytes * 2

// displaySuffixLength is how many trailing characters are kept for display.
const displaySuffixLength = 4

// IssuedAPIKey is the result of generating a new API key.
// Plaintext must be shown to the caller once and then discarded.
type IssuedAPIKey struct {
	Plaintext     string
	Hash          string
	DisplaySuffix string
}

// IssueAPIKey generates a new random API key and its storage digest.
func IssueAPIKey() (*IssuedAPIKey, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating api key: %w", err)
	}
	plaintext := hex.EncodeToString(buf)

	return &IssuedAPIKey{
		Plaintext:     plaintext,
		Hash:          DigestAPIKey(plaintext),
		DisplaySuffix: plaintext[len(plaintext)-displaySuffixLength:],
	}, nil
}

// DigestAPIKey returns the hex SHA-256 digest used to store and look up a key.
func DigestAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey reports whether plaintext digests to storedHash.
// The comparison runs in constant time.
func VerifyAPIKey(plaintext, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	candidate := DigestAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}

// LooksLikeAPIKey reports whether s has the shape of an issued API key.
func LooksLikeAPIKey(s string) bool {
	if len(s) != APIKeyLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
