// ABOUTME: Password hashing and verification with bcrypt
// ABOUTME: Also holds the username and password acceptance policy

package credential

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor for new hashes.
const PasswordCost = 12

// MinPasswordLength is the shortest password accepted for new credentials.
const MinPasswordLength = 8

// maxPasswordLength is bcrypt's input limit.
const maxPasswordLength = 72

var (
	// ErrPasswordTooShort is returned when a password is under MinPasswordLength.
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	// ErrPasswordTooLong is returned when a password exceeds bcrypt's 72-byte limit.
	ErrPasswordTooLong = fmt.Errorf("password must be at most %d bytes", maxPasswordLength)
	// ErrInvalidUsername is returned when a username does not match the allowed pattern.
	ErrInvalidUsername = errors.New("username must start with a letter and contain 3-32 letters, digits, or underscores")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,31}$`)

// ValidateUsername checks a username against the account naming policy.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// ValidatePassword checks a new password against the length policy.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > maxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// HashPassword hashes a plaintext password with a fresh random salt.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches the stored hash.
// An empty hash never matches.
func VerifyPassword(plaintext, hash string) bool {
	if hash == "" {
		SimulatePasswordCheck(plaintext)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// SimulatePasswordCheck spends the same time as a real verification.
// Call it when the account does not exist so response timing does not
// reveal which usernames are registered.
func SimulatePasswordCheck(plaintext string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("beacon-dummy-password"), PasswordCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plaintext))
}
