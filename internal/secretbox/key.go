// ABOUTME: Encryption key resolution at process start
// ABOUTME: Derives from a configured secret via PBKDF2 or loads/creates a persisted key file

package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/2389/beacon-gateway/internal/config"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// pbkdf2Rounds is the iteration count for deriving a key from a configured secret.
const pbkdf2Rounds = 100_000

// pbkdf2Salt is fixed so the same secret always derives the same key.
var pbkdf2Salt = []byte("beacon-gateway/secretbox/v1")

// KeySource records where the resolved key came from.
type KeySource string

const (
	KeySourceConfigured KeySource = "configured" // PBKDF2 from encryption.secret
	KeySourceFile       KeySource = "file"       // loaded from encryption.key_file
	KeySourceGenerated  KeySource = "generated"  // freshly generated this run
)

// ErrInvalidKeyFile is returned when the key file exists but does not hold a usable key.
var ErrInvalidKeyFile = errors.New("invalid encryption key file")

// KeyMaterial is the resolved process-wide key. It is immutable after ResolveKey returns.
type KeyMaterial struct {
	key    []byte
	legacy []byte
	Source KeySource
	Path   string // key file path when Source is file or generated
}

// ResolveKey resolves the encryption key in priority order: a configured
// secret (derived with PBKDF2), then an existing key file, then a newly
// generated key that is persisted to the key file for future runs.
//
// The legacy key, used only as a decryption fallback, is the raw configured
// secret padded or truncated to 32 bytes.
func ResolveKey(cfg config.EncryptionConfig, logger *slog.Logger) (*KeyMaterial, error) {
	if logger == nil {
		logger = slog.Default()
	}

	legacySecret := cfg.Secret
	if legacySecret == "" {
		legacySecret = config.PlaceholderEncryptionSecret
	}
	km := &KeyMaterial{legacy: LegacyKey(legacySecret)}

	if cfg.Secret != "" && cfg.Secret != config.PlaceholderEncryptionSecret {
		km.key = DeriveKey(cfg.Secret)
		km.Source = KeySourceConfigured
		logger.Info("encryption key derived from configured secret")
		return km, nil
	}

	if cfg.Secret == config.PlaceholderEncryptionSecret {
		logger.Warn("encryption.secret is the placeholder default; using the generated key file instead")
	}

	if cfg.KeyFile == "" {
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		km.key = key
		km.Source = KeySourceGenerated
		logger.Warn("no encryption key file configured; using an ephemeral key for this process")
		return km, nil
	}

	key, source, err := loadOrCreateKeyFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	km.key = key
	km.Source = source
	km.Path = cfg.KeyFile

	if source == KeySourceGenerated {
		logger.Info("generated new encryption key", "path", cfg.KeyFile)
	} else {
		logger.Info("loaded encryption key", "path", cfg.KeyFile)
	}
	return km, nil
}

// NewKeyMaterial wraps an explicit key. legacySecret may be empty.
func NewKeyMaterial(key []byte, legacySecret string) (*KeyMaterial, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	km := &KeyMaterial{key: append([]byte(nil), key...), Source: KeySourceConfigured}
	if legacySecret != "" {
		km.legacy = LegacyKey(legacySecret)
	}
	return km, nil
}

// Fingerprint returns a short non-secret identifier of the key for logs and CLI output.
func (k *KeyMaterial) Fingerprint() string {
	sum := sha256.Sum256(k.key)
	return fmt.Sprintf("%x", sum[:4])
}

// DeriveKey derives a 32-byte key from a secret with PBKDF2-SHA256.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), pbkdf2Salt, pbkdf2Rounds, KeySize, sha256.New)
}

// LegacyKey reproduces the original key scheme: the raw secret right-padded
// with '0' or truncated to 32 bytes.
func LegacyKey(secret string) []byte {
	if len(secret) >= KeySize {
		return []byte(secret[:KeySize])
	}
	return []byte(secret + strings.Repeat("0", KeySize-len(secret)))
}

// GenerateKeyFile writes a new random key to path. It fails if the file exists.
func GenerateKeyFile(path string) error {
	key, err := randomKey()
	if err != nil {
		return err
	}
	return writeKeyFile(path, key)
}

func loadOrCreateKeyFile(path string) ([]byte, KeySource, error) {
	key, err := readKeyFile(path)
	if err == nil {
		return key, KeySourceFile, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}

	key, err = randomKey()
	if err != nil {
		return nil, "", err
	}
	if err := writeKeyFile(path, key); err != nil {
		// Another process may have created it first.
		if errors.Is(err, fs.ErrExist) {
			key, err = readKeyFile(path)
			if err != nil {
				return nil, "", err
			}
			return key, KeySourceFile, nil
		}
		return nil, "", err
	}
	return key, KeySourceGenerated, nil
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrInvalidKeyFile, path, len(data), KeySize)
	}
	return data, nil
}

func writeKeyFile(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing key file: %w", err)
	}
	return nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating encryption key: %w", err)
	}
	return key, nil
}
