// Package secretbox encrypts sensitive configuration values at rest.
//
// A KeyMaterial is resolved once at startup by ResolveKey and passed to New.
// Encrypted values are stored as "iv_hex:ciphertext_hex" using AES-256-CBC
// with PKCS#7 padding and a fresh IV per call. Decrypt returns a
// DecryptResult so callers can tell "no value" from "value we could not
// decrypt". Rotating the key requires re-encrypting every stored value and
// is not handled here.
package secretbox
