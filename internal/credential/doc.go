// Package credential hashes and verifies account credentials.
//
// Passwords are hashed with bcrypt at cost 12. API keys are 32 random bytes,
// hex encoded, and stored only as a SHA-256 digest. Every function here is
// local and pure apart from reading randomness; callers translate failures
// into authentication outcomes.
package credential
