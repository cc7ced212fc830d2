// Package passkey implements WebAuthn passkey registration and
// discoverable login on top of go-webauthn.
//
// Ceremonies are two-step: Begin returns options plus a single-use session
// token, and Finish verifies the authenticator's response against it.
// A successful login is an ordinary session issued through the account
// service, so it is revocable like a password login.
package passkey
