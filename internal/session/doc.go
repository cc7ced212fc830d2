// Package session implements the session registry: issuing, checking,
// revoking and sweeping the sessions behind bearer tokens.
//
// States are Active, Revoked and Expired. Revoked and Expired are terminal.
// Expiry is never written; it is evaluated against the clock on every
// IsUsable call. Sweep deletes rows once they are past expiry.
package session
