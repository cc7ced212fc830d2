// Package account implements the credential flows of beacon-gateway:
// account creation, password login, logout, refresh, password change,
// API key issuance and administrative revocation.
//
// Sessions are issued through the session registry and tokens through
// auth.TokenIssuer. Every flow appends an audit entry with the caller's
// best-effort client address.
package account
