// Package auth resolves and enforces caller identity for beacon-gateway.
//
// # Credentials
//
// Three carriers are accepted, in fixed precedence:
//
//   - X-Api-Key: a 64-character hex API key, looked up by SHA-256 digest
//   - Authorization: Bearer <token>, an HS256 JWT with sub and jti claims
//   - the session cookie, carrying the same token format
//
// A token is only accepted while its session (keyed by jti) is usable in
// the session registry. The account is re-read on every request, so a
// privilege change takes effect immediately for every credential type.
//
// # Levels
//
// Routes and gRPC methods declare a Level: LevelNone (identity attached if
// present), LevelAuthenticated, or LevelPrivileged.
//
// # Errors
//
// Error carries a Kind (authentication, authorization, validation,
// conflict, crypto failure, SSRF rejection) and a caller-safe message.
// HTTPStatus and GRPCStatus map kinds onto transport codes.
package auth
