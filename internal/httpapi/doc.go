// Package httpapi exposes the beacon-gateway JSON API over HTTP.
//
// Routes are grouped by the authentication level they require:
//
//   - none: /health, /api/auth/login, passkey login
//   - authenticated: logout, refresh, password change, /me, API keys, passkey registration
//   - privileged: /api/admin/*, /api/channels/*
//
// Errors are written as {"error": "..."} with the status code mapped from
// the auth error kind. Unclassified errors are logged and reported as a
// generic 500.
package httpapi
