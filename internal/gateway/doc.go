// Package gateway orchestrates the beacon-gateway server process.
//
// # Overview
//
// New opens the SQLite store (applying migrations), resolves the encryption
// key material exactly once, and builds every service on top of them:
//
//	store ─┬─ session.Registry ── session.Sweeper (cron)
//	       ├─ account.Service ─── auth.TokenIssuer
//	       ├─ notify.Service ──── secretbox.Cipher, webhook.Guard
//	       └─ passkey.Service
//
// The HTTP API from package httpapi is served on server.http_addr. When
// server.grpc_addr is set, a gRPC server exposing the standard health service
// is started behind the auth interceptors.
//
// # Lifecycle
//
// Run sweeps expired sessions once, schedules the sweeper, starts the
// listeners and blocks until its context is canceled. Shutdown stops the
// sweeper, drains the HTTP and gRPC servers and closes the store.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (or :443 with tailscale.https) and :50051 instead of the
// configured TCP addresses.
package gateway
