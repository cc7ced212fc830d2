// Package store provides persistent storage for beacon-gateway using SQLite.
//
// # Architecture
//
// The store package splits persistence into small interfaces:
//
//   - AccountStore: Accounts, password hashes, API key digests, privilege flag
//   - SessionStore: The session revocation ledger
//   - AuditStore: Append-only audit log of authentication events
//   - ChannelStore: Notification channel configurations
//   - PasskeyStore: WebAuthn credentials
//
// Store composes all of them. SQLiteStore implements Store in a single struct.
//
// # Data Models
//
//   - Account: Identity with bcrypt password hash and optional API key digest
//   - Session: One row per issued bearer token, keyed by token ID (jti)
//   - AuditEntry: Who did what to which resource, and from where
//   - Channel: Provider config whose sensitive values are already encrypted
//   - PasskeyCredential: Registered WebAuthn authenticator
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single open connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text so that range predicates
// such as expires_at < ? compare correctly.
//
// # Error Handling
//
//   - ErrAccountNotFound, ErrSessionNotFound, ErrNotFound: entity does not exist
//   - ErrUsernameExists, ErrAPIKeyExists, ErrChannelExists: unique constraint clash
//   - ErrDuplicateTokenID: a session token ID was reused
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for integration tests.
//
// # Migrations
//
// Migrations are embedded and applied with goose on store initialization.
// Migration files live in internal/store/migrations/ with numeric prefixes.
package store
