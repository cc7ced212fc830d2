// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers opening, migrations, accounts, and driver error mapping via sqlmock

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a migrated SQLite store in a temp directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestAccount(t *testing.T, s Store, username string) *Account {
	t.Helper()
	a := &Account{Username: username, DisplayName: username, PasswordHash: "$2a$12$hash"}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	createTestAccount(t, s1, "alice")
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	count, err := s2.CountAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	createTestAccount(t, s, "alice")
	got, err := s.GetAccountByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestAccounts_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := createTestAccount(t, s, "alice")
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "$2a$12$hash", got.PasswordHash)
	assert.False(t, got.IsPrivileged)
	assert.False(t, got.HasAPIKey())
	assert.Nil(t, got.LastAuthenticatedAt)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
}

func TestAccounts_UsernameUniqueAndCaseSensitive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createTestAccount(t, s, "alice")

	err := s.CreateAccount(ctx, &Account{Username: "alice"})
	assert.ErrorIs(t, err, ErrUsernameExists)

	err = s.CreateAccount(ctx, &Account{Username: "Alice"})
	assert.NoError(t, err, "usernames are case-sensitive")
}

func TestAccounts_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.GetAccountByUsername(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.GetAccountByAPIKeyHash(ctx, "")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assert.ErrorIs(t, s.SetPrivileged(ctx, "missing", true), ErrAccountNotFound)
	assert.ErrorIs(t, s.ClearAPIKey(ctx, "missing"), ErrAccountNotFound)
}

func TestAccounts_APIKeyLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := createTestAccount(t, s, "alice")
	bob := createTestAccount(t, s, "bob")
	now := time.Now().UTC()

	require.NoError(t, s.SetAPIKey(ctx, alice.ID, "digest-a", "abcd", now))

	got, err := s.GetAccountByAPIKeyHash(ctx, "digest-a")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, "abcd", got.APIKeySuffix)
	require.NotNil(t, got.APIKeyIssuedAt)

	err = s.SetAPIKey(ctx, bob.ID, "digest-a", "abcd", now)
	assert.ErrorIs(t, err, ErrAPIKeyExists)

	require.NoError(t, s.ClearAPIKey(ctx, alice.ID))
	_, err = s.GetAccountByAPIKeyHash(ctx, "digest-a")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	// Two accounts without keys do not collide on the unique index.
	got, err = s.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAPIKey())
}

func TestAccounts_UpdatesAreVisibleImmediately(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := createTestAccount(t, s, "alice")

	require.NoError(t, s.SetPrivileged(ctx, a.ID, true))
	require.NoError(t, s.UpdatePasswordHash(ctx, a.ID, "$2a$12$new", true))
	require.NoError(t, s.TouchLastAuthenticated(ctx, a.ID, time.Now()))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPrivileged)
	assert.True(t, got.MustRotatePassword)
	assert.Equal(t, "$2a$12$new", got.PasswordHash)
	assert.NotNil(t, got.LastAuthenticatedAt)
}

func TestAccounts_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createTestAccount(t, s, "alice")
	createTestAccount(t, s, "bob")

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	count, err := s.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLMock_UniqueViolationMapsToSentinel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLiteStoreFromDB(db)

	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: accounts.username (2067)"))

	err = s.CreateAccount(context.Background(), &Account{Username: "alice"})
	assert.ErrorIs(t, err, ErrUsernameExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_DriverErrorsAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLiteStoreFromDB(db)
	boom := errors.New("disk I/O error")

	mock.ExpectExec("UPDATE sessions SET revoked = 1").WillReturnError(boom)
	mock.ExpectExec("DELETE FROM sessions").WillReturnError(boom)

	err = s.RevokeSession(context.Background(), "tok", time.Now())
	assert.ErrorIs(t, err, boom)

	_, err = s.DeleteExpiredSessions(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_ZeroRowsIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLiteStoreFromDB(db)

	mock.ExpectExec("UPDATE accounts SET is_privileged").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.SetPrivileged(context.Background(), "missing", true)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
