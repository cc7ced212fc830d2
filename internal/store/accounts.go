// ABOUTME: Account persistence: identity, password hash, API key digest, privilege flag
// ABOUTME: Lookups always read live rows so callers see current privilege

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `
	id, username, display_name, password_hash, api_key_hash, api_key_suffix,
	api_key_issued_at, is_privileged, must_rotate_password, created_at, last_authenticated_at
`

// CreateAccount inserts a new account. ID and CreatedAt are generated when unset.
// Returns ErrUsernameExists if the username is taken.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Username,
		account.DisplayName,
		nullString(account.PasswordHash),
		nullString(account.APIKeyHash),
		nullString(account.APIKeySuffix),
		formatTimePtr(account.APIKeyIssuedAt),
		boolToInt(account.IsPrivileged),
		boolToInt(account.MustRotatePassword),
		formatTime(account.CreatedAt),
		formatTimePtr(account.LastAuthenticatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "accounts.username") {
			return ErrUsernameExists
		}
		if isUniqueConstraintError(err, "accounts.api_key_hash") {
			return ErrAPIKeyExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Info("created account", "id", account.ID, "username", account.Username, "privileged", account.IsPrivileged)
	return nil
}

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByUsername retrieves an account by its case-sensitive username.
func (s *SQLiteStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username)
	return scanAccount(row)
}

// GetAccountByAPIKeyHash retrieves the account owning the given API key digest.
func (s *SQLiteStore) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*Account, error) {
	if hash == "" {
		return nil, ErrAccountNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE api_key_hash = ?`, hash)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by creation time.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accounts: %w", err)
	}

	return accounts, nil
}

// CountAccounts returns the number of accounts.
func (s *SQLiteStore) CountAccounts(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting accounts: %w", err)
	}
	return count, nil
}

// UpdatePasswordHash replaces an account's password hash and rotation flag.
func (s *SQLiteStore) UpdatePasswordHash(ctx context.Context, id, hash string, mustRotate bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET password_hash = ?, must_rotate_password = ? WHERE id = ?`,
		hash, boolToInt(mustRotate), id,
	)
	if err != nil {
		return fmt.Errorf("updating password hash: %w", err)
	}
	if err := rowsAffected(result, ErrAccountNotFound); err != nil {
		return err
	}

	s.logger.Info("updated account password", "id", id)
	return nil
}

// SetAPIKey stores a new API key digest for the account, replacing any previous one.
// Returns ErrAPIKeyExists if the digest is already held by another account.
func (s *SQLiteStore) SetAPIKey(ctx context.Context, id, hash, suffix string, issuedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET api_key_hash = ?, api_key_suffix = ?, api_key_issued_at = ? WHERE id = ?`,
		hash, suffix, formatTime(issuedAt), id,
	)
	if err != nil {
		if isUniqueConstraintError(err, "api_key_hash") {
			return ErrAPIKeyExists
		}
		return fmt.Errorf("setting api key: %w", err)
	}
	if err := rowsAffected(result, ErrAccountNotFound); err != nil {
		return err
	}

	s.logger.Info("issued api key", "id", id, "suffix", suffix)
	return nil
}

// ClearAPIKey removes the account's API key digest.
func (s *SQLiteStore) ClearAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET api_key_hash = NULL, api_key_suffix = NULL, api_key_issued_at = NULL WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("clearing api key: %w", err)
	}
	if err := rowsAffected(result, ErrAccountNotFound); err != nil {
		return err
	}

	s.logger.Info("revoked api key", "id", id)
	return nil
}

// SetPrivileged updates the account's privilege flag.
func (s *SQLiteStore) SetPrivileged(ctx context.Context, id string, privileged bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_privileged = ? WHERE id = ?`,
		boolToInt(privileged), id,
	)
	if err != nil {
		return fmt.Errorf("updating privilege: %w", err)
	}
	if err := rowsAffected(result, ErrAccountNotFound); err != nil {
		return err
	}

	s.logger.Info("updated account privilege", "id", id, "privileged", privileged)
	return nil
}

// TouchLastAuthenticated records a successful login.
func (s *SQLiteStore) TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_authenticated_at = ? WHERE id = ?`,
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("updating last_authenticated_at: %w", err)
	}
	return rowsAffected(result, ErrAccountNotFound)
}

// scanAccount scans a row into an Account.
func scanAccount(scanner interface{ Scan(dest ...any) error }) (*Account, error) {
	var a Account
	var passwordHash, apiKeyHash, apiKeySuffix, apiKeyIssuedAt, lastAuth sql.NullString
	var privileged, mustRotate int
	var createdAt string

	err := scanner.Scan(
		&a.ID,
		&a.Username,
		&a.DisplayName,
		&passwordHash,
		&apiKeyHash,
		&apiKeySuffix,
		&apiKeyIssuedAt,
		&privileged,
		&mustRotate,
		&createdAt,
		&lastAuth,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	a.PasswordHash = passwordHash.String
	a.APIKeyHash = apiKeyHash.String
	a.APIKeySuffix = apiKeySuffix.String
	a.IsPrivileged = privileged != 0
	a.MustRotatePassword = mustRotate != 0

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.APIKeyIssuedAt, err = parseTimePtr(apiKeyIssuedAt); err != nil {
		return nil, fmt.Errorf("parsing api_key_issued_at: %w", err)
	}
	if a.LastAuthenticatedAt, err = parseTimePtr(lastAuth); err != nil {
		return nil, fmt.Errorf("parsing last_authenticated_at: %w", err)
	}

	return &a, nil
}
