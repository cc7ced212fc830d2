// ABOUTME: Session revocation ledger: issue, lookup, revoke, bulk revoke, sweep
// ABOUTME: The revoked flag only ever transitions from 0 to 1

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `
	id, account_id, token_id, issued_at, expires_at, revoked, revoked_at,
	client_addr, user_agent, auth_method
`

// CreateSession inserts a new session row.
// Returns ErrDuplicateTokenID if the token ID is already on record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.AuthMethod == "" {
		session.AuthMethod = AuthMethodPassword
	}
	if !session.ExpiresAt.After(session.IssuedAt) {
		return fmt.Errorf("inserting session: expires_at must be after issued_at")
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.AccountID,
		session.TokenID,
		formatTime(session.IssuedAt),
		formatTime(session.ExpiresAt),
		boolToInt(session.Revoked),
		formatTimePtr(session.RevokedAt),
		session.ClientAddr,
		session.UserAgent,
		string(session.AuthMethod),
	)
	if err != nil {
		if isUniqueConstraintError(err, "sessions.token_id") {
			return ErrDuplicateTokenID
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "account_id", session.AccountID, "expires_at", session.ExpiresAt)
	return nil
}

// GetSessionByTokenID retrieves a session by its token ID regardless of state.
func (s *SQLiteStore) GetSessionByTokenID(ctx context.Context, tokenID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_id = ?`, tokenID)
	return scanSession(row)
}

// ListAccountSessions returns every session on record for an account, newest first.
func (s *SQLiteStore) ListAccountSessions(ctx context.Context, accountID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = ? ORDER BY issued_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

// RevokeSession marks a session revoked. The first revocation time is kept.
func (s *SQLiteStore) RevokeSession(ctx context.Context, tokenID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1, revoked_at = ? WHERE token_id = ? AND revoked = 0`,
		formatTime(at), tokenID,
	)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("revoked session", "token_id", tokenID)
	}
	return nil
}

// RevokeAccountSessions revokes every active session of an account and
// returns how many were revoked.
func (s *SQLiteStore) RevokeAccountSessions(ctx context.Context, accountID string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1, revoked_at = ? WHERE account_id = ? AND revoked = 0`,
		formatTime(at), accountID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking account sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Info("revoked account sessions", "account_id", accountID, "count", n)
	return n, nil
}

// DeleteExpiredSessions removes every session whose expiry is before now.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Debug("deleted expired sessions", "count", n)
	}
	return n, nil
}

// scanSession scans a row into a Session.
func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var sess Session
	var issuedAt, expiresAt, authMethod string
	var revokedAt sql.NullString
	var revoked int

	err := scanner.Scan(
		&sess.ID,
		&sess.AccountID,
		&sess.TokenID,
		&issuedAt,
		&expiresAt,
		&revoked,
		&revokedAt,
		&sess.ClientAddr,
		&sess.UserAgent,
		&authMethod,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Revoked = revoked != 0
	sess.AuthMethod = AuthMethod(authMethod)

	if sess.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if sess.RevokedAt, err = parseTimePtr(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}

	return &sess, nil
}
