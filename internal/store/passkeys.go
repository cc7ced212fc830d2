// ABOUTME: WebAuthn passkey credential storage keyed to accounts
// ABOUTME: Sign counts are updated after every successful assertion

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePasskeyCredential stores a new WebAuthn credential.
func (s *SQLiteStore) CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passkey_credentials (id, account_id, credential_id, public_key, attestation_type, transports, sign_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cred.ID,
		cred.AccountID,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		cred.Transports,
		cred.SignCount,
		formatTime(cred.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting passkey credential: %w", err)
	}

	s.logger.Info("created passkey credential", "id", cred.ID, "account_id", cred.AccountID)
	return nil
}

// ListPasskeyCredentials retrieves all passkeys registered to an account.
func (s *SQLiteStore) ListPasskeyCredentials(ctx context.Context, accountID string) ([]*PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, credential_id, public_key, attestation_type, transports, sign_count, created_at
		FROM passkey_credentials
		WHERE account_id = ?
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying passkey credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*PasskeyCredential
	for rows.Next() {
		cred, err := scanPasskey(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating passkey credentials: %w", err)
	}

	return creds, nil
}

// GetPasskeyCredentialByCredentialID retrieves a passkey by its authenticator credential ID.
func (s *SQLiteStore) GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, credential_id, public_key, attestation_type, transports, sign_count, created_at
		FROM passkey_credentials
		WHERE credential_id = ?
	`, credentialID)
	return scanPasskey(row)
}

// UpdatePasskeySignCount updates the sign count for a credential.
func (s *SQLiteStore) UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error {
	result, err := s.db.ExecContext(ctx, `UPDATE passkey_credentials SET sign_count = ? WHERE id = ?`, signCount, id)
	if err != nil {
		return fmt.Errorf("updating passkey sign count: %w", err)
	}
	return rowsAffected(result, ErrNotFound)
}

func scanPasskey(scanner interface{ Scan(dest ...any) error }) (*PasskeyCredential, error) {
	var cred PasskeyCredential
	var attestation, transports sql.NullString
	var createdAt string

	err := scanner.Scan(
		&cred.ID,
		&cred.AccountID,
		&cred.CredentialID,
		&cred.PublicKey,
		&attestation,
		&transports,
		&cred.SignCount,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning passkey credential: %w", err)
	}

	cred.AttestationType = attestation.String
	cred.Transports = transports.String
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &cred, nil
}
