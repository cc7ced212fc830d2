// ABOUTME: Notification channel persistence with JSON config blobs
// ABOUTME: Sensitive config values arrive here already encrypted

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateChannel inserts a new channel. Returns ErrChannelExists on a name clash.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	if ch.UpdatedAt.IsZero() {
		ch.UpdatedAt = now
	}

	configJSON, err := marshalChannelConfig(ch.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, type, enabled, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		ch.ID,
		ch.Name,
		string(ch.Type),
		boolToInt(ch.Enabled),
		configJSON,
		formatTime(ch.CreatedAt),
		formatTime(ch.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "channels.name") {
			return ErrChannelExists
		}
		return fmt.Errorf("inserting channel: %w", err)
	}

	s.logger.Debug("created channel", "id", ch.ID, "name", ch.Name, "type", ch.Type)
	return nil
}

// GetChannelByName retrieves a channel by name.
func (s *SQLiteStore) GetChannelByName(ctx context.Context, name string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, enabled, config_json, created_at, updated_at
		FROM channels
		WHERE name = ?
	`, name)
	return scanChannel(row)
}

// UpdateChannel replaces a channel's type, enabled flag and stored config.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *Channel) error {
	ch.UpdatedAt = time.Now().UTC()

	configJSON, err := marshalChannelConfig(ch.Config)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET type = ?, enabled = ?, config_json = ?, updated_at = ?
		WHERE name = ?
	`,
		string(ch.Type),
		boolToInt(ch.Enabled),
		configJSON,
		formatTime(ch.UpdatedAt),
		ch.Name,
	)
	if err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	if err := rowsAffected(result, ErrNotFound); err != nil {
		return err
	}

	s.logger.Debug("updated channel", "name", ch.Name)
	return nil
}

// ListChannels returns all channels ordered by name.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, enabled, config_json, created_at, updated_at
		FROM channels
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channels: %w", err)
	}

	return channels, nil
}

// DeleteChannel removes a channel by name.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	if err := rowsAffected(result, ErrNotFound); err != nil {
		return err
	}

	s.logger.Debug("deleted channel", "name", name)
	return nil
}

func marshalChannelConfig(cfg map[string]string) (string, error) {
	if cfg == nil {
		cfg = map[string]string{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling channel config: %w", err)
	}
	return string(data), nil
}

func scanChannel(scanner interface{ Scan(dest ...any) error }) (*Channel, error) {
	var ch Channel
	var chType, configJSON, createdAt, updatedAt string
	var enabled int

	err := scanner.Scan(&ch.ID, &ch.Name, &chType, &enabled, &configJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel: %w", err)
	}

	ch.Type = ChannelType(chType)
	ch.Enabled = enabled != 0

	if err := json.Unmarshal([]byte(configJSON), &ch.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling channel config: %w", err)
	}
	if ch.Config == nil {
		ch.Config = map[string]string{}
	}
	if ch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if ch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &ch, nil
}
