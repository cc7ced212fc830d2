// ABOUTME: Audit log entity and store methods for tracking authentication events
// ABOUTME: Records who did what to which resource, and from which client address

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditLogin             AuditAction = "login"
	AuditLoginFailed       AuditAction = "login_failed"
	AuditLogout            AuditAction = "logout"
	AuditRefresh           AuditAction = "refresh"
	AuditPasswordChange    AuditAction = "password_change"
	AuditAPIKeyIssue       AuditAction = "api_key_issue"
	AuditAPIKeyRevoke      AuditAction = "api_key_revoke"
	AuditSessionsRevokeAll AuditAction = "sessions_revoke_all"
	AuditPrivilegeChange   AuditAction = "privilege_change"
	AuditAccountCreate     AuditAction = "account_create"
	AuditChannelUpdate     AuditAction = "channel_update"
	AuditChannelTest       AuditAction = "channel_test"
	AuditPasskeyRegister   AuditAction = "passkey_register"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID             string         `json:"id"`                    // UUID v4
	ActorAccountID string         `json:"actor_account_id"`      // who performed the action ("anonymous" for failed logins)
	Action         AuditAction    `json:"action"`                // what action was performed
	TargetType     string         `json:"target_type"`           // "account", "session", "channel"
	TargetID       string         `json:"target_id"`             // ID of the affected resource
	ClientAddr     string         `json:"client_addr,omitempty"` // best-effort client network address
	Timestamp      time.Time      `json:"timestamp"`             // when it happened
	Detail         map[string]any `json:"detail,omitempty"`      // additional context, never secrets
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since          *time.Time
	ActorAccountID *string
	Action         *AuditAction
	TargetID       *string
	Limit          int // max results (default 100, max 1000)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor_account_id, action, target_type, target_id, client_addr, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ActorAccountID,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		e.ClientAddr,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorAccountID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, actor_account_id, action, target_type, target_id, client_addr, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor_account_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, action *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		since = &str
	}
	if f.Action != nil {
		str := string(*f.Action)
		action = &str
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		f.ActorAccountID, f.ActorAccountID,
		action, action,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actionStr, ts string
		var detailJSON *string

		if err := rows.Scan(&e.ID, &e.ActorAccountID, &actionStr, &e.TargetType, &e.TargetID, &e.ClientAddr, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.Action = AuditAction(actionStr)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return entries, nil
}
