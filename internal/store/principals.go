package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Principal is a known human or service identity bound to one or more
// channel-specific addresses (§3 Principal).
type Principal struct {
	UserID          string
	DisplayName     string
	ChannelBindings string
}

// UpsertPrincipal inserts or updates a principal by user id.
func (s *Store) UpsertPrincipal(ctx context.Context, p Principal) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO principals (user_id, display_name, channel_bindings)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET display_name=excluded.display_name, channel_bindings=excluded.channel_bindings;
		`, p.UserID, p.DisplayName, p.ChannelBindings)
		if err != nil {
			return fmt.Errorf("upsert principal %s: %w", p.UserID, err)
		}
		return nil
	})
}

// PrincipalByID fetches a single principal, or nil if unknown.
func (s *Store) PrincipalByID(ctx context.Context, userID string) (*Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, channel_bindings FROM principals WHERE user_id = ?;
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.ChannelBindings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup principal %s: %w", userID, err)
	}
	return &p, nil
}

// SetPreference upserts one preference key for a user (§3 Preference).
func (s *Store) SetPreference(ctx context.Context, userID, key, valueJSON string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO preferences (user_id, key, value_json)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id, key) DO UPDATE SET value_json=excluded.value_json, updated_at=CURRENT_TIMESTAMP;
		`, userID, key, valueJSON)
		if err != nil {
			return fmt.Errorf("set preference %s/%s: %w", userID, key, err)
		}
		return nil
	})
}

// Preference fetches one preference value, returning ("", false) if unset.
func (s *Store) Preference(ctx context.Context, userID, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM preferences WHERE user_id = ? AND key = ?;`, userID, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup preference %s/%s: %w", userID, key, err)
	}
	return val, true, nil
}

// PreferencesForUser returns all preference key/value pairs for a user.
func (s *Store) PreferencesForUser(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value_json FROM preferences WHERE user_id = ?;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list preferences for %s: %w", userID, err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
