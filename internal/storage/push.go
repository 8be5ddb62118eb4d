package storage

import (
	"context"
	"fmt"
	"time"
)

// PushToken is one registered device token.
type PushToken struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AddPushToken registers token for user. Re-registering updates the platform.
func (d *DB) AddPushToken(ctx context.Context, t PushToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _push_tokens (user_id, token, platform, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET platform = excluded.platform`,
		t.UserID, t.Token, t.Platform, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add push token: %w", err)
	}
	return nil
}

// RemovePushToken deletes a token. Removing an unknown token is not an error.
func (d *DB) RemovePushToken(ctx context.Context, userID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx,
		`DELETE FROM _push_tokens WHERE user_id = ? AND token = ?`, userID, token)
	return err
}

// PushTokens lists the tokens registered for user, oldest first.
func (d *DB) PushTokens(ctx context.Context, userID string) ([]PushToken, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id, token, platform, created_at FROM _push_tokens WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushToken
	for rows.Next() {
		var t PushToken
		var created int64
		if err := rows.Scan(&t.UserID, &t.Token, &t.Platform, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
