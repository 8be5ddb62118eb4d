package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetHidden stores whether user hides their online status.
func (d *DB) SetHidden(ctx context.Context, userID string, hidden bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _privacy (user_id, hidden, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			hidden     = excluded.hidden,
			updated_at = excluded.updated_at`,
		userID, boolInt(hidden), time.Now().UnixMilli(),
	)
	return err
}

// IsHidden reports the stored preference; unknown users are visible.
func (d *DB) IsHidden(ctx context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var hidden int
	err := d.db.QueryRowContext(ctx, `SELECT hidden FROM _privacy WHERE user_id = ?`, userID).Scan(&hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return hidden != 0, err
}

// HiddenUsers returns every user that currently hides their status.
func (d *DB) HiddenUsers(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `SELECT user_id FROM _privacy WHERE hidden = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
