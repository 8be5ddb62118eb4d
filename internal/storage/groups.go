package storage

import (
	"context"
	"fmt"
	"time"
)

// GroupMemberRow represents a row from the _group_members table.
type GroupMemberRow struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// AddGroupMember records that user joined the group room. Joining twice is a no-op.
func (d *DB) AddGroupMember(ctx context.Context, groupID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO _group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)`,
		groupID, userID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// RemoveGroupMember removes a membership record.
func (d *DB) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx,
		`DELETE FROM _group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	return err
}

// GroupMembers returns the user ids in a group, sorted.
func (d *DB) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM _group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		members = append(members, u)
	}
	return members, rows.Err()
}

// GroupsOf lists the memberships of one user.
func (d *DB) GroupsOf(ctx context.Context, userID string) ([]GroupMemberRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT group_id, user_id, joined_at FROM _group_members WHERE user_id = ? ORDER BY joined_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupMemberRow
	for rows.Next() {
		var r GroupMemberRow
		var joined int64
		if err := rows.Scan(&r.GroupID, &r.UserID, &joined); err != nil {
			return nil, err
		}
		r.JoinedAt = time.UnixMilli(joined).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
