package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/parley/internal/message"
)

const messageCols = `id, conversation, sender, client_id, body, media_ref, reply_to,
	state, acked_by, reactions, edited, deleted, created_at, updated_at`

// ErrDuplicateClientID is returned when a sender reuses a clientId.
var ErrDuplicateClientID = errors.New("storage: duplicate client id")

// InsertMessage persists a new message.
func (d *DB) InsertMessage(ctx context.Context, m *message.Message) error {
	acked, reactions, err := encodeSets(m)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO _messages (`+messageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Conversation.Key(), m.Sender, m.ClientID, m.Body, m.MediaRef, m.ReplyTo,
		int(m.State), acked, reactions, boolInt(m.Edited), boolInt(m.Deleted),
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if m.ClientID != "" && strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("insert message %s: %w", m.ID, ErrDuplicateClientID)
		}
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// UpdateMessage writes back the mutable fields of m.
func (d *DB) UpdateMessage(ctx context.Context, m *message.Message) error {
	acked, reactions, err := encodeSets(m)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `
		UPDATE _messages SET body = ?, media_ref = ?, state = ?, acked_by = ?, reactions = ?,
			edited = ?, deleted = ?, updated_at = ?
		WHERE id = ?`,
		m.Body, m.MediaRef, int(m.State), acked, reactions,
		boolInt(m.Edited), boolInt(m.Deleted), m.UpdatedAt.UnixMilli(), m.ID,
	)
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update message %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// GetMessage loads one message by id.
func (d *DB) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, err := scanMessage(d.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM _messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

// FindByClientID returns the message a sender stored under clientID.
func (d *DB) FindByClientID(ctx context.Context, sender, clientID string) (*message.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, err := scanMessage(d.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM _messages WHERE sender = ? AND client_id = ?`, sender, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListConversation returns up to limit messages older than before (a message
// id, empty for the newest page), oldest first.
func (d *DB) ListConversation(ctx context.Context, conv message.Conversation, before string, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageCols + ` FROM _messages WHERE conversation = ?`
	args := []any{conv.Key()}
	if before != "" {
		q += ` AND id < ?`
		args = append(args, before)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := d.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PendingFor returns the messages in conv not authored by reader that have
// not reached the read state, oldest first.
func (d *DB) PendingFor(ctx context.Context, conv message.Conversation, reader string) ([]*message.Message, error) {
	return d.queryMessages(ctx,
		`SELECT `+messageCols+` FROM _messages
		 WHERE conversation = ? AND sender != ? AND state < ?
		 ORDER BY id ASC`,
		conv.Key(), reader, int(message.StateRead))
}

func (d *DB) queryMessages(ctx context.Context, q string, args ...any) ([]*message.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*message.Message, error) {
	var (
		m                   message.Message
		conv, acked, reacts string
		state, edited, del  int
		created, updated    int64
	)
	if err := s.Scan(&m.ID, &conv, &m.Sender, &m.ClientID, &m.Body, &m.MediaRef, &m.ReplyTo,
		&state, &acked, &reacts, &edited, &del, &created, &updated); err != nil {
		return nil, err
	}
	c, err := message.ParseKey(conv)
	if err != nil {
		return nil, err
	}
	m.Conversation = c
	m.State = message.DeliveryState(state)
	m.Edited = edited != 0
	m.Deleted = del != 0
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	if err := json.Unmarshal([]byte(acked), &m.AckedBy); err != nil {
		return nil, fmt.Errorf("decode acked_by for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(reacts), &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions for %s: %w", m.ID, err)
	}
	if len(m.AckedBy) == 0 {
		m.AckedBy = nil
	}
	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}
	return &m, nil
}

func encodeSets(m *message.Message) (string, string, error) {
	acked := m.AckedBy
	if acked == nil {
		acked = []string{}
	}
	a, err := json.Marshal(acked)
	if err != nil {
		return "", "", err
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = map[string]string{}
	}
	r, err := json.Marshal(reactions)
	if err != nil {
		return "", "", err
	}
	return string(a), string(r), nil
}
