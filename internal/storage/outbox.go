package storage

import (
	"context"
	"fmt"
	"time"
)

// OutboxEntry is one request authored offline and awaiting replay.
type OutboxEntry struct {
	Seq            int64     `json:"seq"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Endpoint       string    `json:"endpoint"`
	Payload        []byte    `json:"payload"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// AppendOutbox adds e at the tail of the queue and returns it with its sequence.
func (d *DB) AppendOutbox(ctx context.Context, e OutboxEntry) (OutboxEntry, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO _outbox (idempotency_key, endpoint, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		e.IdempotencyKey, e.Endpoint, e.Payload, e.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return e, fmt.Errorf("append outbox: %w", err)
	}
	e.Seq, err = res.LastInsertId()
	return e, err
}

// ListOutbox returns the queue in enqueue order.
func (d *DB) ListOutbox(ctx context.Context) ([]OutboxEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, idempotency_key, endpoint, payload, enqueued_at FROM _outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var at int64
		if err := rows.Scan(&e.Seq, &e.IdempotencyKey, &e.Endpoint, &e.Payload, &at); err != nil {
			return nil, err
		}
		e.EnqueuedAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteOutbox removes a delivered entry.
func (d *DB) DeleteOutbox(ctx context.Context, seq int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `DELETE FROM _outbox WHERE seq = ?`, seq)
	return err
}

// OutboxLen returns the number of queued entries.
func (d *DB) OutboxLen(ctx context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _outbox`).Scan(&n)
	return n, err
}
