package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertMessage appends a message record. The insert is idempotent on the
// transport message id: a duplicate delivery of the same logical message is
// a no-op, never an error.
func (r *Repository) InsertMessage(ctx context.Context, msg Message) error {
	const q = `
INSERT INTO messages (id, message_id, sender_jid, remote_jid, text, kind, image_hosted_url, created_at, localized_created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (message_id) DO NOTHING;
`
	_, err := r.pool.Exec(ctx, q,
		uuid.NewString(),
		msg.MessageID,
		msg.SenderJID,
		msg.RemoteJID,
		msg.Text,
		msg.Kind,
		msg.ImageHostedURL,
		msg.CreatedAt,
		msg.LocalizedCreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert message: %w", err))
	}
	return nil
}

// GetMessage returns the record for a transport message id, or nil if the
// id was never logged.
func (r *Repository) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	const q = `
SELECT id, message_id, sender_jid, remote_jid, text, kind, image_hosted_url,
       created_at, localized_created_at, is_deleted, deleted_at, deleted_by, auto_reply_sent
FROM messages
WHERE message_id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, messageID)
	var m Message
	err := row.Scan(&m.ID, &m.MessageID, &m.SenderJID, &m.RemoteJID, &m.Text, &m.Kind,
		&m.ImageHostedURL, &m.CreatedAt, &m.LocalizedCreatedAt, &m.IsDeleted,
		&m.DeletedAt, &m.DeletedBy, &m.AutoReplySent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get message: %w", err))
	}
	return &m, nil
}

// MarkDeleted flips the deletion state of an existing record. Revocations
// for never-logged ids are silently dropped.
func (r *Repository) MarkDeleted(ctx context.Context, messageID, deletedBy string, at time.Time) error {
	const q = `
UPDATE messages
SET is_deleted = TRUE, deleted_at = $2, deleted_by = $3
WHERE message_id = $1;
`
	if _, err := r.pool.Exec(ctx, q, messageID, at, deletedBy); err != nil {
		return classify(fmt.Errorf("mark deleted: %w", err))
	}
	return nil
}

// MarkAutoReplied records that a rule response was dispatched for the
// message. The flag only ever transitions false to true.
func (r *Repository) MarkAutoReplied(ctx context.Context, messageID string) error {
	const q = `
UPDATE messages
SET auto_reply_sent = TRUE
WHERE message_id = $1 AND auto_reply_sent = FALSE;
`
	if _, err := r.pool.Exec(ctx, q, messageID); err != nil {
		return classify(fmt.Errorf("mark auto replied: %w", err))
	}
	return nil
}

// ListDeletedWithImages returns deleted records that kept a hosted image URL.
func (r *Repository) ListDeletedWithImages(ctx context.Context) ([]Message, error) {
	const q = `
SELECT id, message_id, sender_jid, remote_jid, text, kind, image_hosted_url,
       created_at, localized_created_at, is_deleted, deleted_at, deleted_by, auto_reply_sent
FROM messages
WHERE is_deleted = TRUE AND image_hosted_url IS NOT NULL
ORDER BY deleted_at DESC;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, classify(fmt.Errorf("list deleted with images: %w", err))
	}
	defer rows.Close()

	var records []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.SenderJID, &m.RemoteJID, &m.Text, &m.Kind,
			&m.ImageHostedURL, &m.CreatedAt, &m.LocalizedCreatedAt, &m.IsDeleted,
			&m.DeletedAt, &m.DeletedBy, &m.AutoReplySent); err != nil {
			return nil, fmt.Errorf("scan deleted message: %w", err)
		}
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate deleted messages: %w", err))
	}
	return records, nil
}

// ClearAll wipes the messages table inside a single transaction, so
// concurrent readers never observe a partially cleared table. Returns the
// number of rows removed.
func (r *Repository) ClearAll(ctx context.Context) (int64, error) {
	var removed int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM messages;`)
		if err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		removed = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return removed, nil
}

// AggregateCounts returns total, per-kind and per-deleter counts.
func (r *Repository) AggregateCounts(ctx context.Context) (*Counts, error) {
	counts := &Counts{
		PerKind:    map[string]int64{},
		PerDeleter: map[string]int64{},
	}

	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&counts.Total); err != nil {
		return nil, classify(fmt.Errorf("count messages: %w", err))
	}

	rows, err := r.pool.Query(ctx, `SELECT kind, COUNT(*) FROM messages GROUP BY kind;`)
	if err != nil {
		return nil, classify(fmt.Errorf("count per kind: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		counts.PerKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	delRows, err := r.pool.Query(ctx, `
SELECT deleted_by, COUNT(*)
FROM messages
WHERE is_deleted = TRUE AND deleted_by IS NOT NULL
GROUP BY deleted_by;
`)
	if err != nil {
		return nil, classify(fmt.Errorf("count per deleter: %w", err))
	}
	defer delRows.Close()
	for delRows.Next() {
		var deleter string
		var n int64
		if err := delRows.Scan(&deleter, &n); err != nil {
			return nil, fmt.Errorf("scan deleter count: %w", err)
		}
		counts.PerDeleter[deleter] = n
	}
	if err := delRows.Err(); err != nil {
		return nil, classify(err)
	}

	return counts, nil
}
