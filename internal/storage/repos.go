package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/user"
)

type identityRepo struct {
	db *sql.DB
}

func (r *identityRepo) Create(ctx context.Context, ident user.Identity) error {
	if ident.ID == "" || ident.Username == "" || ident.CreatedAt.IsZero() {
		return fmt.Errorf("identity id, username, and created_at are required")
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO identities (id, username, password_hash, public_key, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ident.ID, ident.Username, ident.PasswordHash, ident.PublicKey, ident.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (r *identityRepo) GetByID(ctx context.Context, id user.ID) (user.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, password_hash, public_key, created_at
		FROM identities WHERE id = $1`, id)
	return scanIdentity(row, "select identity by id")
}

func (r *identityRepo) GetByUsername(ctx context.Context, username string) (user.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, password_hash, public_key, created_at
		FROM identities WHERE username = $1`, username)
	return scanIdentity(row, "select identity by username")
}

func scanIdentity(row *sql.Row, op string) (user.Identity, error) {
	var ident user.Identity
	if err := row.Scan(&ident.ID, &ident.Username, &ident.PasswordHash, &ident.PublicKey, &ident.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.Identity{}, ErrNotFound
		}
		return user.Identity{}, fmt.Errorf("%s: %w", op, err)
	}
	return ident, nil
}

func (r *identityRepo) ListIDs(ctx context.Context) ([]user.ID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM identities ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list identity ids: %w", err)
	}
	defer rows.Close()

	var ids []user.ID
	for rows.Next() {
		var id user.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity ids: %w", err)
	}
	return ids, nil
}

// The postgres extended protocol caps a statement at 65535 bind parameters.
// Multi-row inserts are chunked to stay safely below that, so one large
// flush never fails wholesale on a healthy store.
const maxStmtParams = 60000

type messageRepo struct {
	db         *sql.DB
	paramLimit int
}

type keyRow struct {
	messageID message.ID
	recipient user.ID
	key       []byte
	position  int
}

// InsertMessages writes the batch as chunked multi-row statements. Conflicts
// are skipped rather than failed so a retried batch containing already
// persisted messages still lands the rest. The statements are not wrapped in
// one transaction: a partial write is repaired by the retry, and the history
// read path tolerates a message row without keys (it simply does not match
// any recipient).
func (r *messageRepo) InsertMessages(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	limit := r.paramLimit
	if limit < 1 {
		limit = maxStmtParams
	}

	perChunk := limit / 7
	if perChunk < 1 {
		perChunk = 1
	}
	for start := 0; start < len(msgs); start += perChunk {
		end := start + perChunk
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := r.insertMessageRows(ctx, msgs[start:end]); err != nil {
			return err
		}
	}

	var keys []keyRow
	for _, m := range msgs {
		for pos, recipient := range m.Recipients {
			key := m.Keys[recipient]
			if key == nil {
				key = []byte{}
			}
			keys = append(keys, keyRow{messageID: m.ID, recipient: recipient, key: key, position: pos})
		}
	}

	perChunk = limit / 4
	if perChunk < 1 {
		perChunk = 1
	}
	for start := 0; start < len(keys); start += perChunk {
		end := start + perChunk
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.insertKeyRows(ctx, keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *messageRepo) insertMessageRows(ctx context.Context, msgs []*message.Message) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO messages (id, sender_id, ciphertext, iv, created_at, expires_at, unread) VALUES `)
	args := make([]any, 0, len(msgs)*7)

	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, m.ID, m.SenderID, m.Ciphertext, m.IV, m.CreatedAt, m.ExpiresAt, m.Unread)
	}
	sb.WriteString(` ON CONFLICT (id) DO NOTHING`)

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}
	return nil
}

func (r *messageRepo) insertKeyRows(ctx context.Context, keys []keyRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO message_keys (message_id, recipient_id, wrapped_key, position) VALUES `)
	args := make([]any, 0, len(keys)*4)

	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, k.messageID, k.recipient, k.key, k.position)
	}
	sb.WriteString(` ON CONFLICT (message_id, recipient_id) DO NOTHING`)

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert message keys: %w", err)
	}
	return nil
}

func (r *messageRepo) ListForRecipient(ctx context.Context, recipient user.ID, before time.Time, limit int) ([]message.HistoryEntry, error) {
	if recipient == "" {
		return nil, fmt.Errorf("recipient id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT m.id, m.sender_id, m.ciphertext, m.iv, k.wrapped_key, m.created_at, m.unread, k.read_at
		FROM messages m
		JOIN message_keys k ON k.message_id = m.id
		WHERE k.recipient_id = $1 AND m.created_at < $2
		ORDER BY m.created_at DESC LIMIT $3`, recipient, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []message.HistoryEntry
	for rows.Next() {
		var e message.HistoryEntry
		var readAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.SenderID, &e.Ciphertext, &e.IV, &e.Key, &e.CreatedAt, &e.Unread, &readAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			e.ReadAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// MarkRead stamps the recipient's key row once; repeat calls keep the first
// timestamp. The message-level unread flag clears on the first receipt from
// any recipient.
func (r *messageRepo) MarkRead(ctx context.Context, id message.ID, recipient user.ID, at time.Time) error {
	if id == "" || recipient == "" {
		return fmt.Errorf("message id and recipient id are required")
	}

	res, err := r.db.ExecContext(ctx, `UPDATE message_keys SET read_at = COALESCE(read_at, $3)
		WHERE message_id = $1 AND recipient_id = $2`, id, recipient, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := r.db.ExecContext(ctx, `UPDATE messages SET unread = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}

func (r *messageRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return rows, nil
}
