// Package pg is the postgres implementation of the store backend, for
// deployments that prefer a networked relational store over embedded
// pebble. Select it with storage.driver: postgres.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"parley/pkg/fault"
	"parley/pkg/logger"
	"parley/pkg/models"
	"parley/pkg/telemetry"
	"parley/pkg/threadkey"
)

type Backend struct {
	db *sql.DB
}

// Open connects to postgres with the given DSN and creates the schema if
// it does not exist.
func Open(dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fault.Transient("pg_ping", err)
	}
	b := &Backend{db: db}
	if err := b.initTables(); err != nil {
		return nil, err
	}
	logger.Info("pg_opened")
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) initTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		low TEXT NOT NULL,
		high TEXT NOT NULL,
		created_ts BIGINT NOT NULL,
		UNIQUE(low, high)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_ts BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS read_cursors (
		thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		through BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (thread_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_ts, id);
	CREATE INDEX IF NOT EXISTS idx_threads_low ON threads(low);
	CREATE INDEX IF NOT EXISTS idx_threads_high ON threads(high);
	`
	if _, err := b.db.Exec(query); err != nil {
		return fault.Transient("pg_init_tables", err)
	}
	return nil
}

func (b *Backend) EnsureThread(ctx context.Context, key threadkey.Key) (models.Thread, error) {
	id := key.ThreadID()
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO threads (id, low, high, created_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (low, high) DO NOTHING
	`, id, key.Low, key.High, time.Now().UTC().UnixNano())
	if err != nil {
		return models.Thread{}, fault.Transient("thread_create", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		telemetry.ThreadsCreated.Inc()
		logger.Info("thread_created", "thread", id, "low", key.Low, "high", key.High)
	}
	// racing creators converge on the winner's row
	return b.threadByPair(ctx, key)
}

func (b *Backend) threadByPair(ctx context.Context, key threadkey.Key) (models.Thread, error) {
	var th models.Thread
	err := b.db.QueryRowContext(ctx, `
		SELECT id, low, high, created_ts FROM threads WHERE low = $1 AND high = $2
	`, key.Low, key.High).Scan(&th.ID, &th.Low, &th.High, &th.CreatedTS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Thread{}, fault.ErrNotFound
		}
		return models.Thread{}, fault.Transient("thread_lookup", err)
	}
	return th, nil
}

func (b *Backend) GetThread(ctx context.Context, id string) (models.Thread, error) {
	var th models.Thread
	err := b.db.QueryRowContext(ctx, `
		SELECT id, low, high, created_ts FROM threads WHERE id = $1
	`, id).Scan(&th.ID, &th.Low, &th.High, &th.CreatedTS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Thread{}, fault.ErrNotFound
		}
		return models.Thread{}, fault.Transient("thread_lookup", err)
	}
	return th, nil
}

func (b *Backend) AppendMessage(ctx context.Context, threadID, sender, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, fault.ErrEmptyBody
	}
	th, err := b.GetThread(ctx, threadID)
	if err != nil {
		return models.Message{}, err
	}
	if !th.HasParticipant(sender) {
		return models.Message{}, fault.ErrUnauthorized
	}
	m := models.Message{
		ID:        uuid.NewString(),
		Thread:    threadID,
		Sender:    sender,
		Body:      body,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender, body, created_ts)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.Thread, m.Sender, m.Body, m.CreatedTS)
	if err != nil {
		return models.Message{}, fault.Transient("save_message", err)
	}
	telemetry.MessagesAppended.Inc()
	logger.Info("message_saved", "thread", threadID, "msg_id", m.ID, "sender", sender)
	return m, nil
}

func (b *Backend) ListMessages(ctx context.Context, threadID, asUser string) ([]models.Message, error) {
	th, err := b.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if asUser != "" && !th.HasParticipant(asUser) {
		return nil, fault.ErrUnauthorized
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, thread_id, sender, body, created_ts
		FROM messages WHERE thread_id = $1
		ORDER BY created_ts, id
	`, threadID)
	if err != nil {
		return nil, fault.Transient("list_messages", err)
	}
	defer rows.Close()
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Thread, &m.Sender, &m.Body, &m.CreatedTS); err != nil {
			return nil, fault.Transient("list_messages", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("list_messages", err)
	}
	return msgs, nil
}

func (b *Backend) MarkRead(ctx context.Context, threadID, user string) (int64, error) {
	th, err := b.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !th.HasParticipant(user) {
		return 0, fault.ErrUnauthorized
	}
	var through int64
	err = b.db.QueryRowContext(ctx, `
		INSERT INTO read_cursors (thread_id, user_id, through)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id, user_id)
		DO UPDATE SET through = GREATEST(read_cursors.through, EXCLUDED.through)
		RETURNING through
	`, threadID, user, time.Now().UTC().UnixNano()).Scan(&through)
	if err != nil {
		return 0, fault.Transient("mark_read", err)
	}
	telemetry.MarkReadCalls.Inc()
	return through, nil
}

func (b *Backend) ThreadUnread(ctx context.Context, threadID, user string) (int, error) {
	th, err := b.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !th.HasParticipant(user) {
		return 0, fault.ErrUnauthorized
	}
	var count int
	err = b.db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages
		WHERE thread_id = $1 AND sender <> $2
		  AND created_ts > COALESCE(
			(SELECT through FROM read_cursors WHERE thread_id = $1 AND user_id = $2), 0)
	`, threadID, user).Scan(&count)
	if err != nil {
		return 0, fault.Transient("thread_unread", err)
	}
	return count, nil
}

func (b *Backend) TotalUnread(ctx context.Context, user string) (int, error) {
	var total int
	err := b.db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE (t.low = $1 OR t.high = $1) AND m.sender <> $1
		  AND m.created_ts > COALESCE(
			(SELECT through FROM read_cursors c
			 WHERE c.thread_id = m.thread_id AND c.user_id = $1), 0)
	`, user).Scan(&total)
	if err != nil {
		return 0, fault.Transient("total_unread", err)
	}
	return total, nil
}

func (b *Backend) Inbox(ctx context.Context, user string) ([]models.InboxRow, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT t.id,
		       CASE WHEN t.low = $1 THEN t.high ELSE t.low END AS other,
		       COALESCE(p.name, ''), COALESCE(p.avatar, ''),
		       COALESCE(l.body, ''), COALESCE(l.sender, ''), COALESCE(l.created_ts, 0),
		       (SELECT count(*) FROM messages m
		        WHERE m.thread_id = t.id AND m.sender <> $1
		          AND m.created_ts > COALESCE(
			        (SELECT through FROM read_cursors c
			         WHERE c.thread_id = t.id AND c.user_id = $1), 0)) AS unread
		FROM threads t
		LEFT JOIN profiles p
		  ON p.id = CASE WHEN t.low = $1 THEN t.high ELSE t.low END
		LEFT JOIN LATERAL (
			SELECT body, sender, created_ts FROM messages
			WHERE thread_id = t.id
			ORDER BY created_ts DESC, id DESC LIMIT 1
		) l ON true
		WHERE t.low = $1 OR t.high = $1
		ORDER BY COALESCE(l.created_ts, t.created_ts) DESC
	`, user)
	if err != nil {
		return nil, fault.Transient("inbox", err)
	}
	defer rows.Close()
	var out []models.InboxRow
	for rows.Next() {
		var r models.InboxRow
		if err := rows.Scan(&r.Thread, &r.Other, &r.OtherName, &r.OtherAvatar,
			&r.LastBody, &r.LastSender, &r.LastTS, &r.Unread); err != nil {
			return nil, fault.Transient("inbox", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("inbox", err)
	}
	return out, nil
}

func (b *Backend) SaveProfile(ctx context.Context, p models.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile id required")
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, avatar) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, avatar = EXCLUDED.avatar
	`, p.ID, p.Name, p.Avatar)
	if err != nil {
		return fault.Transient("save_profile", err)
	}
	return nil
}

func (b *Backend) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, name, avatar FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fault.Transient("list_profiles", err)
	}
	defer rows.Close()
	var out []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Avatar); err != nil {
			return nil, fault.Transient("list_profiles", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("list_profiles", err)
	}
	return out, nil
}

func (b *Backend) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var p models.Profile
	err := b.db.QueryRowContext(ctx, `
		SELECT id, name, avatar FROM profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Profile{}, fault.ErrNotFound
		}
		return models.Profile{}, fault.Transient("profile_lookup", err)
	}
	return p, nil
}
