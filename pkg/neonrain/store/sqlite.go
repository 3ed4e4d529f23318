// Package store implements the relational data-access layer on SQLite.
// It backs the registry's persistence port, window hydration, gateway
// tokens, and the persona reference-page cache the refresh job sweeps.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/history"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically
// in time order. RFC3339Nano trims trailing fractional zeros, which makes
// "…05.5Z" sort after "…05.51Z" as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite-backed data-access layer.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			created_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			author          TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
		CREATE TABLE IF NOT EXISTS gateway_tokens (
			token      TEXT PRIMARY KEY,
			label      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reference_pages (
			url        TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			fetched_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// ---------- Messages ----------

// Append stores a message, creating the conversation row on first use,
// and returns the stored copy with its assigned identifier and timestamp.
func (s *Store) Append(ctx context.Context, conversationID string, role history.Role, author, content string) (history.Message, error) {
	now := time.Now().UTC()
	msg := history.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Author:         author,
		Content:        content,
		Timestamp:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return history.Message{}, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	ts := now.Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, last_activity) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity = excluded.last_activity`,
		conversationID, ts, ts,
	); err != nil {
		return history.Message{}, fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, author, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Author, msg.Content, ts,
	); err != nil {
		return history.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return history.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// FetchRecent returns up to limit most-recent messages for a conversation,
// ordered oldest first. Satisfies history.FetchRecent.
func (s *Store) FetchRecent(ctx context.Context, conversationID string, limit int) ([]history.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, author, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch recent: %w", err)
	}
	defer rows.Close()

	var msgs []history.Message
	for rows.Next() {
		var (
			m         history.Message
			role      string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Author, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = history.Role(role)
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch recent: %w", err)
	}

	// Newest-first from the query; the contract is oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteConversation removes a conversation and its messages. Callers
// must invalidate the in-memory window afterwards.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

// ---------- Gateway tokens ----------

// CreateToken mints a random gateway token valid for ttl.
func (s *Store) CreateToken(ctx context.Context, label string, ttl time.Duration) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	token := hex.EncodeToString(buf)
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_tokens (token, label, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		token, label, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

// ValidateToken reports whether a token exists and has not expired.
func (s *Store) ValidateToken(ctx context.Context, token string) (bool, error) {
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT expires_at FROM gateway_tokens WHERE token = ?", token,
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate token: %w", err)
	}
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false, nil
	}
	return time.Now().Before(exp), nil
}

// PurgeExpiredTokens deletes expired tokens and returns the count removed.
// Runs on the scheduler's token-sweep interval.
func (s *Store) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM gateway_tokens WHERE expires_at < ?",
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---------- Reference pages ----------

// ReferencePage is one cached persona reference document.
type ReferencePage struct {
	URL       string
	Content   string
	FetchedAt time.Time
}

// UpsertPage stores or refreshes a cached reference page.
func (s *Store) UpsertPage(ctx context.Context, url, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_pages (url, content, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET content = excluded.content, fetched_at = excluded.fetched_at`,
		url, content, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// StalePages returns pages last fetched before the given age.
func (s *Store) StalePages(ctx context.Context, maxAge time.Duration) ([]ReferencePage, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx,
		"SELECT url, content, fetched_at FROM reference_pages WHERE fetched_at < ?", cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("stale pages: %w", err)
	}
	defer rows.Close()

	var pages []ReferencePage
	for rows.Next() {
		var (
			p         ReferencePage
			fetchedAt string
		)
		if err := rows.Scan(&p.URL, &p.Content, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
		pages = append(pages, p)
	}
	return pages, rows.Err()
}
