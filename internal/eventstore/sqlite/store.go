package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// EventResponseObserved is the outbox event type for inbound replies.
const EventResponseObserved = "thread.response_observed"

// Sync status values
const (
	StatusIdle  = "IDLE"
	StatusError = "ERROR"
)

// Store is the local replica: cursors, conversations, messages, the
// notification outbox, linked accounts and per-user sync status.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// ResponseObservedEvent is the payload published when a reply lands on a
// tracked thread.
type ResponseObservedEvent struct {
	EventID    string `json:"event_id"`
	Ts         int64  `json:"ts"`
	UserID     string `json:"user_id"`
	ThreadID   string `json:"thread_id"`
	MessageID  string `json:"message_id"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	ReceivedAt int64  `json:"received_at"`
}

// SyncStatus is the last recorded outcome for a user.
type SyncStatus struct {
	UserID               string    `json:"user_id"`
	Status               string    `json:"status"`
	SyncType             string    `json:"sync_type"`
	MessagesProcessed    int       `json:"messages_processed"`
	ConversationsUpdated int       `json:"conversations_updated"`
	Skipped              int       `json:"skipped"`
	TimedOut             bool      `json:"timed_out"`
	LastError            string    `json:"last_error,omitempty"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastSyncedAt         time.Time `json:"last_synced_at"`
}

// ResponseSubject is the NATS subject for a user's reply notifications.
func ResponseSubject(userID string) string {
	return fmt.Sprintf("user.%s.%s", userID, EventResponseObserved)
}

// Open opens or creates the mailbox database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// immediate transactions take the write lock up front so concurrent
	// ingestion waits on busy_timeout instead of failing on lock upgrade
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// LoadCursor returns the stored cursor for userID, or nil when none exists.
func (s *Store) LoadCursor(ctx context.Context, userID string) (*mailsync.Cursor, error) {
	var (
		value     string
		updatedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, updated_at FROM sync_cursors WHERE user_id = ?
	`, userID).Scan(&value, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	return &mailsync.Cursor{UserID: userID, Value: value, UpdatedAt: time.Unix(updatedAt, 0).UTC()}, nil
}

// SaveCursor creates or replaces the cursor for userID.
func (s *Store) SaveCursor(ctx context.Context, userID, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, userID, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// MessageExists reports whether messageID is already stored.
func (s *Store) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE message_id = ?
	`, messageID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return true, nil
}

// SaveMessage inserts msg and folds it into its conversation in one
// transaction. When notify is set an outbox row is written in the same
// transaction. It returns false, writing nothing, when msg is already stored.
func (s *Store) SaveMessage(ctx context.Context, msg *mailsync.Message, notify bool) (bool, error) {
	recipients, err := json.Marshal(nonNil(msg.Recipients))
	if err != nil {
		return false, fmt.Errorf("failed to encode recipients: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages
		(message_id, thread_id, user_id, direction, sender, recipients, subject,
		 body_html, body_text, received_at, send_record_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, msg.MessageID, msg.ThreadID, msg.UserID, string(msg.Direction), msg.Sender, string(recipients),
		msg.Subject, msg.BodyHTML, msg.BodyText, msg.ReceivedAt.UnixMilli(), nullString(msg.SendRecordID), now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, thread_id, user_id, subject, last_message_at, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			subject = COALESCE(NULLIF(excluded.subject, ''), conversations.subject),
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			message_count = conversations.message_count + 1,
			updated_at = excluded.updated_at
	`, uuid.NewString(), msg.ThreadID, msg.UserID, msg.Subject, msg.ReceivedAt.UnixMilli(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	if notify {
		if err := enqueueResponseObserved(ctx, tx, msg, now); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func enqueueResponseObserved(ctx context.Context, tx *sql.Tx, msg *mailsync.Message, now time.Time) error {
	payload, err := json.Marshal(ResponseObservedEvent{
		EventID:    uuid.NewString(),
		Ts:         now.Unix(),
		UserID:     msg.UserID,
		ThreadID:   msg.ThreadID,
		MessageID:  msg.MessageID,
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		ReceivedAt: msg.ReceivedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), ResponseSubject(msg.UserID), EventResponseObserved, payload,
		"thread.response|"+msg.MessageID, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// Message returns a stored message or an error wrapping mailsync.ErrNotFound.
func (s *Store) Message(ctx context.Context, messageID string) (*mailsync.Message, error) {
	var (
		m            mailsync.Message
		direction    string
		recipients   string
		receivedAt   int64
		sendRecordID sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT message_id, thread_id, user_id, direction, sender, recipients, subject,
		       body_html, body_text, received_at, send_record_id
		FROM messages WHERE message_id = ?
	`, messageID).Scan(&m.MessageID, &m.ThreadID, &m.UserID, &direction, &m.Sender, &recipients,
		&m.Subject, &m.BodyHTML, &m.BodyText, &receivedAt, &sendRecordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: message %s", mailsync.ErrNotFound, messageID)
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	m.Direction = mailsync.Direction(direction)
	m.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	m.SendRecordID = sendRecordID.String
	return &m, nil
}

// Conversation returns the conversation for threadID or an error wrapping
// mailsync.ErrNotFound.
func (s *Store) Conversation(ctx context.Context, threadID string) (*mailsync.Conversation, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, thread_id, user_id, subject, last_message_at, message_count, updated_at
		FROM conversations WHERE thread_id = ?
	`, threadID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversation %s", mailsync.ErrNotFound, threadID)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return c, nil
}

// Conversations lists a user's conversations, most recent activity first.
func (s *Store) Conversations(ctx context.Context, userID string, limit int) ([]*mailsync.Conversation, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, thread_id, user_id, subject, last_message_at, message_count, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY last_message_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []*mailsync.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*mailsync.Conversation, error) {
	var (
		c             mailsync.Conversation
		lastMessageAt int64
		updatedAt     int64
	)
	if err := row.Scan(&c.ID, &c.ThreadID, &c.UserID, &c.Subject, &lastMessageAt, &c.MessageCount, &updatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = time.UnixMilli(lastMessageAt).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

// UpsertAccount links a mailbox to a user, replacing any previous link.
func (s *Store) UpsertAccount(ctx context.Context, acct *mailsync.Account) error {
	now := s.now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (user_id, email, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			updated_at = excluded.updated_at
	`, acct.UserID, acct.Email, string(acct.Provider), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// Account returns the linked mailbox of userID.
func (s *Store) Account(ctx context.Context, userID string) (*mailsync.Account, error) {
	return s.queryAccount(ctx, `SELECT user_id, email, provider FROM accounts WHERE user_id = ?`, userID)
}

// AccountByEmail resolves a mailbox address to its owner, ignoring case.
func (s *Store) AccountByEmail(ctx context.Context, email string) (*mailsync.Account, error) {
	return s.queryAccount(ctx, `
		SELECT user_id, email, provider FROM accounts
		WHERE email = ? COLLATE NOCASE
		ORDER BY updated_at DESC
		LIMIT 1
	`, email)
}

func (s *Store) queryAccount(ctx context.Context, query, arg string) (*mailsync.Account, error) {
	var (
		acct     mailsync.Account
		provider string
	)
	err := s.DB.QueryRowContext(ctx, query, arg).Scan(&acct.UserID, &acct.Email, &provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", mailsync.ErrNotFound, arg)
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	acct.Provider = mailsync.ProviderName(provider)
	return &acct, nil
}

// RecordSyncStatus stores the outcome of a sync run.
func (s *Store) RecordSyncStatus(ctx context.Context, userID string, res mailsync.SyncResult) error {
	status := StatusIdle
	failures := 0
	if !res.Success {
		status = StatusError
		failures = 1
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_status
		(user_id, status, sync_type, messages_processed, conversations_updated, skipped,
		 timed_out, last_error, consecutive_failures, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			sync_type = excluded.sync_type,
			messages_processed = excluded.messages_processed,
			conversations_updated = excluded.conversations_updated,
			skipped = excluded.skipped,
			timed_out = excluded.timed_out,
			last_error = excluded.last_error,
			consecutive_failures = CASE WHEN excluded.status = 'ERROR'
				THEN sync_status.consecutive_failures + 1 ELSE 0 END,
			last_synced_at = excluded.last_synced_at
	`, userID, status, string(res.SyncType), res.MessagesProcessed, res.ConversationsUpdated,
		res.Skipped, res.TimedOut, res.Error, failures, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record sync status: %w", err)
	}
	return nil
}

// SyncStatus returns the last recorded outcome for userID.
func (s *Store) SyncStatus(ctx context.Context, userID string) (*SyncStatus, error) {
	var (
		st       SyncStatus
		syncedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, status, sync_type, messages_processed, conversations_updated, skipped,
		       timed_out, last_error, consecutive_failures, last_synced_at
		FROM sync_status WHERE user_id = ?
	`, userID).Scan(&st.UserID, &st.Status, &st.SyncType, &st.MessagesProcessed, &st.ConversationsUpdated,
		&st.Skipped, &st.TimedOut, &st.LastError, &st.ConsecutiveFailures, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sync status %s", mailsync.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	st.LastSyncedAt = time.Unix(syncedAt, 0).UTC()
	return &st, nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
