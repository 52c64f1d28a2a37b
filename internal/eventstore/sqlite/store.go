// Package sqlite is the per-user event store: synced-email events, the NATS
// outbox, sync checkpoints, and provider token records, all in one SQLite
// file per user.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mail-sync-infra/internal/oauth"
	"github.com/Martian-dev/mail-sync-infra/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store is a per-user event store.
type Store struct {
	DB *sql.DB
}

// OpenUserDB opens or creates the event database at dbPath.
func OpenUserDB(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// AppendSyncedEmail records email as synced and enqueues an outbox entry for
// natsSubject, atomically. Re-syncing the same provider message is a no-op
// for the event row, and the outbox row's UNIQUE msg_id keeps the event from
// being announced twice.
func (s *Store) AppendSyncedEmail(ctx context.Context, inboxID string, email sync.EmailData, natsSubject, eventType string, payload []byte) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO email_synced_events
		(event_id, ts, msg_date, provider, inbox_id, provider_message_id, provider_thread_id,
		 subject, sender, sender_name, to_addrs, cc_addrs, bcc_addrs, snippet,
		 is_read, is_starred, labels_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), now, email.Date.Unix(), string(email.Provider), inboxID,
		email.ID, email.ThreadID, email.Subject, email.From, email.FromName,
		jsonList(email.To), jsonList(email.Cc), jsonList(email.Bcc), email.Snippet,
		boolInt(email.IsRead), boolInt(email.IsStarred), jsonList(email.Labels))
	if err != nil {
		return fmt.Errorf("insert synced email: %w", err)
	}

	msgID := fmt.Sprintf("%s:%s", email.Provider, email.ID)
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	return tx.Commit()
}

// AppendOutbox enqueues a standalone event (sends, status changes) for
// publication.
func (s *Store) AppendOutbox(ctx context.Context, natsSubject, eventType, msgID string, payload []byte) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox returns up to limit unpublished messages whose next attempt
// is due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var messages []sync.OutboxEntry
	for rows.Next() {
		var msg sync.OutboxEntry
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out by
// backoff.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark outbox retry: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored sync cursor for provider/inboxID, empty
// when none has been saved yet.
func (s *Store) LoadCheckpoint(ctx context.Context, provider, inboxID string) (sync.Checkpoint, error) {
	var cursor sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM provider_sync_state WHERE provider = ? AND inbox_id = ?
	`, provider, inboxID).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return sync.Checkpoint{}, nil
		}
		return sync.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return sync.Checkpoint{Cursor: cursor.String}, nil
}

// SaveCheckpoint upserts the cursor and status for provider/inboxID. A save
// clears any prior error.
func (s *Store) SaveCheckpoint(ctx context.Context, provider, inboxID string, cp sync.Checkpoint, status string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO provider_sync_state (provider, inbox_id, cursor, status, last_error, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(provider, inbox_id) DO UPDATE SET
			cursor = excluded.cursor,
			status = excluded.status,
			last_error = '',
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, provider, inboxID, cp.Cursor, status, now, now)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// UpdateSyncStatus records a status transition without touching the cursor.
// A non-empty errorMsg increments the retry counter.
func (s *Store) UpdateSyncStatus(ctx context.Context, provider, inboxID, status, errorMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO provider_sync_state (provider, inbox_id, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(provider, inbox_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE WHEN excluded.last_error != '' THEN provider_sync_state.retry_count + 1 ELSE provider_sync_state.retry_count END,
			updated_at = excluded.updated_at
	`, provider, inboxID, status, errorMsg, errorMsg, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	return nil
}

// SyncState is the persisted view of one provider connection.
type SyncState struct {
	Provider     string
	InboxID      string
	Cursor       string
	Status       string
	LastError    string
	RetryCount   int
	LastSyncedAt time.Time
}

// LoadSyncState returns the full state row, or nil when none exists.
func (s *Store) LoadSyncState(ctx context.Context, provider, inboxID string) (*SyncState, error) {
	var (
		st       SyncState
		syncedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT provider, inbox_id, cursor, status, last_error, retry_count, last_synced_at
		FROM provider_sync_state WHERE provider = ? AND inbox_id = ?
	`, provider, inboxID).Scan(&st.Provider, &st.InboxID, &st.Cursor, &st.Status,
		&st.LastError, &st.RetryCount, &syncedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	st.LastSyncedAt = time.Unix(syncedAt, 0)
	return &st, nil
}

// SaveToken upserts the provider token record for inboxID.
func (s *Store) SaveToken(ctx context.Context, provider, inboxID string, rec oauth.TokenRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oauth_tokens (provider, inbox_id, access_token, refresh_token, expiry, scope_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, inbox_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			scope_json = excluded.scope_json,
			updated_at = excluded.updated_at
	`, provider, inboxID, rec.AccessToken, rec.RefreshToken, rec.Expiry.Unix(),
		jsonList(rec.Scope), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadToken returns the stored token record, or nil when the inbox has never
// been connected.
func (s *Store) LoadToken(ctx context.Context, provider, inboxID string) (*oauth.TokenRecord, error) {
	var (
		rec       oauth.TokenRecord
		expiry    int64
		scopeJSON string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expiry, scope_json
		FROM oauth_tokens WHERE provider = ? AND inbox_id = ?
	`, provider, inboxID).Scan(&rec.AccessToken, &rec.RefreshToken, &expiry, &scopeJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	rec.Expiry = time.Unix(expiry, 0)
	if err := json.Unmarshal([]byte(scopeJSON), &rec.Scope); err != nil {
		return nil, fmt.Errorf("decode token scope: %w", err)
	}
	return &rec, nil
}

// DeleteToken removes the token record after a disconnect or revocation.
func (s *Store) DeleteToken(ctx context.Context, provider, inboxID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM oauth_tokens WHERE provider = ? AND inbox_id = ?
	`, provider, inboxID)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ sync.Store = (*Store)(nil)
