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

	"github.com/Martian-dev/mail-bridge/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// EventTypeEmailIngested is the outbox event type for appended records
const EventTypeEmailIngested = "email.ingested"

// Store holds watch state, ingested documents and the outbox
type Store struct {
	DB *sql.DB
}

// StoredEmail is an appended email document
type StoredEmail struct {
	DocumentID string
	Collection string
	Mailbox    string
	Record     sync.EmailRecord
	CreatedAt  time.Time
}

// Open opens or creates the bridge database
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
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

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// LoadWatch returns the watch state of a mailbox, or nil if there is none
func (s *Store) LoadWatch(ctx context.Context, mailbox string) (*sync.WatchState, error) {
	var (
		st                     sync.WatchState
		cursor, prev, resolved int64
		expiration, update     int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT mailbox, account_id, cursor, previous_cursor, resolved_cursor, expiration, status, last_error, updated_at
		FROM mailbox_watches WHERE mailbox = ?
	`, mailbox).Scan(&st.Mailbox, &st.AccountID, &cursor, &prev, &resolved, &expiration, &st.Status, &st.LastError, &update)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load watch: %w", err)
	}

	st.Cursor = sync.Cursor(cursor)
	st.PreviousCursor = sync.Cursor(prev)
	st.ResolvedCursor = sync.Cursor(resolved)
	st.Expiration = fromUnix(expiration)
	st.UpdatedAt = fromUnix(update)
	return &st, nil
}

// SaveWatch upserts the watch state of a mailbox. On conflict the stored
// cursor only moves forward, and the resolved mark is kept.
func (s *Store) SaveWatch(ctx context.Context, st sync.WatchState) error {
	now := time.Now().Unix()
	status := st.Status
	if status == "" {
		status = sync.StatusHooked
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mailbox_watches (mailbox, account_id, cursor, previous_cursor, resolved_cursor, expiration, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			account_id = excluded.account_id,
			cursor = MAX(mailbox_watches.cursor, excluded.cursor),
			previous_cursor = CASE
				WHEN excluded.cursor > mailbox_watches.cursor THEN excluded.previous_cursor
				ELSE mailbox_watches.previous_cursor
			END,
			expiration = excluded.expiration,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, st.Mailbox, st.AccountID, int64(st.Cursor), int64(st.PreviousCursor), int64(st.Cursor), toUnix(st.Expiration),
		status, st.LastError, now, now)
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// AdvanceCursor moves the mailbox cursor forward to next and returns where
// history resolution should start. The cursor never moves backward. The
// start never lies past the resolved mark, so a window whose batch failed
// is resolved again by the next notification, even an older one.
func (s *Store) AdvanceCursor(ctx context.Context, mailbox string, next sync.Cursor) (sync.Advance, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return sync.Advance{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cur, prev, resolved int64
	err = tx.QueryRowContext(ctx, `
		SELECT cursor, previous_cursor, resolved_cursor FROM mailbox_watches WHERE mailbox = ?
	`, mailbox).Scan(&cur, &prev, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sync.Advance{}, fmt.Errorf("%w: %s", sync.ErrUnknownMailbox, mailbox)
		}
		return sync.Advance{}, fmt.Errorf("failed to load cursor: %w", err)
	}

	adv := sync.PlanAdvance(sync.Cursor(cur), sync.Cursor(prev), sync.Cursor(resolved), next)
	if adv.Stale {
		return adv, nil
	}

	now := time.Now().Unix()
	if adv.Current > sync.Cursor(cur) {
		_, err = tx.ExecContext(ctx, `
			UPDATE mailbox_watches
			SET previous_cursor = cursor, cursor = ?, status = ?, updated_at = ?
			WHERE mailbox = ?
		`, int64(adv.Current), sync.StatusSyncing, now, mailbox)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE mailbox_watches SET status = ?, updated_at = ? WHERE mailbox = ?
		`, sync.StatusSyncing, now, mailbox)
	}
	if err != nil {
		return sync.Advance{}, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return sync.Advance{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return adv, nil
}

// MarkResolved records that history has been resolved through cursor. The
// mark only moves forward.
func (s *Store) MarkResolved(ctx context.Context, mailbox string, through sync.Cursor) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mailbox_watches
		SET resolved_cursor = MAX(resolved_cursor, ?), updated_at = ?
		WHERE mailbox = ?
	`, int64(through), time.Now().Unix(), mailbox)
	if err != nil {
		return fmt.Errorf("failed to mark resolved: %w", err)
	}
	return nil
}

// UpdateSyncStatus updates sync status with error info
func (s *Store) UpdateSyncStatus(ctx context.Context, mailbox, status, errorMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mailbox_watches
		SET status = ?,
		    last_error = ?,
		    retry_count = CASE WHEN ? != '' THEN retry_count + 1 ELSE 0 END,
		    updated_at = ?
		WHERE mailbox = ?
	`, status, errorMsg, errorMsg, time.Now().Unix(), mailbox)
	return err
}

// UpdateExpiration records a renewed watch expiration
func (s *Store) UpdateExpiration(ctx context.Context, mailbox string, expiration time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mailbox_watches SET expiration = ?, status = ?, last_error = '', updated_at = ?
		WHERE mailbox = ?
	`, toUnix(expiration), sync.StatusHooked, time.Now().Unix(), mailbox)
	if err != nil {
		return fmt.Errorf("failed to update expiration: %w", err)
	}
	return nil
}

// ListExpiring returns watches with a known expiration before the deadline
func (s *Store) ListExpiring(ctx context.Context, before time.Time) ([]sync.WatchState, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT mailbox FROM mailbox_watches
		WHERE expiration > 0 AND expiration < ?
		ORDER BY expiration
	`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}

	var mailboxes []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		mailboxes = append(mailboxes, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	states := make([]sync.WatchState, 0, len(mailboxes))
	for _, m := range mailboxes {
		st, err := s.LoadWatch(ctx, m)
		if err != nil {
			return nil, err
		}
		if st != nil {
			states = append(states, *st)
		}
	}
	return states, nil
}

// DeleteWatch removes the watch state of a mailbox
func (s *Store) DeleteWatch(ctx context.Context, mailbox string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM mailbox_watches WHERE mailbox = ?`, mailbox)
	if err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}
	return nil
}

// AppendEmail appends an email document and its outbox entry in one
// transaction and returns the new document id. Duplicates are not checked.
func (s *Store) AppendEmail(ctx context.Context, mailbox, collection string, rec sync.EmailRecord) (string, error) {
	docID := uuid.NewString()
	now := time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode email: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event_id":    uuid.NewString(),
		"ts":          now.Unix(),
		"event_type":  EventTypeEmailIngested,
		"mailbox":     mailbox,
		"collection":  collection,
		"document_id": docID,
		"email":       rec,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, collection, mailbox, message_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, docID, collection, mailbox, rec.ID, string(data), now.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to insert email document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), sync.IngestedSubject(mailbox), EventTypeEmailIngested, payload,
		sync.IngestedMsgID(mailbox, rec.ID), now.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return docID, nil
}

// ListEmails returns the documents of a collection, newest first.
// An empty mailbox matches every mailbox.
func (s *Store) ListEmails(ctx context.Context, collection, mailbox string, limit int) ([]StoredEmail, error) {
	query := "SELECT id, collection, mailbox, data, created_at FROM documents WHERE collection = ?"
	args := []interface{}{collection}

	if mailbox != "" {
		query += " AND mailbox = ?"
		args = append(args, mailbox)
	}

	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var emails []StoredEmail
	for rows.Next() {
		var (
			e       StoredEmail
			data    string
			created int64
		)
		if err := rows.Scan(&e.DocumentID, &e.Collection, &e.Mailbox, &data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Record); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", e.DocumentID, err)
		}
		e.CreatedAt = fromUnix(created)
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, event_type, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []sync.OutboxMessage
	for rows.Next() {
		var msg sync.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID); err != nil {
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
	`, time.Now().Unix(), id)
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
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
