package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oriys/chronicle/internal/domain"
)

// ErrAlreadyScheduled is returned by CreateIfAbsent when a record with
// the same (userID, messageType, scheduledDate) identity already
// exists — the expected, non-error outcome of the materialiser running
// twice over the same day.
var ErrAlreadyScheduled = errors.New("store: message already scheduled for this identity")

// ErrLeaseNotAcquired is returned by AcquireLease when the record is
// currently held by another worker or no longer eligible.
var ErrLeaseNotAcquired = errors.New("store: lease not acquired")

const uniqueViolation = "23505"

// ScheduledMessageStore persists ScheduledMessage records and
// implements the dedup and lease primitives the materialiser and
// processor depend on.
type ScheduledMessageStore interface {
	CreateIfAbsent(ctx context.Context, m *domain.ScheduledMessage) (*domain.ScheduledMessage, error)
	SelectDue(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledMessage, error)
	AcquireLease(ctx context.Context, id, lockID string, leaseDuration time.Duration) (*domain.ScheduledMessage, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, errMsg string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	ListMissed(ctx context.Context, before time.Time, limit int) ([]*domain.ScheduledMessage, error)
	ReleaseLease(ctx context.Context, id string) error
}

// CreateIfAbsent inserts m, generating an ID and CreatedAt if unset.
// A unique-constraint conflict on the identity tuple is treated as a
// normal "already scheduled" outcome rather than an error to bubble up.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, m *domain.ScheduledMessage) (*domain.ScheduledMessage, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = domain.StatusPending
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_messages
			(id, user_id, message_type, message_body, status, scheduled_date, scheduled_at, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.UserID, m.MessageType, m.MessageBody, m.Status, m.ScheduledDate, m.ScheduledAt, m.RetryCount, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrAlreadyScheduled
		}
		return nil, fmt.Errorf("create scheduled message: %w", err)
	}
	return m, nil
}

// SelectDue returns pending/retry records whose scheduled_at has
// passed and which are not currently under an active lease, ordered
// oldest-first, capped at limit.
func (s *PostgresStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, message_type, message_body, status, scheduled_date, scheduled_at,
		       sent_at, retry_count, error_message, lock_id, locked_until, created_at
		FROM scheduled_messages
		WHERE status IN ('pending', 'retry')
		  AND scheduled_at <= $1
		  AND (locked_until IS NULL OR locked_until <= $1)
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AcquireLease performs a CAS lock acquisition: it claims the record
// only if it is still unlocked (or its prior lease expired), using
// FOR UPDATE SKIP LOCKED so concurrent processors on other replicas
// never block on, or double-claim, the same row.
func (s *PostgresStore) AcquireLease(ctx context.Context, id, lockID string, leaseDuration time.Duration) (*domain.ScheduledMessage, error) {
	now := time.Now().UTC()
	until := now.Add(leaseDuration)

	row := s.pool.QueryRow(ctx, `
		UPDATE scheduled_messages
		SET lock_id = $1, locked_until = $2
		WHERE id = (
			SELECT id FROM scheduled_messages
			WHERE id = $3
			  AND status IN ('pending', 'retry')
			  AND (locked_until IS NULL OR locked_until <= $4)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, message_type, message_body, status, scheduled_date, scheduled_at,
		          sent_at, retry_count, error_message, lock_id, locked_until, created_at
	`, lockID, until, id, now)

	m, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return nil, ErrLeaseNotAcquired
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return m, nil
}

// MarkSent records successful delivery and releases the lease.
func (s *PostgresStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = $1, sent_at = $2, lock_id = NULL, locked_until = NULL, error_message = NULL
		WHERE id = $3
	`, domain.StatusSent, sentAt, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("scheduled message not found: %s", id)
	}
	return nil
}

// MarkRetry records a failed attempt that has not exhausted its retry
// budget: the record goes back to Retry status with the lease
// released, so the next tick's SelectDue picks it up again.
func (s *PostgresStore) MarkRetry(ctx context.Context, id string, retryCount int, errMsg string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = $1, retry_count = $2, error_message = $3, lock_id = NULL, locked_until = NULL
		WHERE id = $4
	`, domain.StatusRetry, retryCount, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("scheduled message not found: %s", id)
	}
	return nil
}

// MarkFailed records terminal failure (retry budget exhausted) and
// releases the lease. retryCount
// is persisted alongside the status so a Failed record always reads
// back with retry_count equal to the retry budget that exhausted it.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = $1, retry_count = $2, error_message = $3, lock_id = NULL, locked_until = NULL
		WHERE id = $4
	`, domain.StatusFailed, retryCount, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("scheduled message not found: %s", id)
	}
	return nil
}

// ReleaseLease clears a record's lease without altering its status or
// retry count, for the "exception during processing" and "user
// vanished" paths during processing, which are not delivery outcomes.
func (s *PostgresStore) ReleaseLease(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_messages SET lock_id = NULL, locked_until = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ListMissed returns pending/retry records scheduled before the
// cutoff, used by the startup recovery pass to catch up on occurrences
// that fell through a downtime window.
func (s *PostgresStore) ListMissed(ctx context.Context, before time.Time, limit int) ([]*domain.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, message_type, message_body, status, scheduled_date, scheduled_at,
		       sent_at, retry_count, error_message, lock_id, locked_until, created_at
		FROM scheduled_messages
		WHERE status IN ('pending', 'retry') AND scheduled_at < $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list missed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessage(row rowScanner) (*domain.ScheduledMessage, error) {
	var m domain.ScheduledMessage
	var errorMessage, lockID *string
	if err := row.Scan(&m.ID, &m.UserID, &m.MessageType, &m.MessageBody, &m.Status, &m.ScheduledDate,
		&m.ScheduledAt, &m.SentAt, &m.RetryCount, &errorMessage, &lockID, &m.LockedUntil, &m.CreatedAt); err != nil {
		return nil, err
	}
	if errorMessage != nil {
		m.ErrorMessage = *errorMessage
	}
	if lockID != nil {
		m.LockID = *lockID
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]*domain.ScheduledMessage, error) {
	var out []*domain.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan scheduled messages rows: %w", err)
	}
	return out, nil
}
