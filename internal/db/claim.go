package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jackc/pgx/v5"
)

// Batch is a set of outbox rows claimed exclusively by one worker. The claim
// is the open transaction behind it: rows stay invisible to concurrent
// ClaimBatch calls until Commit or Rollback, and a worker that dies releases
// its claim the moment the connection drops. There is no locked_until column
// to leak.
type Batch interface {
	// Notifications returns the claimed rows in created_at order.
	Notifications() []*Notification

	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error

	// Reschedule keeps the row pending with a later next_attempt_at and
	// counts the completed attempt.
	Reschedule(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error

	// ClearChannelBinding drops the recipient's chat binding so their
	// remaining pending rows short-circuit to skipped on their next claim.
	ClearChannelBinding(ctx context.Context, userID uuid.UUID) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type claimedBatch struct {
	tx     pgx.Tx
	rows   []*Notification
	logger *zap.Logger
}

// ClaimBatch atomically claims up to limit due rows (pending, and either
// never attempted or past next_attempt_at). SKIP LOCKED keeps concurrent
// workers from blocking on each other: a worker whose candidates are already
// claimed simply gets a smaller or empty batch and retries next poll.
//
// Each row is joined with the recipient's current chat binding so dispatch
// can skip recipients whose binding was revoked after the row was enqueued.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, now time.Time) (Batch, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}

	query := `
		SELECT
			n.id, n.recipient_user_id, n.recipient_chat_id, n.payload,
			n.idempotency_key, n.status, n.attempts, n.next_attempt_at,
			n.last_error, n.created_at, n.updated_at,
			u.chat_id
		FROM notification_outbox n
		JOIN users u ON u.id = n.recipient_user_id
		WHERE n.status = 'pending'
		  AND (n.next_attempt_at IS NULL OR n.next_attempt_at <= $1)
		ORDER BY n.created_at
		LIMIT $2
		FOR UPDATE OF n SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	defer rows.Close()

	var claimed []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.RecipientUserID,
			&notif.RecipientChatID,
			&notif.Payload,
			&notif.IdempotencyKey,
			&notif.Status,
			&notif.Attempts,
			&notif.NextAttemptAt,
			&notif.LastError,
			&notif.CreatedAt,
			&notif.UpdatedAt,
			&notif.CurrentChatID,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		claimed = append(claimed, &notif)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return &claimedBatch{tx: tx, rows: claimed, logger: r.logger}, nil
}

func (b *claimedBatch) Notifications() []*Notification {
	return b.rows
}

// Terminal and reschedule transitions all guard on status = 'pending' in SQL
// so a terminal row can never move again, whatever the caller does.

func (b *claimedBatch) MarkSent(ctx context.Context, id uuid.UUID) error {
	return b.transition(ctx, id, `
		UPDATE notification_outbox
		SET status = 'sent', attempts = attempts + 1, last_error = NULL,
		    next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`)
}

func (b *claimedBatch) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return b.transition(ctx, id, `
		UPDATE notification_outbox
		SET status = 'failed', attempts = attempts + 1, last_error = $2,
		    next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, lastError)
}

// MarkSkipped records that delivery was never attempted, so attempts is left
// untouched.
func (b *claimedBatch) MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	return b.transition(ctx, id, `
		UPDATE notification_outbox
		SET status = 'skipped', last_error = $2,
		    next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, reason)
}

func (b *claimedBatch) Reschedule(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	return b.transition(ctx, id, `
		UPDATE notification_outbox
		SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, nextAttemptAt, lastError)
}

func (b *claimedBatch) ClearChannelBinding(ctx context.Context, userID uuid.UUID) error {
	_, err := b.tx.Exec(ctx,
		`UPDATE users SET chat_id = NULL, updated_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear channel binding: %w", err)
	}

	b.logger.Warn("channel binding cleared",
		zap.String("user_id", userID.String()),
	)

	return nil
}

func (b *claimedBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

func (b *claimedBatch) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}

func (b *claimedBatch) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	allArgs := append([]any{id}, args...)
	tag, err := b.tx.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("update notification %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
