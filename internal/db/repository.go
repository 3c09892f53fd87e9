package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateIdempotencyKey means a row with the same idempotency key
	// already exists. Producers treat this as success: the notification is
	// already queued or resolved.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrNotificationNotFound = errors.New("notification not found")
	ErrUserNotFound         = errors.New("user not found")
)

// Repository handles database operations for the notification outbox and
// recipient channel bindings.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new outbox repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Enqueue inserts a new outbox row. Uniqueness of the idempotency key is
// enforced by the schema, not here, so concurrent enqueues of the same
// logical event race safely: exactly one insert wins and the rest get
// ErrDuplicateIdempotencyKey.
func (r *Repository) Enqueue(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notification_outbox (
			id, recipient_user_id, recipient_chat_id, payload,
			idempotency_key, status, attempts, next_attempt_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(
		ctx,
		query,
		notif.ID,
		notif.RecipientUserID,
		notif.RecipientChatID,
		notif.Payload,
		notif.IdempotencyKey,
		notif.Status,
		notif.Attempts,
		notif.NextAttemptAt,
	)
	if err != nil {
		r.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.String("idempotency_key", notif.IdempotencyKey),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrDuplicateIdempotencyKey
	}

	r.logger.Info("notification enqueued",
		zap.String("notification_id", notif.ID.String()),
		zap.String("recipient_user_id", notif.RecipientUserID.String()),
		zap.String("idempotency_key", notif.IdempotencyKey),
	)

	return nil
}

// GetNotification retrieves an outbox row by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT
			id, recipient_user_id, recipient_chat_id, payload,
			idempotency_key, status, attempts, next_attempt_at,
			last_error, created_at, updated_at
		FROM notification_outbox
		WHERE id = $1
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
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
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}

	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return &notif, nil
}

// ListNotifications retrieves outbox rows for a recipient with pagination.
// status narrows the listing when non-empty. Faults never propagate to the
// producer, so this is the operator's window into delivery state.
func (r *Repository) ListNotifications(
	ctx context.Context,
	recipientUserID uuid.UUID,
	status string,
	limit int,
	offset int,
) ([]*Notification, error) {
	query := `
		SELECT
			id, recipient_user_id, recipient_chat_id, payload,
			idempotency_key, status, attempts, next_attempt_at,
			last_error, created_at, updated_at
		FROM notification_outbox
		WHERE recipient_user_id = $1
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientUserID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
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
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// GetUser retrieves the herald-relevant slice of a user account
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT id, name, chat_id FROM users WHERE id = $1`

	var user User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&user.ID, &user.Name, &user.ChatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// SetChannelBinding sets or clears (nil) a user's chat binding
func (r *Repository) SetChannelBinding(ctx context.Context, userID uuid.UUID, chatID *string) error {
	query := `UPDATE users SET chat_id = $1, updated_at = NOW() WHERE id = $2`

	tag, err := r.db.Pool().Exec(ctx, query, chatID, userID)
	if err != nil {
		return fmt.Errorf("update channel binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// CountByStatus reports outbox row counts per status, for diagnostics.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT status, COUNT(*) FROM notification_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}
