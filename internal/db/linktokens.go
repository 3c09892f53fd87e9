package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// RedeemStatus classifies the outcome of a link-token redemption.
type RedeemStatus int

const (
	RedeemLinked  RedeemStatus = iota // binding written, token consumed
	RedeemInvalid                     // token unknown or already used
	RedeemExpired                     // token past its TTL, nothing mutated
)

// RedeemResult carries the redemption outcome plus the user details needed
// for the confirmation message.
type RedeemResult struct {
	Status   RedeemStatus
	UserID   uuid.UUID
	UserName string
}

// CreateLinkToken persists a fresh link token. Any still-unused tokens the
// user issued earlier are invalidated in the same transaction: only the
// latest token is live, so a leaked old deep link cannot be redeemed.
func (r *Repository) CreateLinkToken(ctx context.Context, token *LinkToken) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin token transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE channel_link_tokens
		SET used_at = NOW()
		WHERE user_id = $1 AND used_at IS NULL
	`, token.UserID)
	if err != nil {
		return fmt.Errorf("invalidate previous tokens: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO channel_link_tokens (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token.Token, token.UserID, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert link token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit token transaction: %w", err)
	}

	r.logger.Info("link token issued",
		zap.String("user_id", token.UserID.String()),
		zap.Time("expires_at", token.ExpiresAt),
	)

	return nil
}

// RedeemLinkToken atomically consumes a token and binds the user to chatID.
// Eligibility read and used_at write happen under one row lock, so two
// concurrent redemptions of the same token cannot both succeed: the loser
// blocks on the lock and then sees used_at already set.
//
// An expired token is rejected without mutation; garbage collection of inert
// tokens is a separate housekeeping concern.
func (r *Repository) RedeemLinkToken(ctx context.Context, token, chatID string, now time.Time) (*RedeemResult, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin redeem transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		userID    uuid.UUID
		userName  string
		expiresAt time.Time
		usedAt    *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT t.user_id, u.name, t.expires_at, t.used_at
		FROM channel_link_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token = $1
		FOR UPDATE OF t
	`, token).Scan(&userID, &userName, &expiresAt, &usedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return &RedeemResult{Status: RedeemInvalid}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query link token: %w", err)
	}

	if usedAt != nil {
		return &RedeemResult{Status: RedeemInvalid, UserID: userID}, nil
	}

	if !expiresAt.After(now) {
		return &RedeemResult{Status: RedeemExpired, UserID: userID}, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE channel_link_tokens SET used_at = $2 WHERE token = $1
	`, token, now); err != nil {
		return nil, fmt.Errorf("mark token used: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET chat_id = $2, updated_at = NOW() WHERE id = $1
	`, userID, chatID); err != nil {
		return nil, fmt.Errorf("bind chat id: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit redeem transaction: %w", err)
	}

	r.logger.Info("channel linked",
		zap.String("user_id", userID.String()),
		zap.String("chat_id", chatID),
	)

	return &RedeemResult{Status: RedeemLinked, UserID: userID, UserName: userName}, nil
}
