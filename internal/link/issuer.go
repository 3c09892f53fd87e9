// Package link implements the channel-linking flow: minting one-time tokens
// that prove account ownership, and redeeming them from inbound bot updates
// to bind a user to their Telegram chat.
package link

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avelikov/herald/internal/db"
	"github.com/avelikov/herald/internal/metrics"
)

// TokenStore is the persistence the link flow needs.
type TokenStore interface {
	CreateLinkToken(ctx context.Context, token *db.LinkToken) error
	RedeemLinkToken(ctx context.Context, token, chatID string, now time.Time) (*db.RedeemResult, error)
}

// Grant is an issued link token plus everything the frontend needs to hand
// it to the user.
type Grant struct {
	Token     string    `json:"token"`
	DeepLink  string    `json:"deep_link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints link tokens.
type Issuer struct {
	store    TokenStore
	ttl      time.Duration
	deepLink func(token string) string
	logger   *zap.Logger
	now      func() time.Time
}

// NewIssuer creates an issuer. deepLink renders the channel's start link for
// a token.
func NewIssuer(store TokenStore, ttl time.Duration, deepLink func(string) string, logger *zap.Logger) *Issuer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{
		store:    store,
		ttl:      ttl,
		deepLink: deepLink,
		logger:   logger,
		now:      time.Now,
	}
}

// Issue mints a fresh one-time token for userID. Persisting it invalidates
// the user's earlier unused tokens, so exactly one deep link is live per
// user at any time.
func (i *Issuer) Issue(ctx context.Context, userID uuid.UUID) (*Grant, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	expiresAt := i.now().Add(i.ttl)

	if err := i.store.CreateLinkToken(ctx, &db.LinkToken{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("persist link token: %w", err)
	}

	metrics.RecordLinkTokenIssued()

	i.logger.Info("link token issued",
		zap.String("user_id", userID.String()),
		zap.Time("expires_at", expiresAt),
	)

	return &Grant{
		Token:     token,
		DeepLink:  i.deepLink(token),
		ExpiresAt: expiresAt,
	}, nil
}

// generateToken returns 32 bytes of crypto randomness as unpadded base64url,
// 43 characters.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
