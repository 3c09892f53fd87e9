package link

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/avelikov/herald/internal/channel"
	"github.com/avelikov/herald/internal/db"
	"github.com/avelikov/herald/internal/metrics"
)

// User-facing redemption replies, delivered through the channel itself. The
// HTTP webhook response never carries the business outcome.
const (
	replyInvalid = "This link is invalid or has already been used. Please generate a new one in the app."
	replyExpired = "This link has expired. Please generate a new one in the app."
)

// Consumer redeems link tokens presented via the channel's start command.
type Consumer struct {
	store  TokenStore
	client channel.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewConsumer creates a consumer that replies through client.
func NewConsumer(store TokenStore, client channel.Client, logger *zap.Logger) *Consumer {
	return &Consumer{
		store:  store,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// HandleMessage processes one inbound chat message. Anything that is not a
// well-formed "/start <token>" command is ignored: the webhook must stay
// quiet on updates that are not ours to handle.
func (c *Consumer) HandleMessage(ctx context.Context, chatID, text string) {
	token, ok := parseStart(text)
	if !ok {
		return
	}

	result, err := c.store.RedeemLinkToken(ctx, token, chatID, c.now())
	if err != nil {
		c.logger.Error("link token redemption failed",
			zap.Error(err),
			zap.String("chat_id", chatID),
		)
		return
	}

	switch result.Status {
	case db.RedeemLinked:
		metrics.RecordLinkRedemption("linked")
		c.logger.Info("channel link established",
			zap.String("user_id", result.UserID.String()),
			zap.String("chat_id", chatID),
		)
		c.reply(ctx, chatID, fmt.Sprintf(
			"Hi, %s! Your Telegram is now linked. You will receive task notifications here.",
			result.UserName,
		))

	case db.RedeemExpired:
		metrics.RecordLinkRedemption("expired")
		c.logger.Warn("expired link token presented",
			zap.String("chat_id", chatID),
		)
		c.reply(ctx, chatID, replyExpired)

	default: // db.RedeemInvalid
		metrics.RecordLinkRedemption("invalid")
		c.logger.Warn("invalid or used link token presented",
			zap.String("chat_id", chatID),
		)
		c.reply(ctx, chatID, replyInvalid)
	}
}

// reply is best effort; a failed confirmation must not fail the redemption.
func (c *Consumer) reply(ctx context.Context, chatID, text string) {
	if outcome := c.client.Send(ctx, chatID, text); outcome.Kind != channel.Success {
		c.logger.Warn("failed to deliver link reply",
			zap.String("chat_id", chatID),
			zap.String("outcome", outcome.Kind.String()),
		)
	}
}

// parseStart extracts the token from a "/start <token>" command.
func parseStart(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 || fields[0] != "/start" {
		return "", false
	}
	return fields[1], true
}
