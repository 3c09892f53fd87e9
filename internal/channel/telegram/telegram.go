// Package telegram adapts the Telegram Bot API to the channel.Client
// contract.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/avelikov/herald/internal/channel"
)

// Config holds Telegram bot settings.
type Config struct {
	Token       string
	BotUsername string
	// WebhookSecret, when set, must match the X-Telegram-Bot-Api-Secret-Token
	// header on inbound updates.
	WebhookSecret string
	SendTimeout   time.Duration
}

// Channel sends messages through the Telegram Bot API.
type Channel struct {
	bot    *tele.Bot
	cfg    Config
	logger *zap.Logger
}

// New creates a Telegram channel client. The bot is constructed offline: no
// getMe round-trip at startup, so herald comes up even when Telegram is
// unreachable and the first dispatch simply classifies as transient.
func New(cfg Config, logger *zap.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.SendTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	logger.Info("telegram channel initialized",
		zap.String("bot_username", cfg.BotUsername),
		zap.Duration("send_timeout", cfg.SendTimeout),
	)

	return &Channel{bot: bot, cfg: cfg, logger: logger}, nil
}

// DeepLink returns the t.me start link embedding a link token.
func (c *Channel) DeepLink(token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", c.cfg.BotUsername, token)
}

// VerifyWebhookSecret reports whether an inbound update carries the expected
// secret header. Always true when no secret is configured.
func (c *Channel) VerifyWebhookSecret(got string) bool {
	return c.cfg.WebhookSecret == "" || got == c.cfg.WebhookSecret
}

// Send delivers text to chatID and classifies the result. The wait is
// bounded by ctx; hitting the bound classifies as transient.
func (c *Channel) Send(ctx context.Context, chatID, text string) channel.Outcome {
	if err := ctx.Err(); err != nil {
		return channel.TransientError(fmt.Sprintf("dispatch canceled: %v", err))
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return channel.PermanentError(fmt.Sprintf("malformed chat id %q", chatID))
	}

	outcome := awaitSend(ctx, func() channel.Outcome {
		_, err := c.bot.Send(tele.ChatID(id), text, tele.ModeHTML)
		return Classify(err)
	})

	if outcome.Kind != channel.Success {
		c.logger.Warn("telegram send failed",
			zap.String("chat_id", chatID),
			zap.String("outcome", outcome.Kind.String()),
			zap.String("detail", outcome.Detail),
		)
	}

	return outcome
}

// awaitSend runs send and waits for its outcome or ctx expiry, whichever
// comes first. The Bot API call itself has no context parameter; an
// abandoned call keeps running until the HTTP client timeout reaps it.
func awaitSend(ctx context.Context, send func() channel.Outcome) channel.Outcome {
	done := make(chan channel.Outcome, 1)
	go func() { done <- send() }()

	select {
	case <-ctx.Done():
		return channel.TransientError(fmt.Sprintf("dispatch canceled: %v", ctx.Err()))
	case outcome := <-done:
		return outcome
	}
}

// Classify maps a Telegram API error onto the dispatch outcome taxonomy:
//
//	429 (flood)            -> RateLimited with the API's retry_after
//	403 (blocked, deleted) -> IdentityRevoked
//	other 4xx              -> Permanent
//	everything else        -> Transient (network, timeout, 5xx)
func Classify(err error) channel.Outcome {
	if err == nil {
		return channel.Succeeded()
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.RateLimitedFor(time.Duration(flood.RetryAfter) * time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden:
			return channel.Revoked(apiErr.Description)
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return channel.PermanentError(apiErr.Description)
		}
	}

	return channel.TransientError(err.Error())
}
