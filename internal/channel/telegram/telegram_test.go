package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/avelikov/herald/internal/channel"
)

func testChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := New(Config{
		Token:         "test-token",
		BotUsername:   "herald_bot",
		WebhookSecret: "hook-secret",
		SendTimeout:   time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	return ch
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestDeepLink(t *testing.T) {
	ch := testChannel(t)
	got := ch.DeepLink("abc123")
	want := "https://t.me/herald_bot?start=abc123"
	if got != want {
		t.Errorf("deep link = %s, want %s", got, want)
	}
}

func TestVerifyWebhookSecret(t *testing.T) {
	ch := testChannel(t)
	if !ch.VerifyWebhookSecret("hook-secret") {
		t.Error("matching secret rejected")
	}
	if ch.VerifyWebhookSecret("wrong") {
		t.Error("wrong secret accepted")
	}

	open, err := New(Config{Token: "test-token"}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	if !open.VerifyWebhookSecret("anything") {
		t.Error("unset secret should accept any header")
	}
}

func TestSend_MalformedChatID(t *testing.T) {
	ch := testChannel(t)
	outcome := ch.Send(context.Background(), "not-a-number", "hello")
	if outcome.Kind != channel.Permanent {
		t.Errorf("expected permanent outcome, got %v", outcome.Kind)
	}
}

func TestSend_CanceledContext(t *testing.T) {
	ch := testChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := ch.Send(ctx, "4242", "hello")
	if outcome.Kind != channel.Transient {
		t.Errorf("expected transient outcome, got %v", outcome.Kind)
	}
}

func TestAwaitSend_DeadlineUnblocksCaller(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// An API call that never returns must not hold the dispatcher past the
	// context deadline.
	stuck := make(chan struct{})
	defer close(stuck)

	start := time.Now()
	outcome := awaitSend(ctx, func() channel.Outcome {
		<-stuck
		return channel.Succeeded()
	})

	if outcome.Kind != channel.Transient {
		t.Errorf("expected transient outcome, got %v", outcome.Kind)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("awaitSend returned after %v, deadline was 10ms", elapsed)
	}
}

func TestAwaitSend_DeliversOutcome(t *testing.T) {
	outcome := awaitSend(context.Background(), func() channel.Outcome {
		return channel.PermanentError("message is too long")
	})
	if outcome.Kind != channel.Permanent {
		t.Errorf("expected permanent outcome, got %v", outcome.Kind)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want channel.OutcomeKind
	}{
		{"nil error", nil, channel.Success},
		{
			"flood",
			tele.FloodError{
				RetryAfter: 14,
			},
			channel.RateLimited,
		},
		{
			"blocked by user",
			&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"},
			channel.IdentityRevoked,
		},
		{
			"bad request",
			&tele.Error{Code: 400, Description: "Bad Request: message is too long"},
			channel.Permanent,
		},
		{
			"server error",
			&tele.Error{Code: 502, Description: "Bad Gateway"},
			channel.Transient,
		},
		{"network fault", errors.New("dial tcp: connection refused"), channel.Transient},
		{"timeout", context.DeadlineExceeded, channel.Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := Classify(tt.err)
			if outcome.Kind != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, outcome.Kind, tt.want)
			}
		})
	}
}

func TestClassify_FloodCarriesRetryAfter(t *testing.T) {
	err := tele.FloodError{
		RetryAfter: 31,
	}

	outcome := Classify(err)
	if outcome.RetryAfter != 31*time.Second {
		t.Errorf("retry after = %v, want 31s", outcome.RetryAfter)
	}
}
