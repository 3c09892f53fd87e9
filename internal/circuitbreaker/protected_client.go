package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/avelikov/herald/internal/channel"
)

// ProtectedClient wraps a channel.Client with a circuit breaker. While the
// circuit is open, sends classify as transient without touching the channel,
// so the backoff policy reschedules them for after the recovery window.
//
// Only transient outcomes count as breaker failures: rate limits, revoked
// recipients and permanent payload faults say nothing about channel health.
type ProtectedClient struct {
	inner   channel.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedClient wraps inner with breaker.
func NewProtectedClient(inner channel.Client, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedClient {
	return &ProtectedClient{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

// Send dispatches through the breaker.
func (p *ProtectedClient) Send(ctx context.Context, chatID, text string) channel.Outcome {
	if !p.breaker.Allow() {
		p.logger.Debug("send rejected by open circuit",
			zap.String("chat_id", chatID),
		)
		return channel.TransientError(ErrCircuitOpen.Error())
	}

	outcome := p.inner.Send(ctx, chatID, text)

	if outcome.Kind == channel.Transient {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}

	return outcome
}

// Stats exposes the underlying breaker statistics.
func (p *ProtectedClient) Stats() Stats {
	return p.breaker.Stats()
}
