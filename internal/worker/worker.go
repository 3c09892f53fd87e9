package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avelikov/herald/internal/backoff"
	"github.com/avelikov/herald/internal/channel"
	"github.com/avelikov/herald/internal/db"
	"github.com/avelikov/herald/internal/metrics"
)

// Store is the claim primitive the pool runs on. It is the only coordination
// point between workers; they never talk to each other.
type Store interface {
	ClaimBatch(ctx context.Context, limit int, now time.Time) (db.Batch, error)
}

// Config tunes the pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	SendTimeout  time.Duration
}

// Pool runs N independent claim-and-dispatch loops. Each loop claims a batch
// of due rows, dispatches them in created_at order, applies the backoff
// policy's transition for each outcome and commits, which releases the claim.
type Pool struct {
	store   Store
	client  channel.Client
	policy  *backoff.Policy
	limiter *rate.Limiter // shared outbound budget across all workers
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a worker pool. limiter may be nil to send unthrottled.
func New(store Store, client channel.Client, policy *backoff.Policy, limiter *rate.Limiter, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	return &Pool{
		store:   store,
		client:  client,
		policy:  policy,
		limiter: limiter,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start runs the pool until ctx is canceled and all in-flight batches have
// resolved. Cancellation stops loops between batches; a batch already
// claimed finishes its rows (each send bounded by the send timeout) before
// the worker exits.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	logger.Info("worker started",
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Int("batch_size", p.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return
		case <-ticker.C:
			p.processBatch(ctx, logger)
		}
	}
}

// processBatch claims and resolves one batch. Any store error aborts the
// whole batch via rollback: every row in it returns to the claimable pool,
// and rows whose send already reached the channel are re-attempted. That
// at-least-once window is accepted; the idempotency key in the payload lets
// the receiving side dedupe.
func (p *Pool) processBatch(ctx context.Context, logger *zap.Logger) {
	batch, err := p.store.ClaimBatch(ctx, p.config.BatchSize, p.now())
	if err != nil {
		logger.Error("failed to claim batch", zap.Error(err))
		return
	}

	rows := batch.Notifications()
	if len(rows) == 0 {
		_ = batch.Rollback(ctx)
		return
	}

	metrics.RecordClaimed(len(rows))
	logger.Info("claimed batch", zap.Int("rows", len(rows)))

	for _, notif := range rows {
		if err := p.dispatch(ctx, batch, notif); err != nil {
			logger.Error("batch aborted",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
			)
			_ = batch.Rollback(ctx)
			return
		}
	}

	if err := batch.Commit(ctx); err != nil {
		logger.Error("failed to commit batch", zap.Error(err))
	}
}

func (p *Pool) dispatch(ctx context.Context, batch db.Batch, notif *db.Notification) error {
	// Binding checks come before any channel call. The creation-time
	// snapshot missing means the recipient was never linked; the current
	// binding missing means it was revoked after enqueue.
	if notif.RecipientChatID == nil || *notif.RecipientChatID == "" {
		metrics.RecordDispatch("skipped")
		return batch.MarkSkipped(ctx, notif.ID, "recipient has no channel binding")
	}
	if notif.CurrentChatID == nil || *notif.CurrentChatID == "" {
		metrics.RecordDispatch("skipped")
		return batch.MarkSkipped(ctx, notif.ID, "recipient channel binding revoked")
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send throttle: %w", err)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	start := time.Now()
	outcome := p.client.Send(sendCtx, *notif.RecipientChatID, notif.Payload)
	cancel()

	metrics.RecordDispatch(outcome.Kind.String())
	metrics.RecordDispatchLatency(time.Since(start))

	decision := p.policy.Decide(outcome, notif.Attempts, p.now())

	switch decision.Kind {
	case backoff.Sent:
		p.logger.Info("notification sent",
			zap.String("notification_id", notif.ID.String()),
		)
		return batch.MarkSent(ctx, notif.ID)

	case backoff.Reschedule:
		p.logger.Warn("notification rescheduled",
			zap.String("notification_id", notif.ID.String()),
			zap.Int("attempts", notif.Attempts+1),
			zap.Time("next_attempt_at", decision.NextAttemptAt),
			zap.String("reason", decision.Reason),
		)
		return batch.Reschedule(ctx, notif.ID, decision.NextAttemptAt, decision.Reason)

	default: // backoff.Failed
		p.logger.Error("notification failed",
			zap.String("notification_id", notif.ID.String()),
			zap.String("reason", decision.Reason),
		)
		if err := batch.MarkFailed(ctx, notif.ID, decision.Reason); err != nil {
			return err
		}
		if decision.Unlink {
			return batch.ClearChannelBinding(ctx, notif.RecipientUserID)
		}
		return nil
	}
}
