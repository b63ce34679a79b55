// Package dispatch hands READY rows to the handler pipeline, one locked row at a time.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"caseintake/internal/metrics"
	"caseintake/internal/model"
	"caseintake/internal/repository"
	"caseintake/internal/service"

	"github.com/rs/zerolog"
)

// Options configures the dispatcher.
type Options struct {
	// BackoffBase and BackoffMax bound the hold applied after a transient handler failure:
	// min(BackoffBase * 2^retryCount, BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxPerTick caps how many rows one Tick dispatches. Zero means one.
	MaxPerTick int
}

// Consumer is the database message consumer. Several instances may run against the same
// store; row locks taken with SKIP LOCKED keep them from dispatching the same row.
type Consumer struct {
	repo    repository.CaseEventMessageRepository
	handler service.Handler
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewConsumer(repo repository.CaseEventMessageRepository, handler service.Handler, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Consumer {
	if opts.MaxPerTick < 1 {
		opts.MaxPerTick = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	return &Consumer{
		repo:    repo,
		handler: handler,
		opts:    opts,
		now:     time.Now,
		logger:  logger.With().Str("component", "DatabaseMessageConsumer").Logger(),
		metrics: m,
	}
}

// WithClock replaces the clock used for hold-until checks and backoff.
func (c *Consumer) WithClock(now func() time.Time) *Consumer {
	c.now = now
	return c
}

// Tick dispatches up to MaxPerTick READY rows and stops early when none is available.
func (c *Consumer) Tick(ctx context.Context) error {
	for i := 0; i < c.opts.MaxPerTick; i++ {
		found, err := c.repo.ProcessNextReady(ctx, c.now(), c.dispatch)
		if err != nil {
			return fmt.Errorf("dispatching next ready message: %w", err)
		}
		if !found {
			return nil
		}
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, msg *model.CaseEventMessage) repository.Outcome {
	log := c.logger.With().
		Int64("sequence", msg.Sequence).
		Str("message_id", msg.MessageID).
		Str("case_id", msg.CaseID).
		Bool("from_dlq", msg.FromDlq).
		Logger()

	err := c.handler.Handle(ctx, msg)
	switch {
	case err == nil:
		log.Info().Msg("Case event message processed")
		c.metrics.RecordDispatched(ctx, "processed")
		return repository.Processed()
	case service.IsPermanent(err):
		log.Error().Err(err).Msg("Case event message is unprocessable")
		c.metrics.RecordDispatched(ctx, "unprocessable")
		return repository.Unprocessable()
	default:
		holdUntil := c.now().Add(Backoff(msg.RetryCount, c.opts.BackoffBase, c.opts.BackoffMax))
		log.Warn().Err(err).Int("retry_count", msg.RetryCount+1).Time("hold_until", holdUntil).Msg("Dispatch failed, will retry")
		c.metrics.RecordDispatched(ctx, "retry")
		return repository.RetryAt(holdUntil)
	}
}

// Backoff returns min(base * 2^retryCount, max).
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
