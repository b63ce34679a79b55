package consumer

import (
	"context"
	"time"

	"caseintake/internal/servicebus"

	"github.com/rs/zerolog"
)

// DeadLetterConsumer drains the subscription's dead-letter sub-queue into the durable queue.
// Its handler must be built with FromDlq set.
type DeadLetterConsumer struct {
	source  servicebus.DeadLetterSource
	handler *MessageHandler
	pool    *pool
}

func NewDeadLetterConsumer(source servicebus.DeadLetterSource, handler *MessageHandler, workers int, grace time.Duration, logger zerolog.Logger) *DeadLetterConsumer {
	c := &DeadLetterConsumer{source: source, handler: handler}
	c.pool = newPool("DeadLetterConsumer", workers, grace, logger, c.work)
	return c
}

func (c *DeadLetterConsumer) Start(ctx context.Context) { c.pool.start(ctx) }

func (c *DeadLetterConsumer) Stop(ctx context.Context) error { return c.pool.stop(ctx) }

func (c *DeadLetterConsumer) work(pullCtx, workCtx context.Context, log zerolog.Logger) {
	var r servicebus.Receiver
	defer func() {
		if r != nil {
			closeReceiver(workCtx, r, log)
		}
	}()

	for pullCtx.Err() == nil {
		if r == nil {
			opened, err := c.source.OpenDeadLetterReceiver(pullCtx)
			if err != nil {
				if pullCtx.Err() == nil {
					log.Error().Err(err).Msg("Failed to open dead-letter receiver")
					pause(pullCtx, retryPause)
				}
				continue
			}
			r = opened
		}
		if !drain(pullCtx, workCtx, r, c.handler, log) {
			closeReceiver(workCtx, r, log)
			r = nil
			pause(pullCtx, retryPause)
		}
	}
}
