package consumer

import (
	"context"
	"errors"
	"time"

	"caseintake/internal/servicebus"

	"github.com/rs/zerolog"
)

// closeTimeout bounds releasing a session or receiver.
const closeTimeout = 10 * time.Second

// SessionConsumer runs a pool of workers, each holding at most one bus session at a time.
// Messages of one session (one case) are handled in order; different sessions run in parallel.
type SessionConsumer struct {
	acceptor servicebus.SessionAcceptor
	handler  *MessageHandler
	pool     *pool
}

func NewSessionConsumer(acceptor servicebus.SessionAcceptor, handler *MessageHandler, workers int, grace time.Duration, logger zerolog.Logger) *SessionConsumer {
	c := &SessionConsumer{acceptor: acceptor, handler: handler}
	c.pool = newPool("SessionConsumer", workers, grace, logger, c.work)
	return c
}

func (c *SessionConsumer) Start(ctx context.Context) { c.pool.start(ctx) }

func (c *SessionConsumer) Stop(ctx context.Context) error { return c.pool.stop(ctx) }

func (c *SessionConsumer) work(pullCtx, workCtx context.Context, log zerolog.Logger) {
	for pullCtx.Err() == nil {
		session, err := c.acceptor.AcceptNextSession(pullCtx)
		if err != nil {
			if errors.Is(err, servicebus.ErrNoSession) || pullCtx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("Failed to accept session")
			pause(pullCtx, retryPause)
			continue
		}
		drain(pullCtx, workCtx, session, c.handler, log)
		closeReceiver(workCtx, session, log)
	}
}

// drain handles messages from r until it goes idle, fails, or pulling stops.
// It reports whether the receiver is still usable.
func drain(pullCtx, workCtx context.Context, r servicebus.Receiver, h *MessageHandler, log zerolog.Logger) bool {
	for {
		if pullCtx.Err() != nil {
			return true
		}
		msg, err := r.Receive(pullCtx)
		if err != nil {
			if pullCtx.Err() != nil {
				return true
			}
			log.Error().Err(err).Msg("Failed to receive message")
			return false
		}
		if msg == nil {
			return true
		}
		if err := h.Handle(workCtx, r, msg); err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to settle message")
			return false
		}
	}
}

func closeReceiver(workCtx context.Context, r servicebus.Receiver, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(workCtx, closeTimeout)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close receiver")
	}
}
