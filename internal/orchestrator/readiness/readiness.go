// Package readiness promotes NEW rows to READY once nothing older can still arrive
// from the dead-letter sub-queue.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseintake/internal/metrics"
	"caseintake/internal/model"
	"caseintake/internal/servicebus"

	"github.com/rs/zerolog"
)

// NewMessageLister lists NEW rows. The promoter is given a cached lister, so the list
// may be up to one cache TTL stale.
type NewMessageLister interface {
	GetAllMessagesInNewState(ctx context.Context) ([]model.CaseEventMessage, error)
}

// Promotable moves one row from NEW to READY.
type Promotable interface {
	PromoteToReady(ctx context.Context, sequence int64, now time.Time) (bool, error)
}

type Promoter struct {
	messages NewMessageLister
	repo     Promotable
	dlq      servicebus.DeadLetterPeeker
	dlqCheck func() bool
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewPromoter builds a promoter. dlqCheck reports whether the dead-letter sub-queue must be
// empty before promoting; nil means always. dlq may be nil when dlqCheck never reports true.
func NewPromoter(messages NewMessageLister, repo Promotable, dlq servicebus.DeadLetterPeeker, dlqCheck func() bool, logger zerolog.Logger, m *metrics.Metrics) *Promoter {
	if dlqCheck == nil {
		dlqCheck = func() bool { return true }
	}
	return &Promoter{
		messages: messages,
		repo:     repo,
		dlq:      dlq,
		dlqCheck: dlqCheck,
		now:      time.Now,
		logger:   logger.With().Str("component", "MessageReadinessPromoter").Logger(),
		metrics:  m,
	}
}

func (p *Promoter) WithClock(now func() time.Time) *Promoter {
	p.now = now
	return p
}

// Tick runs Promote.
func (p *Promoter) Tick(ctx context.Context) error {
	_, err := p.Promote(ctx)
	return err
}

// Promote walks the NEW rows in sequence order. It stops at the first row for which the
// dead-letter sub-queue is not empty.
func (p *Promoter) Promote(ctx context.Context) ([]string, error) {
	rows, err := p.messages.GetAllMessagesInNewState(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing new messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var promoted []string
	defer func() {
		if len(promoted) > 0 {
			p.metrics.RecordPromoted(ctx, len(promoted))
			p.logger.Info().Strs("message_ids", promoted).Msg("Promoted messages to READY")
		}
	}()

	for i := range rows {
		row := &rows[i]
		now := p.now()
		if row.IsHeld(now) {
			continue
		}
		if p.dlqCheck() {
			if p.dlq == nil {
				return promoted, errors.New("dead-letter check enabled without a dead-letter peeker")
			}
			empty, err := p.dlq.IsDeadLetterQueueEmpty(ctx)
			if err != nil {
				return promoted, fmt.Errorf("checking dead-letter sub-queue: %w", err)
			}
			if !empty {
				p.logger.Debug().Int64("sequence", row.Sequence).Msg("Dead-letter sub-queue not empty, deferring promotion")
				return promoted, nil
			}
		}
		ok, err := p.repo.PromoteToReady(ctx, row.Sequence, now)
		if err != nil {
			return promoted, fmt.Errorf("promoting message %d: %w", row.Sequence, err)
		}
		if ok {
			promoted = append(promoted, row.MessageID)
		}
	}
	return promoted, nil
}
