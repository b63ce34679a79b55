// Package consumer moves case events from the bus into the durable queue.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"caseintake/internal/metrics"
	"caseintake/internal/model"
	"caseintake/internal/repository"
	"caseintake/internal/servicebus"

	"github.com/rs/zerolog"
)

// MessageStore persists received messages.
type MessageStore interface {
	Insert(ctx context.Context, msg *model.CaseEventMessage) error
}

// HandlerOptions configures a MessageHandler.
type HandlerOptions struct {
	// RetryAttempts is the delivery count at which an application failure is dead-lettered.
	RetryAttempts int
	// FromDlq marks rows stored by this handler as recovered from the dead-letter sub-queue.
	FromDlq bool
}

// MessageHandler persists one bus message and settles it. A message is completed only
// after its row is stored.
type MessageHandler struct {
	store   MessageStore
	opts    HandlerOptions
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewMessageHandler(store MessageStore, opts HandlerOptions, logger zerolog.Logger, m *metrics.Metrics) *MessageHandler {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &MessageHandler{
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "MessageHandler").Bool("from_dlq", opts.FromDlq).Logger(),
		metrics: m,
	}
}

// Handle stores msg and settles it on r. The returned error reports a settlement failure;
// processing failures are settled on the bus and not returned.
func (h *MessageHandler) Handle(ctx context.Context, r servicebus.Receiver, msg *servicebus.Message) error {
	log := h.logger.With().
		Str("message_id", msg.ID).
		Int("delivery_count", msg.DeliveryCount).
		Logger()

	event, err := model.ParseCaseEvent(msg.Body)
	if err != nil {
		desc := model.DeadLetterDescription{
			OriginalMessage:  string(msg.Body),
			ErrorDescription: err.Error(),
		}
		log.Error().Err(err).Msg("Malformed case event, dead-lettering")
		return h.deadLetter(ctx, r, msg, model.DeadLetterDeserializationError, desc)
	}
	log = log.With().
		Str("case_id", event.CaseID).
		Str("event_instance_id", event.EventInstanceID).
		Logger()

	row, err := newRow(msg, event, h.opts.FromDlq)
	if err == nil {
		err = h.store.Insert(ctx, row)
	}
	if err != nil {
		if repository.IsTransient(err) {
			log.Warn().Err(err).Msg("Store unavailable, abandoning message")
			return h.abandon(ctx, r, msg)
		}
		if msg.DeliveryCount < h.opts.RetryAttempts {
			log.Warn().Err(err).Int("retry_attempts", h.opts.RetryAttempts).Msg("Processing failed, abandoning for retry")
			return h.abandon(ctx, r, msg)
		}
		log.Error().Err(err).Int("retry_attempts", h.opts.RetryAttempts).Msg("Processing failed on final attempt, dead-lettering")
		return h.deadLetter(ctx, r, msg, model.DeadLetterApplicationError, applicationFailure(event, err))
	}

	if err := r.Complete(ctx, msg); err != nil {
		return err
	}
	h.metrics.RecordReceived(ctx, h.opts.FromDlq)
	log.Info().Int64("sequence", row.Sequence).Msg("Case event message stored")
	return nil
}

func newRow(msg *servicebus.Message, event *model.CaseEvent, fromDlq bool) (*model.CaseEventMessage, error) {
	var props json.RawMessage
	if len(event.MessageProperties) > 0 {
		b, err := json.Marshal(event.MessageProperties)
		if err != nil {
			return nil, fmt.Errorf("encoding message properties: %w", err)
		}
		props = b
	}
	return &model.CaseEventMessage{
		MessageID:         msg.ID,
		CaseID:            event.CaseID,
		EventTimestamp:    event.EventTimeStamp,
		FromDlq:           fromDlq,
		State:             model.MessageStateNew,
		MessageProperties: props,
		MessageContent:    string(msg.Body),
		DeliveryCount:     msg.DeliveryCount,
		HoldUntil:         event.HoldUntil,
	}, nil
}

func applicationFailure(event *model.CaseEvent, err error) model.DeadLetterDescription {
	redacted := event.Redacted()
	original, mErr := json.Marshal(redacted)
	if mErr != nil {
		original = []byte(fmt.Sprintf(`{"CaseId":%q,"EventInstanceId":%q}`, event.CaseID, event.EventInstanceID))
	}
	return model.DeadLetterDescription{
		OriginalMessage:  string(original),
		ErrorDescription: errorMessage(err),
	}
}

func errorMessage(err error) string {
	if err == nil {
		return model.UnknownError
	}
	msg := err.Error()
	if msg == "" {
		// Unwrap to the first non-empty message before giving up.
		for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
			if m := e.Error(); m != "" {
				return m
			}
		}
		return model.UnknownError
	}
	return msg
}

func (h *MessageHandler) abandon(ctx context.Context, r servicebus.Receiver, msg *servicebus.Message) error {
	if err := r.Abandon(ctx, msg); err != nil {
		return err
	}
	h.metrics.RecordAbandoned(ctx)
	return nil
}

// deadLetter settles msg as rejected. A message read from the dead-letter sub-queue cannot be
// dead-lettered again; it is completed instead so it stops gating readiness promotion.
func (h *MessageHandler) deadLetter(ctx context.Context, r servicebus.Receiver, msg *servicebus.Message, reason model.DeadLetterReason, desc model.DeadLetterDescription) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding dead-letter description: %w", err)
	}
	if h.opts.FromDlq {
		h.logger.Error().
			Str("message_id", msg.ID).
			Str("reason", string(reason)).
			Str("error_description", desc.ErrorDescription).
			Msg("Discarding unprocessable message from dead-letter sub-queue")
		if err := r.Complete(ctx, msg); err != nil {
			return err
		}
	} else if err := r.DeadLetter(ctx, msg, string(reason), string(body)); err != nil {
		return err
	}
	h.metrics.RecordDeadLettered(ctx, string(reason))
	return nil
}
