package repository

import (
	"context"
	"errors"
	"time"

	"caseintake/internal/model"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("case event message not found")

// Outcome is what the dispatcher decided for a locked READY row. It is applied in the
// same transaction that holds the row lock.
type Outcome struct {
	// State is the target state. MessageStateReady means "leave it READY and retry later".
	State model.MessageState
	// HoldUntil is only used when State is READY: retry_count is incremented and
	// hold_until set to this instant.
	HoldUntil time.Time
}

// Processed marks a successful handoff.
func Processed() Outcome { return Outcome{State: model.MessageStateProcessed} }

// Unprocessable marks a permanent handoff failure.
func Unprocessable() Outcome { return Outcome{State: model.MessageStateUnprocessable} }

// RetryAt leaves the row READY and backs it off until holdUntil.
func RetryAt(holdUntil time.Time) Outcome {
	return Outcome{State: model.MessageStateReady, HoldUntil: holdUntil}
}

// CleanUpFilter bounds a clean-up delete.
type CleanUpFilter struct {
	States         []model.MessageState
	ReceivedBefore time.Time
	Limit          int
}

// ArchiveFunc receives the rows removed by a clean-up delete before the delete commits.
// Returning an error rolls the delete back.
type ArchiveFunc func(ctx context.Context, rows []model.CaseEventMessage) error

// CaseEventMessageRepository is the durable queue store. All coordination between service
// instances goes through row locks and guarded state-column updates here.
type CaseEventMessageRepository interface {
	// Insert stores msg in NEW state (unless msg.State is set) and fills Sequence and Received.
	Insert(ctx context.Context, msg *model.CaseEventMessage) error
	// GetBySequence returns ErrNotFound if no row has that sequence.
	GetBySequence(ctx context.Context, sequence int64) (*model.CaseEventMessage, error)
	// GetMessagesByMessageID returns every row stored for a bus message id, oldest first.
	GetMessagesByMessageID(ctx context.Context, messageID string) ([]model.CaseEventMessage, error)
	// GetAllMessagesInNewState returns NEW rows ordered by sequence.
	GetAllMessagesInNewState(ctx context.Context) ([]model.CaseEventMessage, error)

	// ProcessNextReady locks the next dispatchable READY row (FOR UPDATE SKIP LOCKED) and
	// calls fn with it while the lock is held. Rows locked by another transaction are
	// skipped, never waited on. A DLQ-origin row is skipped while a newer non-DLQ READY row
	// exists for its case, and rows held past now are skipped. The returned Outcome is
	// written before the transaction commits. Reports false when nothing was available.
	ProcessNextReady(ctx context.Context, now time.Time, fn func(ctx context.Context, msg *model.CaseEventMessage) Outcome) (bool, error)

	// PromoteToReady moves a NEW row whose hold has elapsed to READY.
	// Reports false if the row was no longer eligible.
	PromoteToReady(ctx context.Context, sequence int64, now time.Time) (bool, error)
	// BulkUpdateState moves the given rows to state, touching only rows currently in one of
	// state's predecessor states.
	BulkUpdateState(ctx context.Context, state model.MessageState, sequences ...int64) (int64, error)

	// FindProblemMessages returns NEW rows received before receivedBefore, ordered by sequence.
	FindProblemMessages(ctx context.Context, receivedBefore time.Time) ([]model.CaseEventMessage, error)
	// BulkUpdateRetryMetadata increments retry_count and sets hold_until on the given NEW rows.
	// Returns the sequences actually updated, ascending.
	BulkUpdateRetryMetadata(ctx context.Context, holdUntil time.Time, sequences ...int64) ([]int64, error)

	// DeleteWhere removes at most filter.Limit rows matching the filter, oldest sequence first.
	// archive may be nil.
	DeleteWhere(ctx context.Context, filter CleanUpFilter, archive ArchiveFunc) (int64, error)

	Ping(ctx context.Context) error
}
