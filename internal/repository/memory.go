package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"caseintake/internal/model"
)

// MemoryRepository is an in-process CaseEventMessageRepository. Row locks are emulated with
// a lock set so that concurrent ProcessNextReady callers skip rows another caller holds.
// Intended for tests and local runs without a database.
type MemoryRepository struct {
	mu      sync.Mutex
	rows    map[int64]*model.CaseEventMessage
	locked  map[int64]bool
	nextSeq int64
	now     func() time.Time
}

// NewMemoryRepository returns an empty store. now stamps Received on insert; nil means time.Now.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		rows:   make(map[int64]*model.CaseEventMessage),
		locked: make(map[int64]bool),
		now:    now,
	}
}

func copyMessage(m *model.CaseEventMessage) model.CaseEventMessage {
	c := *m
	if m.HoldUntil != nil {
		h := *m.HoldUntil
		c.HoldUntil = &h
	}
	if m.EventTimestamp != nil {
		ts := *m.EventTimestamp
		c.EventTimestamp = &ts
	}
	if m.MessageProperties != nil {
		c.MessageProperties = append([]byte(nil), m.MessageProperties...)
	}
	return c
}

// sortedLocked returns rows ordered by sequence. Caller holds mu.
func (r *MemoryRepository) sortedLocked() []*model.CaseEventMessage {
	out := make([]*model.CaseEventMessage, 0, len(r.rows))
	for _, m := range r.rows {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (r *MemoryRepository) selectWhere(pred func(m *model.CaseEventMessage) bool) []model.CaseEventMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.CaseEventMessage{}
	for _, m := range r.sortedLocked() {
		if pred(m) {
			out = append(out, copyMessage(m))
		}
	}
	return out
}

func (r *MemoryRepository) Insert(_ context.Context, msg *model.CaseEventMessage) error {
	if msg.CaseID == "" {
		return fmt.Errorf("inserting case event message %s: case id is required", msg.MessageID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	msg.Sequence = r.nextSeq
	if msg.State == "" {
		msg.State = model.MessageStateNew
	}
	if msg.Received.IsZero() {
		msg.Received = r.now()
	}
	stored := copyMessage(msg)
	r.rows[msg.Sequence] = &stored
	return nil
}

func (r *MemoryRepository) GetBySequence(_ context.Context, sequence int64) (*model.CaseEventMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[sequence]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyMessage(m)
	return &c, nil
}

func (r *MemoryRepository) GetMessagesByMessageID(_ context.Context, messageID string) ([]model.CaseEventMessage, error) {
	return r.selectWhere(func(m *model.CaseEventMessage) bool { return m.MessageID == messageID }), nil
}

func (r *MemoryRepository) GetAllMessagesInNewState(_ context.Context) ([]model.CaseEventMessage, error) {
	return r.selectWhere(func(m *model.CaseEventMessage) bool { return m.State == model.MessageStateNew }), nil
}

// supersededLocked reports whether a DLQ-origin row has a newer non-DLQ READY row for its case.
func (r *MemoryRepository) supersededLocked(m *model.CaseEventMessage) bool {
	if !m.FromDlq {
		return false
	}
	for _, other := range r.rows {
		if other.CaseID == m.CaseID && other.Sequence > m.Sequence &&
			!other.FromDlq && other.State == model.MessageStateReady {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) ProcessNextReady(ctx context.Context, now time.Time, fn func(ctx context.Context, msg *model.CaseEventMessage) Outcome) (bool, error) {
	r.mu.Lock()
	var candidate *model.CaseEventMessage
	for _, m := range r.sortedLocked() {
		if m.State != model.MessageStateReady || r.locked[m.Sequence] || m.IsHeld(now) || r.supersededLocked(m) {
			continue
		}
		candidate = m
		break
	}
	if candidate == nil {
		r.mu.Unlock()
		return false, nil
	}
	r.locked[candidate.Sequence] = true
	msg := copyMessage(candidate)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.locked, msg.Sequence)
		r.mu.Unlock()
	}()

	outcome := fn(ctx, &msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[msg.Sequence]
	switch outcome.State {
	case model.MessageStateProcessed, model.MessageStateUnprocessable:
		row.State = outcome.State
	case model.MessageStateReady:
		row.RetryCount++
		h := outcome.HoldUntil
		row.HoldUntil = &h
	default:
		return true, fmt.Errorf("invalid dispatch outcome state %q for message %d", outcome.State, msg.Sequence)
	}
	return true, nil
}

func (r *MemoryRepository) PromoteToReady(_ context.Context, sequence int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[sequence]
	if !ok || m.State != model.MessageStateNew || m.IsHeld(now) {
		return false, nil
	}
	m.State = model.MessageStateReady
	return true, nil
}

func (r *MemoryRepository) BulkUpdateState(_ context.Context, state model.MessageState, sequences ...int64) (int64, error) {
	from := state.Predecessors()
	if len(from) == 0 {
		return 0, fmt.Errorf("no transition leads to state %s", state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, seq := range sequences {
		m, ok := r.rows[seq]
		if !ok || !m.State.CanTransitionTo(state) {
			continue
		}
		m.State = state
		n++
	}
	return n, nil
}

func (r *MemoryRepository) FindProblemMessages(_ context.Context, receivedBefore time.Time) ([]model.CaseEventMessage, error) {
	return r.selectWhere(func(m *model.CaseEventMessage) bool {
		return m.State == model.MessageStateNew && m.Received.Before(receivedBefore)
	}), nil
}

func (r *MemoryRepository) BulkUpdateRetryMetadata(_ context.Context, holdUntil time.Time, sequences ...int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := []int64{}
	for _, seq := range sequences {
		m, ok := r.rows[seq]
		if !ok || m.State != model.MessageStateNew {
			continue
		}
		m.RetryCount++
		h := holdUntil
		m.HoldUntil = &h
		updated = append(updated, seq)
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i] < updated[j] })
	return updated, nil
}

func (r *MemoryRepository) DeleteWhere(ctx context.Context, filter CleanUpFilter, archive ArchiveFunc) (int64, error) {
	if len(filter.States) == 0 || filter.Limit <= 0 {
		return 0, nil
	}
	allowed := make(map[model.MessageState]bool, len(filter.States))
	for _, s := range filter.States {
		allowed[s] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var victims []model.CaseEventMessage
	for _, m := range r.sortedLocked() {
		if len(victims) == filter.Limit {
			break
		}
		if allowed[m.State] && m.Received.Before(filter.ReceivedBefore) && !r.locked[m.Sequence] {
			victims = append(victims, copyMessage(m))
		}
	}
	if archive != nil && len(victims) > 0 {
		if err := archive(ctx, victims); err != nil {
			return 0, fmt.Errorf("archiving %d deleted messages: %w", len(victims), err)
		}
	}
	for _, v := range victims {
		delete(r.rows, v.Sequence)
	}
	return int64(len(victims)), nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

var _ CaseEventMessageRepository = (*MemoryRepository)(nil)
