package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"caseintake/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

const messageColumns = `sequence, message_id, case_id, event_timestamp, from_dlq, state,
	message_properties, message_content, received, delivery_count, hold_until, retry_count`

type postgresRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresRepository returns a CaseEventMessageRepository backed by PostgreSQL.
func NewPostgresRepository(pool *pgxpool.Pool, logger zerolog.Logger) CaseEventMessageRepository {
	return &postgresRepository{
		pool:   pool,
		logger: logger.With().Str("repository", "CaseEventMessageRepository").Logger(),
	}
}

// EnsureSchema creates the case_event_messages table and its indexes if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying case_event_messages schema: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*model.CaseEventMessage, error) {
	var m model.CaseEventMessage
	var state string
	var props []byte
	if err := row.Scan(
		&m.Sequence,
		&m.MessageID,
		&m.CaseID,
		&m.EventTimestamp,
		&m.FromDlq,
		&state,
		&props,
		&m.MessageContent,
		&m.Received,
		&m.DeliveryCount,
		&m.HoldUntil,
		&m.RetryCount,
	); err != nil {
		return nil, err
	}
	m.State = model.MessageState(state)
	if len(props) > 0 {
		m.MessageProperties = props
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]model.CaseEventMessage, error) {
	defer rows.Close()
	messages := []model.CaseEventMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case event message row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return messages, nil
}

func stateStrings(states []model.MessageState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func (r *postgresRepository) Insert(ctx context.Context, msg *model.CaseEventMessage) error {
	if msg.State == "" {
		msg.State = model.MessageStateNew
	}
	var received *time.Time
	if !msg.Received.IsZero() {
		received = &msg.Received
	}
	var props []byte
	if len(msg.MessageProperties) > 0 {
		props = msg.MessageProperties
	}
	const q = `
		INSERT INTO case_event_messages (
			message_id, case_id, event_timestamp, from_dlq, state, message_properties,
			message_content, received, delivery_count, hold_until, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()), $9, $10, $11)
		RETURNING sequence, received
	`
	err := r.pool.QueryRow(ctx, q,
		msg.MessageID,
		msg.CaseID,
		msg.EventTimestamp,
		msg.FromDlq,
		string(msg.State),
		props,
		msg.MessageContent,
		received,
		msg.DeliveryCount,
		msg.HoldUntil,
		msg.RetryCount,
	).Scan(&msg.Sequence, &msg.Received)
	if err != nil {
		return fmt.Errorf("inserting case event message %s for case %s: %w", msg.MessageID, msg.CaseID, err)
	}
	return nil
}

func (r *postgresRepository) GetBySequence(ctx context.Context, sequence int64) (*model.CaseEventMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM case_event_messages WHERE sequence = $1`
	m, err := scanMessage(r.pool.QueryRow(ctx, q, sequence))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch case event message %d: %w", sequence, err)
	}
	return m, nil
}

func (r *postgresRepository) GetMessagesByMessageID(ctx context.Context, messageID string) ([]model.CaseEventMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM case_event_messages WHERE message_id = $1 ORDER BY sequence`
	rows, err := r.pool.Query(ctx, q, messageID)
	if err != nil {
		return nil, fmt.Errorf("query case event messages by message id %s: %w", messageID, err)
	}
	return collectMessages(rows)
}

func (r *postgresRepository) GetAllMessagesInNewState(ctx context.Context) ([]model.CaseEventMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM case_event_messages WHERE state = 'NEW' ORDER BY sequence`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query messages in NEW state: %w", err)
	}
	return collectMessages(rows)
}

// selectNextReady picks the lowest-sequence dispatchable READY row. A DLQ-origin row stays
// invisible while a newer non-DLQ READY row exists for the same case.
const selectNextReady = `
	SELECT ` + messageColumns + `
	FROM case_event_messages msg
	WHERE msg.state = 'READY'
	  AND (msg.hold_until IS NULL OR msg.hold_until <= $1)
	  AND NOT (msg.from_dlq AND EXISTS (
	      SELECT 1
	      FROM case_event_messages newer
	      WHERE newer.case_id = msg.case_id
	        AND newer.sequence > msg.sequence
	        AND newer.from_dlq = FALSE
	        AND newer.state = 'READY'))
	ORDER BY msg.sequence
	LIMIT 1
	FOR UPDATE OF msg SKIP LOCKED
`

func (r *postgresRepository) ProcessNextReady(ctx context.Context, now time.Time, fn func(ctx context.Context, msg *model.CaseEventMessage) Outcome) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("starting transaction for next ready message: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	msg, err := scanMessage(tx.QueryRow(ctx, selectNextReady, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("locking next ready message: %w", err)
	}
	r.logger.Debug().Int64("sequence", msg.Sequence).Str("case_id", msg.CaseID).Msg("Locked ready message")

	outcome := fn(ctx, msg)

	switch outcome.State {
	case model.MessageStateProcessed, model.MessageStateUnprocessable:
		const q = `UPDATE case_event_messages SET state = $1 WHERE sequence = $2 AND state = 'READY'`
		if _, err := tx.Exec(ctx, q, string(outcome.State), msg.Sequence); err != nil {
			return true, fmt.Errorf("updating message %d to %s: %w", msg.Sequence, outcome.State, err)
		}
	case model.MessageStateReady:
		const q = `
			UPDATE case_event_messages
			SET retry_count = retry_count + 1, hold_until = $1
			WHERE sequence = $2 AND state = 'READY'
		`
		if _, err := tx.Exec(ctx, q, outcome.HoldUntil, msg.Sequence); err != nil {
			return true, fmt.Errorf("updating retry details for message %d: %w", msg.Sequence, err)
		}
	default:
		return true, fmt.Errorf("invalid dispatch outcome state %q for message %d", outcome.State, msg.Sequence)
	}

	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("committing outcome for message %d: %w", msg.Sequence, err)
	}
	return true, nil
}

func (r *postgresRepository) PromoteToReady(ctx context.Context, sequence int64, now time.Time) (bool, error) {
	const q = `
		UPDATE case_event_messages
		SET state = 'READY'
		WHERE sequence = $1
		  AND state = 'NEW'
		  AND (hold_until IS NULL OR hold_until <= $2)
	`
	tag, err := r.pool.Exec(ctx, q, sequence, now)
	if err != nil {
		return false, fmt.Errorf("promoting message %d to READY: %w", sequence, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *postgresRepository) BulkUpdateState(ctx context.Context, state model.MessageState, sequences ...int64) (int64, error) {
	if len(sequences) == 0 {
		return 0, nil
	}
	from := state.Predecessors()
	if len(from) == 0 {
		return 0, fmt.Errorf("no transition leads to state %s", state)
	}
	const q = `
		UPDATE case_event_messages
		SET state = $1
		WHERE sequence = ANY($2)
		  AND state = ANY($3)
	`
	tag, err := r.pool.Exec(ctx, q, string(state), sequences, stateStrings(from))
	if err != nil {
		return 0, fmt.Errorf("bulk update to %s: %w", state, err)
	}
	return tag.RowsAffected(), nil
}

func (r *postgresRepository) FindProblemMessages(ctx context.Context, receivedBefore time.Time) ([]model.CaseEventMessage, error) {
	q := `SELECT ` + messageColumns + `
		FROM case_event_messages
		WHERE state = 'NEW' AND received < $1
		ORDER BY sequence`
	rows, err := r.pool.Query(ctx, q, receivedBefore)
	if err != nil {
		return nil, fmt.Errorf("query problem messages: %w", err)
	}
	return collectMessages(rows)
}

func (r *postgresRepository) BulkUpdateRetryMetadata(ctx context.Context, holdUntil time.Time, sequences ...int64) ([]int64, error) {
	updated := []int64{}
	if len(sequences) == 0 {
		return updated, nil
	}
	const q = `
		UPDATE case_event_messages
		SET retry_count = retry_count + 1, hold_until = $1
		WHERE sequence = ANY($2)
		  AND state = 'NEW'
		RETURNING sequence
	`
	rows, err := r.pool.Query(ctx, q, holdUntil, sequences)
	if err != nil {
		return nil, fmt.Errorf("bulk update retry metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan updated sequence: %w", err)
		}
		updated = append(updated, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i] < updated[j] })
	return updated, nil
}

func (r *postgresRepository) DeleteWhere(ctx context.Context, filter CleanUpFilter, archive ArchiveFunc) (int64, error) {
	if len(filter.States) == 0 || filter.Limit <= 0 {
		return 0, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting clean-up transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	q := `
		DELETE FROM case_event_messages
		WHERE sequence IN (
			SELECT sequence
			FROM case_event_messages
			WHERE state = ANY($1)
			  AND received < $2
			ORDER BY sequence
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + messageColumns
	rows, err := tx.Query(ctx, q, stateStrings(filter.States), filter.ReceivedBefore, filter.Limit)
	if err != nil {
		return 0, fmt.Errorf("deleting case event messages: %w", err)
	}
	deleted, err := collectMessages(rows)
	if err != nil {
		return 0, err
	}
	if archive != nil && len(deleted) > 0 {
		sort.Slice(deleted, func(i, j int) bool { return deleted[i].Sequence < deleted[j].Sequence })
		if err := archive(ctx, deleted); err != nil {
			return 0, fmt.Errorf("archiving %d deleted messages: %w", len(deleted), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing clean-up: %w", err)
	}
	return int64(len(deleted)), nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}
