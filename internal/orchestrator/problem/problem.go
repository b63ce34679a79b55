// Package problem finds rows stuck in NEW and gives them fresh retry metadata.
package problem

import (
	"context"
	"fmt"
	"time"

	"caseintake/internal/metrics"
	"caseintake/internal/model"
	"caseintake/internal/repository"

	"github.com/rs/zerolog"
)

// Options configures the problem-message job.
type Options struct {
	// Threshold is how long a row may stay in NEW before it counts as a problem.
	Threshold time.Duration
	// ResetHold is added to now to form the reset rows' hold-until.
	ResetHold time.Duration
	// ResetOnTick makes the scheduled Tick reset problem messages instead of only reporting them.
	ResetOnTick bool
}

type Job struct {
	repo    repository.CaseEventMessageRepository
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewJob(repo repository.CaseEventMessageRepository, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Job {
	return &Job{
		repo:    repo,
		opts:    opts,
		now:     time.Now,
		logger:  logger.With().Str("job", "problem-messages").Logger(),
		metrics: m,
	}
}

func (j *Job) WithClock(now func() time.Time) *Job {
	j.now = now
	return j
}

func (j *Job) Tick(ctx context.Context) error {
	if j.opts.ResetOnTick {
		_, err := j.ResetProblemMessages(ctx)
		return err
	}
	_, err := j.FindProblemMessages(ctx)
	return err
}

// FindProblemMessages returns the message IDs of rows in NEW older than the threshold,
// in ascending sequence order.
func (j *Job) FindProblemMessages(ctx context.Context) ([]string, error) {
	rows, err := j.find(ctx)
	if err != nil {
		return nil, err
	}
	ids := messageIDs(rows)
	if len(ids) > 0 {
		j.logger.Warn().Strs("message_ids", ids).Dur("threshold", j.opts.Threshold).Msg("Found messages stuck in NEW")
	} else {
		j.logger.Info().Msg("No problem messages found")
	}
	return ids, nil
}

// ResetProblemMessages applies NEW->NEW to every problem row: retry count incremented,
// hold-until moved to now plus the reset hold. It returns the affected message IDs in
// ascending sequence order.
func (j *Job) ResetProblemMessages(ctx context.Context) ([]string, error) {
	rows, err := j.find(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		j.logger.Info().Msg("No problem messages to reset")
		return []string{}, nil
	}

	seqs := make([]int64, len(rows))
	bySeq := make(map[int64]string, len(rows))
	for i, r := range rows {
		seqs[i] = r.Sequence
		bySeq[r.Sequence] = r.MessageID
	}

	updated, err := j.repo.BulkUpdateRetryMetadata(ctx, j.now().Add(j.opts.ResetHold), seqs...)
	if err != nil {
		return nil, fmt.Errorf("resetting %d problem messages: %w", len(seqs), err)
	}
	ids := make([]string, 0, len(updated))
	for _, seq := range updated {
		ids = append(ids, bySeq[seq])
	}
	j.metrics.RecordReset(ctx, len(ids))
	j.logger.Info().Strs("message_ids", ids).Msg("Reset problem messages")
	return ids, nil
}

func (j *Job) find(ctx context.Context) ([]model.CaseEventMessage, error) {
	rows, err := j.repo.FindProblemMessages(ctx, j.now().Add(-j.opts.Threshold))
	if err != nil {
		return nil, fmt.Errorf("finding problem messages: %w", err)
	}
	return rows, nil
}

func messageIDs(rows []model.CaseEventMessage) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.MessageID
	}
	return ids
}
