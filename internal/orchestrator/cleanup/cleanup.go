// Package cleanup deletes old rows in configured states, a bounded batch per run.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"caseintake/internal/metrics"
	"caseintake/internal/model"
	"caseintake/internal/repository"

	"github.com/rs/zerolog"
)

// Options configures the clean-up job.
type Options struct {
	// States lists the states eligible for deletion. Empty makes every run a no-op.
	States []model.MessageState
	// RetentionDays is how many days a row is kept after it was received.
	RetentionDays int
	// DeleteLimit caps rows deleted per run.
	DeleteLimit int
	// Archive, when set, receives the rows before their delete commits.
	Archive repository.ArchiveFunc
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
		logger:  logger.With().Str("job", "clean-up").Logger(),
		metrics: m,
	}
}

func (j *Job) WithClock(now func() time.Time) *Job {
	j.now = now
	return j
}

func (j *Job) Tick(ctx context.Context) error {
	_, err := j.Run(ctx)
	return err
}

// Run deletes at most DeleteLimit rows and returns how many were deleted.
func (j *Job) Run(ctx context.Context) (int64, error) {
	if len(j.opts.States) == 0 {
		j.logger.Info().Msg("No states configured for clean-up, skipping")
		return 0, nil
	}
	filter := repository.CleanUpFilter{
		States:         j.opts.States,
		ReceivedBefore: j.now().AddDate(0, 0, -j.opts.RetentionDays),
		Limit:          j.opts.DeleteLimit,
	}
	n, err := j.repo.DeleteWhere(ctx, filter, j.opts.Archive)
	if err != nil {
		return 0, fmt.Errorf("cleaning up messages received before %s: %w", filter.ReceivedBefore.Format(time.RFC3339), err)
	}
	j.metrics.RecordCleaned(ctx, n)
	j.logger.Info().
		Int64("deleted", n).
		Interface("states", filter.States).
		Time("received_before", filter.ReceivedBefore).
		Int("limit", filter.Limit).
		Msg("Clean-up run finished")
	return n, nil
}
