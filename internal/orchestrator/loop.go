// Package orchestrator schedules the periodic jobs that move rows through the durable queue.
// Each job package (dispatch, readiness, problem, cleanup) exposes a Tick; Loop runs it.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrForcedShutdown is returned by Stop when the in-flight tick outlived the grace period.
var ErrForcedShutdown = errors.New("job tick did not finish within the grace period")

// Job is one unit of periodic work.
type Job interface {
	Tick(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Tick(ctx context.Context) error { return f(ctx) }

// Loop runs a Job on a fixed interval from a single goroutine, so ticks never overlap.
// A tick that overruns delays the next one.
type Loop struct {
	name     string
	interval time.Duration
	grace    time.Duration
	job      Job
	logger   zerolog.Logger

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	done       chan struct{}
	cancelTick context.CancelFunc
}

// DefaultInterval replaces a non-positive interval passed to NewLoop.
const DefaultInterval = time.Second

func NewLoop(name string, interval, grace time.Duration, job Job, logger zerolog.Logger) *Loop {
	logger = logger.With().Str("job", name).Logger()
	if interval <= 0 {
		logger.Warn().Dur("interval", interval).Dur("default", DefaultInterval).Msg("Non-positive job interval, using default")
		interval = DefaultInterval
	}
	return &Loop{
		name:     name,
		interval: interval,
		grace:    grace,
		job:      job,
		logger:   logger,
	}
}

// Start begins ticking. Ticks run with a context derived from ctx that is only cancelled
// by ctx itself or by Stop once the grace period runs out.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	tickCtx, cancel := context.WithCancel(ctx)
	l.cancelTick = cancel

	go l.run(tickCtx, l.stop, l.done)
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.interval).Msg("Job started")
	for {
		select {
		case <-stop:
			l.logger.Info().Msg("Job stopped")
			return
		case <-ctx.Done():
			l.logger.Info().Msg("Job stopped")
			return
		case <-ticker.C:
		}

		// A stop that raced with the tick wins.
		select {
		case <-stop:
			l.logger.Info().Msg("Job stopped")
			return
		default:
		}

		start := time.Now()
		if err := l.job.Tick(ctx); err != nil {
			l.logger.Error().Err(err).Str("duration", time.Since(start).String()).Msg("Job tick failed")
		}
	}
}

// Stop prevents further ticks and waits for the in-flight tick up to the grace period
// (or until ctx is done), then cancels it.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stop)
	done, cancel := l.done, l.cancelTick
	l.mu.Unlock()
	defer cancel()

	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	l.logger.Warn().Dur("grace_period", l.grace).Msg("Grace period exceeded, cancelling in-flight tick")
	cancel()
	<-done
	return ErrForcedShutdown
}
