package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrForcedShutdown is returned by Stop when workers outlived the grace period and were cancelled.
var ErrForcedShutdown = errors.New("consumer workers did not stop within the grace period")

const retryPause = time.Second

// workerFunc runs until pullCtx is done. pullCtx governs waiting for new work; workCtx
// governs settling work already received and is only cancelled when the grace period expires.
type workerFunc func(pullCtx, workCtx context.Context, log zerolog.Logger)

// pool runs a fixed number of identical workers with a two-phase shutdown.
type pool struct {
	name    string
	workers int
	grace   time.Duration
	logger  zerolog.Logger
	run     workerFunc

	mu         sync.Mutex
	started    bool
	cancelPull context.CancelFunc
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

func newPool(name string, workers int, grace time.Duration, logger zerolog.Logger, run workerFunc) *pool {
	if workers < 1 {
		workers = 1
	}
	return &pool{
		name:    name,
		workers: workers,
		grace:   grace,
		logger:  logger.With().Str("component", name).Logger(),
		run:     run,
	}
}

func (p *pool) start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	pullCtx, cancelPull := context.WithCancel(ctx)
	p.cancelPull = cancelPull
	p.cancelWork = cancelWork

	for i := 0; i < p.workers; i++ {
		log := p.logger.With().Str("worker", fmt.Sprintf("%d-%s", i, uuid.NewString()[:8])).Logger()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			log.Info().Msg("Worker started")
			p.run(pullCtx, workCtx, log)
			log.Info().Msg("Worker stopped")
		}()
	}
	p.logger.Info().Int("workers", p.workers).Msg("Consumer started")
}

// stop stops pulling new work, waits up to the grace period (or ctx) for in-flight work,
// then cancels it.
func (p *pool) stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancelPull, cancelWork := p.cancelPull, p.cancelWork
	p.mu.Unlock()

	cancelPull()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
		cancelWork()
		p.logger.Info().Msg("Consumer stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn().Dur("grace_period", p.grace).Msg("Grace period exceeded, cancelling in-flight work")
	cancelWork()
	<-done
	return ErrForcedShutdown
}

// pause waits d or until ctx is done and reports whether the caller should continue.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
