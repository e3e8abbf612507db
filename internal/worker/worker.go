// Package worker runs the periodic background jobs: retrying deferred
// compensations and purging expired idempotency records.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// loop runs tick every interval until its context is canceled or Shutdown is called.
type loop struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		l.logger.Info().Str("worker", l.name).Dur("interval", l.interval).Msg("Worker started")
		for {
			select {
			case <-ctx.Done():
				l.logger.Info().Str("worker", l.name).Msg("Worker stopped")
				return
			case <-ticker.C:
				l.tick(ctx)
			}
		}
	}()
}

// Shutdown stops the loop and waits for an in-flight tick to finish.
func (l *loop) Shutdown() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

type CompensationRetrier interface {
	RetryPending(ctx context.Context, limit int) (int, error)
}

type CompensationWorker struct {
	loop
	retrier CompensationRetrier
	batch   int
}

func NewCompensationWorker(retrier CompensationRetrier, interval time.Duration, batch int, logger zerolog.Logger) *CompensationWorker {
	w := &CompensationWorker{retrier: retrier, batch: batch}
	w.loop = loop{name: "compensation", interval: interval, tick: w.RunOnce, logger: logger}
	return w
}

func (w *CompensationWorker) RunOnce(ctx context.Context) {
	applied, err := w.retrier.RetryPending(ctx, w.batch)
	if err != nil {
		w.logger.Error().Err(err).Msg("Compensation retry pass failed")
		return
	}
	if applied > 0 {
		w.logger.Info().Int("applied", applied).Msg("Deferred compensations applied")
	}
}

type IdempotencyPurger interface {
	Purge(ctx context.Context) (int64, error)
}

type IdempotencyJanitor struct {
	loop
	purger IdempotencyPurger
}

func NewIdempotencyJanitor(purger IdempotencyPurger, interval time.Duration, logger zerolog.Logger) *IdempotencyJanitor {
	j := &IdempotencyJanitor{purger: purger}
	j.loop = loop{name: "idempotency-janitor", interval: interval, tick: j.RunOnce, logger: logger}
	return j
}

func (j *IdempotencyJanitor) RunOnce(ctx context.Context) {
	n, err := j.purger.Purge(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Idempotency purge failed")
		return
	}
	if n > 0 {
		j.logger.Info().Int64("purged", n).Msg("Expired idempotency records purged")
	}
}
