// Package scheduler runs a job at a fixed target interval until shutdown.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of scheduled work
type Job func(ctx context.Context) error

// Run calls job immediately and then once per interval, measured from the start of
// each run. A run that overruns the interval is followed by the next one at once; runs
// never overlap. Errors and panics are logged and do not stop the loop. Run returns
// only when ctx is cancelled, and never interrupts a run in progress.
func Run(ctx context.Context, interval time.Duration, job Job, logger zerolog.Logger) {
	logger = logger.With().Str("component", "scheduler").Logger()
	logger.Info().Dur("interval", interval).Msg("Scheduler started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Scheduler stopped")
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := safeRun(ctx, job); err != nil {
			logger.Error().Err(err).Msg("Scheduled run failed")
		}
		elapsed := time.Since(start)

		delay := nextDelay(interval, elapsed)
		logger.Debug().Dur("elapsed", elapsed).Dur("next_in", delay).Msg("Scheduled run finished")
		timer.Reset(delay)
	}
}

// nextDelay is how long to wait after a run that took elapsed
func nextDelay(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// safeRun turns a panicking job into an error
func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job(ctx)
}
