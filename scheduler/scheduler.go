// Package scheduler runs a job once or repeatedly from a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// Task is one job execution. The returned error is logged per run; the
// scheduler keeps ticking regardless.
type Task func(ctx context.Context) error

// ValidateSpec checks a 5-field cron expression by registering it against
// a throwaway scheduler.
func ValidateSpec(spec string) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	defer func() { _ = s.Shutdown() }()

	if _, err := s.NewJob(gocron.CronJob(spec, false), gocron.NewTask(func() {})); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Run executes the task once immediately. When spec is empty that is all;
// otherwise the task is re-run on every cron tick until ctx is cancelled,
// and the error returned is the one from the initial run. Ticks that fire
// while a previous run is still active are skipped.
func Run(ctx context.Context, logger logrus.FieldLogger, spec string, task Task) error {
	var mu sync.Mutex

	runOnce := func() error {
		if !mu.TryLock() {
			logger.Warn("previous run still active, skipping tick")
			return nil
		}
		defer mu.Unlock()
		return task(ctx)
	}

	firstErr := runOnce()
	if spec == "" {
		return firstErr
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("could not create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.CronJob(spec, false),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			if err := runOnce(); err != nil {
				logger.WithError(err).Error("scheduled run failed")
			}
		}),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	logger.WithField("schedule", spec).Info("waiting for cron ticks")
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		logger.WithError(err).Warn("scheduler shutdown failed")
	}
	return firstErr
}
