// Package scheduler wires the periodic maintenance of the batch manager
// onto a cron runner: capacity dispatch, status polls, delivery completion
// checks and the hourly sweepers.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Engine is the periodic surface of the batch workflow.
type Engine interface {
	PollTick(ctx context.Context) error
	DeliveryCompletionTick(ctx context.Context) error
	ExpireStaleBuilding(ctx context.Context) error
	DeleteExpired(ctx context.Context) error
}

// Dispatcher runs one capacity pass over every waiting model.
type Dispatcher interface {
	DispatchAll(ctx context.Context) error
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New builds the schedule. Ticks share the base context and are skipped
// while a previous run of the same job is still going.
func New(ctx context.Context, engine Engine, dispatcher Dispatcher, logger *zap.Logger) (*Scheduler, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	entries := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"*/30 * * * * *", "capacity_dispatch", dispatcher.DispatchAll},
		{"0 * * * * *", "poll_tick", engine.PollTick},
		{"*/30 * * * * *", "delivery_completion_tick", engine.DeliveryCompletionTick},
		{"0 0 * * * *", "expire_stale_building", engine.ExpireStaleBuilding},
		{"0 30 * * * *", "delete_expired", engine.DeleteExpired},
	}

	for _, e := range entries {
		e := e
		_, err := c.AddFunc(e.spec, func() {
			if err := e.run(ctx); err != nil {
				logger.Error("scheduled job failed",
					zap.String("job", e.name), zap.Error(err))
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
