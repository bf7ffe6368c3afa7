// Package scheduler runs the background reconcilers: queue sweeping,
// settlement sweeping, commission period closing and the metrics rollup.
// Interval tasks get jitter so restarts do not align their cycles; the
// commission batcher rides cron expressions. On cancellation every task
// finishes its in-flight unit of work and exits.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one unit of periodic work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type intervalTask struct {
	task  Task
	every time.Duration
}

// Scheduler owns the reconciler goroutines.
type Scheduler struct {
	logger *slog.Logger

	intervals []intervalTask
	cron      *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		cron:   cron.New(),
	}
}

// Every registers an interval task.
func (s *Scheduler) Every(every time.Duration, task Task) {
	s.intervals = append(s.intervals, intervalTask{task: task, every: every})
}

// Cron registers a task on a cron expression.
func (s *Scheduler) Cron(spec string, task Task) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := task.Run(ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", task.Name(), "error", err)
		}
	})
	return err
}

// Start launches every registered task.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, it := range s.intervals {
		s.wg.Add(1)
		go s.loop(ctx, it)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "interval_tasks", len(s.intervals))
}

// Stop cancels the tasks and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, it intervalTask) {
	defer s.wg.Done()

	// Spread task start times by up to a tenth of the interval.
	jitter := time.Duration(rand.Int63n(int64(it.every)/10 + 1))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(it.every)
	defer ticker.Stop()
	for {
		if err := it.task.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("reconciler cycle failed", "task", it.task.Name(), "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
