// Package worker runs settlement tasks claimed from the outbox table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository"
	"tutor-wallet-backend/internal/service"
)

const maxBackoff = 30 * time.Minute

type Options struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	Backoff      time.Duration
}

// Pool claims due settlement tasks under a lease and processes them
// concurrently. Delivery is at least once: a task whose lease expires is
// claimed again, and settlement is safe to repeat.
type Pool struct {
	id         string
	tasks      repository.TaskRepository
	settlement service.SettlementService
	opts       Options
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewPool(tasks repository.TaskRepository, settlement service.SettlementService, opts Options, m *metrics.Metrics) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Workers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	return &Pool{
		id:         workerID(),
		tasks:      tasks,
		settlement: settlement,
		opts:       opts,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (p *Pool) ID() string { return p.id }

// Run polls for tasks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	logger.Info("Settlement worker pool started", "worker", p.id, "workers", p.opts.Workers, "batch", p.opts.BatchSize)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		n, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("Settlement batch failed", "worker", p.id, "error", err)
		}
		// A full batch means more work is probably waiting.
		if n == p.opts.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			logger.Info("Settlement worker pool stopped", "worker", p.id)
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and processes it. It returns the number of tasks
// claimed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	tasks, err := p.tasks.Claim(ctx, p.id, p.opts.BatchSize, p.opts.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim settlement tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	logger.Debug("Claimed settlement tasks", "worker", p.id, "count", len(tasks))

	// One task's bookkeeping failure must not cancel the others mid-settlement.
	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			err := p.handle(ctx, task)
			if err != nil {
				logger.Error("Settlement bookkeeping failed", "worker", p.id, "taskID", task.ID, "error", err)
			}
			return err
		})
	}
	return len(tasks), g.Wait()
}

// handle runs one task and records its outcome. Only bookkeeping failures are
// returned; a failed settlement is a normal outcome handled by retry.
func (p *Pool) handle(ctx context.Context, task domain.SettlementTask) error {
	err := p.settlement.ProcessTask(ctx, task)
	if err == nil {
		if err := p.tasks.Complete(ctx, task.ID); err != nil {
			return fmt.Errorf("failed to complete task %d: %w", task.ID, err)
		}
		p.metrics.TaskProcessed("done")
		return nil
	}

	if !task.Exhausted() && !permanent(err) {
		delay := backoff(p.opts.Backoff, task.Attempts)
		logger.Warn("Settlement attempt failed, will retry",
			"taskID", task.ID, "payoutID", task.PayoutID, "attempt", task.Attempts, "retryIn", delay.String(), "error", err)
		if err := p.tasks.Retry(ctx, task.ID, err.Error(), p.now().Add(delay)); err != nil {
			return fmt.Errorf("failed to reschedule task %d: %w", task.ID, err)
		}
		p.metrics.TaskProcessed("retried")
		return nil
	}

	logger.Error("Settlement task dead-lettered",
		"taskID", task.ID, "payoutID", task.PayoutID, "attempts", task.Attempts, "error", err)
	if err := p.tasks.DeadLetter(ctx, task.ID, err.Error()); err != nil {
		return fmt.Errorf("failed to dead-letter task %d: %w", task.ID, err)
	}
	p.metrics.TaskProcessed("dead")

	if _, aerr := p.settlement.Abandon(ctx, task.PayoutID, err.Error()); aerr != nil {
		return fmt.Errorf("failed to abandon payout %d: %w", task.PayoutID, aerr)
	}
	return nil
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	var notFound *domain.NotFoundError
	var conflict *domain.ConflictError
	return errors.As(err, &notFound) || errors.As(err, &conflict)
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
