package jobs

import (
	"context"
	"fmt"
	"time"

	"tutor-wallet-backend/internal/config"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository"
	"tutor-wallet-backend/internal/service"
)

const jobTimeout = 10 * time.Minute

// JobRunner coordinates all scheduled and operator-run jobs
type JobRunner struct {
	tasks    repository.TaskRepository
	services *Services
	config   *config.Config
	metrics  *metrics.Metrics
}

// Services holds all service dependencies needed by jobs
type Services struct {
	Settlement     service.SettlementService
	Reconciliation service.ReconciliationService
}

// NewJobRunner creates a new job runner with all dependencies
func NewJobRunner(tasks repository.TaskRepository, services *Services, cfg *config.Config, m *metrics.Metrics) *JobRunner {
	return &JobRunner{
		tasks:    tasks,
		services: services,
		config:   cfg,
		metrics:  m,
	}
}

func (jr *JobRunner) Config() *config.Config { return jr.config }

// runWithRecovery wraps job execution with panic recovery and a deadline. A
// panic is reported as an error.
func (jr *JobRunner) runWithRecovery(jobName string, jobFunc func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "job", jobName, "panic", r)
			err = fmt.Errorf("job %s panicked: %v", jobName, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	started := time.Now()
	logger.Info("Starting job", "job", jobName)
	if err = jobFunc(ctx); err != nil {
		logger.Error("Job failed", "job", jobName, "duration", time.Since(started).String(), "error", err)
		return err
	}
	logger.Info("Job completed", "job", jobName, "duration", time.Since(started).String())
	return nil
}

// RunAllMaintenanceJobs runs every scheduled job once (for manual execution)
func (jr *JobRunner) RunAllMaintenanceJobs() error {
	var failed []string
	for name, job := range map[string]func() error{
		"release-expired-leases": jr.ReleaseExpiredLeases,
		"poll-inflight-payouts":  jr.PollInFlightPayouts,
		"report-dead-letters":    jr.ReportDeadLetters,
	} {
		if err := job(); err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("jobs failed: %v", failed)
	}
	return nil
}
