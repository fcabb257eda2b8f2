package jobs

import (
	"context"
	"time"

	"tutor-wallet-backend/internal/logger"
)

// inFlightMinAge keeps the poller off transfers the worker has just handed to
// the gateway.
const inFlightMinAge = time.Minute

const deadLetterReportLimit = 500

// PollInFlightPayouts asks the gateway about transfers it accepted but has not
// finished, and settles or refunds the ones that reached a final state.
func (jr *JobRunner) PollInFlightPayouts() error {
	return jr.runWithRecovery("PollInFlightPayouts", func(ctx context.Context) error {
		finished, err := jr.services.Settlement.PollInFlight(ctx, inFlightMinAge, jr.config.Settlement.InFlightPollLimit)
		logger.Info("In-flight payouts polled", "finished", finished)
		return err
	})
}

// ReleaseExpiredLeases puts tasks whose worker died back in the queue.
func (jr *JobRunner) ReleaseExpiredLeases() error {
	return jr.runWithRecovery("ReleaseExpiredLeases", func(ctx context.Context) error {
		n, err := jr.tasks.ReleaseExpired(ctx)
		if err != nil {
			return err
		}
		jr.metrics.LeasesReleased(n)
		if n > 0 {
			logger.Warn("Released expired settlement leases", "count", n)
		}
		return nil
	})
}

// ReportDeadLetters logs every dead-lettered settlement task. Their payouts
// were refunded or left to the poller when they died; these need a human look.
func (jr *JobRunner) ReportDeadLetters() error {
	return jr.runWithRecovery("ReportDeadLetters", func(ctx context.Context) error {
		dead, err := jr.tasks.ListDead(ctx, deadLetterReportLimit)
		if err != nil {
			return err
		}
		jr.metrics.SetDeadLetters(len(dead))
		for _, t := range dead {
			lastErr := ""
			if t.LastError != nil {
				lastErr = *t.LastError
			}
			logger.Warn("Dead-lettered settlement task", "taskID", t.ID, "payoutID", t.PayoutID,
				"attempts", t.Attempts, "lastError", lastErr, "since", t.UpdatedAt)
		}
		logger.Info("Dead letter report", "count", len(dead))
		return nil
	})
}
