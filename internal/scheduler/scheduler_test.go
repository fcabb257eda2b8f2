package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor-wallet-backend/internal/config"
	"tutor-wallet-backend/internal/jobs"
	"tutor-wallet-backend/internal/scheduler"
)

func TestNewScheduler(t *testing.T) {
	t.Run("RegistersJobs", func(t *testing.T) {
		cfg := &config.Config{Scheduler: config.SchedulerConfig{
			PollInFlightPayouts:  "0 */5 * * * *",
			ReleaseExpiredLeases: "30 * * * * *",
			ReportDeadLetters:    "0 0 8 * * *",
		}}
		s, err := scheduler.NewScheduler(jobs.NewJobRunner(nil, &jobs.Services{}, cfg, nil))
		require.NoError(t, err)
		assert.Equal(t, 3, s.Entries())
	})

	t.Run("RejectsBadSchedule", func(t *testing.T) {
		cfg := &config.Config{Scheduler: config.SchedulerConfig{
			PollInFlightPayouts:  "every five minutes",
			ReleaseExpiredLeases: "30 * * * * *",
			ReportDeadLetters:    "0 0 8 * * *",
		}}
		_, err := scheduler.NewScheduler(jobs.NewJobRunner(nil, &jobs.Services{}, cfg, nil))
		require.Error(t, err)
	})
}
