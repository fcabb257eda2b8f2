package domain

import "time"

type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusDead    TaskStatus = "dead"
)

// SettlementTask is the outbox record committed with a payout reservation.
// Workers claim it under a lease; an expired lease makes it claimable again.
type SettlementTask struct {
	ID          int64      `json:"id"`
	PayoutID    int64      `json:"payout_id"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	AvailableAt time.Time  `json:"available_at"`
	LockedBy    *string    `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Exhausted reports whether the current attempt was the last one allowed.
func (t *SettlementTask) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}
