package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/repository"
)

type taskRepository struct {
	db DBTX
}

func NewTaskRepository(db DBTX) repository.TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `id, payout_id, status, attempts, max_attempts, available_at, locked_by, locked_until, last_error, created_at, updated_at`

func (r *taskRepository) Enqueue(ctx context.Context, t *domain.SettlementTask) error {
	logger.EnterMethod("taskRepository.Enqueue", "payoutID", t.PayoutID)

	query := `
		INSERT INTO settlement_tasks (payout_id, status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	now := time.Now().UTC()
	if t.AvailableAt.IsZero() {
		t.AvailableAt = now
	}
	t.Status = domain.TaskStatusQueued
	err := r.db.QueryRowContext(ctx, query, t.PayoutID, t.Status, t.MaxAttempts, t.AvailableAt, now, now).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("taskRepository.Enqueue", err, "payoutID", t.PayoutID)
		return err
	}

	logger.ExitMethod("taskRepository.Enqueue", "taskID", t.ID)
	return nil
}

func (r *taskRepository) GetByPayoutForUpdate(ctx context.Context, payoutID int64) (*domain.SettlementTask, error) {
	logger.EnterMethod("taskRepository.GetByPayoutForUpdate", "payoutID", payoutID)

	query := `SELECT ` + taskColumns + ` FROM settlement_tasks WHERE payout_id = $1 FOR UPDATE`
	t, err := scanTask(r.db.QueryRowContext(ctx, query, payoutID))
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("taskRepository.GetByPayoutForUpdate", err, "payoutID", payoutID)
		return nil, err
	}

	logger.ExitMethod("taskRepository.GetByPayoutForUpdate", "taskID", t.ID, "status", t.Status)
	return t, nil
}

func (r *taskRepository) Claim(ctx context.Context, workerID string, limit int, lease time.Duration) ([]domain.SettlementTask, error) {
	logger.EnterMethod("taskRepository.Claim", "worker", workerID, "limit", limit)

	// Queued tasks that are due, plus running tasks whose lease has expired
	// (their worker died). SKIP LOCKED lets concurrent workers claim disjoint sets.
	query := `
		UPDATE settlement_tasks SET
			status = 'running',
			attempts = attempts + 1,
			locked_by = $1,
			locked_until = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM settlement_tasks
			WHERE (status = 'queued' AND available_at <= NOW())
			   OR (status = 'running' AND locked_until < NOW())
			ORDER BY available_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	rows, err := r.db.QueryContext(ctx, query, workerID, lease.Seconds(), limit)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("taskRepository.Claim", err)
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.SettlementTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logger.ExitMethod("taskRepository.Claim", "claimed", len(tasks))
	return tasks, nil
}

func (r *taskRepository) Complete(ctx context.Context, id int64) error {
	query := `UPDATE settlement_tasks SET status = 'done', locked_by = NULL, locked_until = NULL, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "taskRepository.Complete", query, id)
}

func (r *taskRepository) Retry(ctx context.Context, id int64, lastErr string, availableAt time.Time) error {
	query := `UPDATE settlement_tasks SET status = 'queued', last_error = $1, available_at = $2,
		locked_by = NULL, locked_until = NULL, updated_at = NOW() WHERE id = $3`
	return r.exec(ctx, "taskRepository.Retry", query, lastErr, availableAt, id)
}

func (r *taskRepository) DeadLetter(ctx context.Context, id int64, lastErr string) error {
	query := `UPDATE settlement_tasks SET status = 'dead', last_error = $1,
		locked_by = NULL, locked_until = NULL, updated_at = NOW() WHERE id = $2`
	return r.exec(ctx, "taskRepository.DeadLetter", query, lastErr, id)
}

func (r *taskRepository) exec(ctx context.Context, method, query string, args ...any) error {
	logger.EnterMethod(method, "args", fmt.Sprint(args...))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError(method, err)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		logger.ExitMethodWithError(method, repository.ErrNotFound)
		return repository.ErrNotFound
	}

	logger.ExitMethod(method)
	return nil
}

func (r *taskRepository) ReleaseExpired(ctx context.Context) (int64, error) {
	logger.EnterMethod("taskRepository.ReleaseExpired")

	query := `UPDATE settlement_tasks SET status = 'queued', locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE status = 'running' AND locked_until < NOW()`
	logger.DatabaseCall("ReleaseExpired", query)
	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		logger.DatabaseResult("ReleaseExpired", 0, err)
		return 0, err
	}
	n, _ := result.RowsAffected()
	logger.DatabaseResult("ReleaseExpired", n, nil)

	logger.ExitMethod("taskRepository.ReleaseExpired", "released", n)
	return n, nil
}

func (r *taskRepository) ListDead(ctx context.Context, limit int) ([]domain.SettlementTask, error) {
	logger.EnterMethod("taskRepository.ListDead", "limit", limit)

	query := `SELECT ` + taskColumns + ` FROM settlement_tasks WHERE status = 'dead' ORDER BY updated_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		logger.ExitMethodWithError("taskRepository.ListDead", err)
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.SettlementTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logger.ExitMethod("taskRepository.ListDead", "count", len(tasks))
	return tasks, nil
}

func scanTask(row rowScanner) (*domain.SettlementTask, error) {
	var (
		t           domain.SettlementTask
		status      string
		lockedBy    sql.NullString
		lockedUntil sql.NullTime
		lastErr     sql.NullString
	)
	err := row.Scan(&t.ID, &t.PayoutID, &status, &t.Attempts, &t.MaxAttempts, &t.AvailableAt,
		&lockedBy, &lockedUntil, &lastErr, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.LockedBy = stringPtr(lockedBy)
	t.LockedUntil = timePtr(lockedUntil)
	t.LastError = stringPtr(lastErr)
	return &t, nil
}
