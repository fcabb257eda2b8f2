package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"tutor-wallet-backend/internal/repository"
)

// Postgres SQLSTATE codes
const (
	uniqueViolation      = pq.ErrorCode("23505")
	checkViolation       = pq.ErrorCode("23514")
	serializationFailure = pq.ErrorCode("40001")
	deadlockDetected     = pq.ErrorCode("40P01")
)

const inFlightPayoutConstraint = "payout_requests_one_in_flight"

// mapError translates driver errors into repository sentinels so services can
// use errors.Is without importing the driver.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case uniqueViolation:
		if pqErr.Constraint == inFlightPayoutConstraint {
			return fmt.Errorf("%w: %s", repository.ErrInFlightPayout, pqErr.Message)
		}
		return fmt.Errorf("%w: %s", repository.ErrDuplicate, pqErr.Constraint)
	case serializationFailure, deadlockDetected:
		return fmt.Errorf("%w: %s", repository.ErrSerialization, pqErr.Message)
	case checkViolation:
		return fmt.Errorf("constraint %s violated: %w", pqErr.Constraint, err)
	}
	return err
}
