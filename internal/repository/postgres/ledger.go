package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/repository"
)

type ledgerRepository struct {
	db DBTX
}

func NewLedgerRepository(db DBTX) repository.LedgerRepository {
	return &ledgerRepository{db: db}
}

const ledgerColumns = `id, owner_type, owner_id, direction, amount, currency, service_name, reference,
	balance_before, balance_after, status, kind, related_type, related_id, idempotency_key, metadata,
	created_at, updated_at`

func (r *ledgerRepository) Insert(ctx context.Context, e *domain.LedgerEntry) error {
	logger.EnterMethod("ledgerRepository.Insert", "owner", e.Owner.String(), "direction", e.Direction, "amount", e.Amount.String(), "reference", e.Reference)

	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var relatedType sql.NullString
	var relatedID sql.NullInt64
	if e.Related != nil {
		relatedType = sql.NullString{String: e.Related.Type, Valid: true}
		relatedID = sql.NullInt64{Int64: e.Related.ID, Valid: true}
	}
	if e.Kind == "" {
		e.Kind = domain.EntryKindTransaction
	}

	// A NULL idempotency key never conflicts, so plain entries always insert.
	query := `
		INSERT INTO ledger_entries (
			owner_type, owner_id, direction, amount, currency, service_name, reference,
			balance_before, balance_after, status, kind, related_type, related_id,
			idempotency_key, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	now := time.Now().UTC()
	err = r.db.QueryRowContext(ctx, query,
		e.Owner.Kind, e.Owner.ID, e.Direction, e.Amount, e.Currency, e.ServiceName, e.Reference,
		e.BalanceBefore, e.BalanceAfter, e.Status, e.Kind, relatedType, relatedID,
		nullString(e.IdempotencyKey), metadata, now, now,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		logger.ExitMethod("ledgerRepository.Insert", "duplicate_idempotency_key", nullString(e.IdempotencyKey).String)
		return repository.ErrDuplicate
	}
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("ledgerRepository.Insert", err, "reference", e.Reference)
		return err
	}

	logger.ExitMethod("ledgerRepository.Insert", "entryID", e.ID)
	return nil
}

func (r *ledgerRepository) GetByID(ctx context.Context, id int64) (*domain.LedgerEntry, error) {
	logger.EnterMethod("ledgerRepository.GetByID", "entryID", id)

	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE id = $1`
	e, err := scanLedgerEntry(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("ledgerRepository.GetByID", err, "entryID", id)
		return nil, err
	}

	logger.ExitMethod("ledgerRepository.GetByID", "entryID", id)
	return e, nil
}

func (r *ledgerRepository) UpdateStatus(ctx context.Context, id int64, status domain.EntryStatus) error {
	logger.EnterMethod("ledgerRepository.UpdateStatus", "entryID", id, "status", status)

	query := `UPDATE ledger_entries SET status = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("ledgerRepository.UpdateStatus", err, "entryID", id)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		logger.ExitMethodWithError("ledgerRepository.UpdateStatus", repository.ErrNotFound, "entryID", id)
		return repository.ErrNotFound
	}

	logger.ExitMethod("ledgerRepository.UpdateStatus", "entryID", id)
	return nil
}

func (r *ledgerRepository) ListByOwner(ctx context.Context, owner domain.WalletOwnerRef, page, limit int) ([]domain.LedgerEntry, int64, error) {
	logger.EnterMethod("ledgerRepository.ListByOwner", "owner", owner.String(), "page", page, "limit", limit)

	var total int64
	countQuery := `SELECT count(*) FROM ledger_entries WHERE owner_type = $1 AND owner_id = $2`
	if err := r.db.QueryRowContext(ctx, countQuery, owner.Kind, owner.ID).Scan(&total); err != nil {
		logger.ExitMethodWithError("ledgerRepository.ListByOwner", err)
		return nil, 0, err
	}

	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`
	entries, err := r.list(ctx, query, owner.Kind, owner.ID, limit, offsetFor(page, limit))
	if err != nil {
		logger.ExitMethodWithError("ledgerRepository.ListByOwner", err)
		return nil, 0, err
	}

	logger.ExitMethod("ledgerRepository.ListByOwner", "count", len(entries), "total", total)
	return entries, total, nil
}

func (r *ledgerRepository) ListForAudit(ctx context.Context, owner domain.WalletOwnerRef) ([]domain.LedgerEntry, error) {
	logger.EnterMethod("ledgerRepository.ListForAudit", "owner", owner.String())

	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at ASC, id ASC`
	entries, err := r.list(ctx, query, owner.Kind, owner.ID)
	if err != nil {
		logger.ExitMethodWithError("ledgerRepository.ListForAudit", err)
		return nil, err
	}

	logger.ExitMethod("ledgerRepository.ListForAudit", "count", len(entries))
	return entries, nil
}

func (r *ledgerRepository) SumForAudit(ctx context.Context, owner domain.WalletOwnerRef) (decimal.Decimal, decimal.Decimal, error) {
	logger.EnterMethod("ledgerRepository.SumForAudit", "owner", owner.String())

	query := `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END)
				FILTER (WHERE status = 'successful'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'pending' AND direction = 'debit'), 0)
		FROM ledger_entries
		WHERE owner_type = $1 AND owner_id = $2 AND kind = 'transaction'
	`
	var settled, reserved decimal.Decimal
	if err := r.db.QueryRowContext(ctx, query, owner.Kind, owner.ID).Scan(&settled, &reserved); err != nil {
		logger.ExitMethodWithError("ledgerRepository.SumForAudit", err)
		return decimal.Zero, decimal.Zero, err
	}

	logger.ExitMethod("ledgerRepository.SumForAudit", "settled", settled.String(), "reserved", reserved.String())
	return settled, reserved, nil
}

func (r *ledgerRepository) list(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		e              domain.LedgerEntry
		kind, dir      string
		status, eKind  string
		relatedType    sql.NullString
		relatedID      sql.NullInt64
		idempotencyKey sql.NullString
		metadata       []byte
	)
	err := row.Scan(
		&e.ID, &kind, &e.Owner.ID, &dir, &e.Amount, &e.Currency, &e.ServiceName, &e.Reference,
		&e.BalanceBefore, &e.BalanceAfter, &status, &eKind, &relatedType, &relatedID, &idempotencyKey, &metadata,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Owner.Kind = ownerKind(kind)
	e.Direction = domain.Direction(dir)
	e.Status = domain.EntryStatus(status)
	e.Kind = domain.EntryKind(eKind)
	if relatedType.Valid && relatedID.Valid {
		e.Related = &domain.RelatedEntity{Type: relatedType.String, ID: relatedID.Int64}
	}
	e.IdempotencyKey = stringPtr(idempotencyKey)
	if e.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &e, nil
}
