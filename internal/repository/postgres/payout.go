package postgres

import (
	"context"
	"database/sql"
	"time"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/repository"
)

type payoutRepository struct {
	db DBTX
}

func NewPayoutRepository(db DBTX) repository.PayoutRepository {
	return &payoutRepository{db: db}
}

const payoutColumns = `id, owner_type, owner_id, bank_account_id, requested_amount, requested_currency,
	wallet_currency, converted_amount, fx_rate, transfer_fee, net_amount, external_transfer_id,
	external_reference, status, failure_reason, reservation_entry_id, refund_entry_id, refunded,
	metadata, processed_at, completed_at, cancelled_at, created_at, updated_at`

func (r *payoutRepository) Create(ctx context.Context, p *domain.PayoutRequest) error {
	logger.EnterMethod("payoutRepository.Create", "owner", p.Owner.String(), "amount", p.RequestedAmount.String(), "reference", p.ExternalReference)

	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payout_requests (
			owner_type, owner_id, bank_account_id, requested_amount, requested_currency,
			wallet_currency, converted_amount, fx_rate, transfer_fee, net_amount,
			external_reference, status, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`
	now := time.Now().UTC()
	err = r.db.QueryRowContext(ctx, query,
		p.Owner.Kind, p.Owner.ID, p.BankAccountID, p.RequestedAmount, p.RequestedCurrency,
		p.WalletCurrency, p.ConvertedAmount, p.FXRate, p.TransferFee, p.NetAmount,
		p.ExternalReference, p.Status, metadata, now, now,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("payoutRepository.Create", err, "owner", p.Owner.String())
		return err
	}

	logger.ExitMethod("payoutRepository.Create", "payoutID", p.ID)
	return nil
}

func (r *payoutRepository) GetByID(ctx context.Context, id int64) (*domain.PayoutRequest, error) {
	return r.get(ctx, "payoutRepository.GetByID", `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id)
}

func (r *payoutRepository) GetForUpdate(ctx context.Context, id int64) (*domain.PayoutRequest, error) {
	return r.get(ctx, "payoutRepository.GetForUpdate", `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1 FOR UPDATE`, id)
}

func (r *payoutRepository) get(ctx context.Context, method, query string, id int64) (*domain.PayoutRequest, error) {
	logger.EnterMethod(method, "payoutID", id)

	p, err := scanPayout(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError(method, err, "payoutID", id)
		return nil, err
	}

	logger.ExitMethod(method, "payoutID", id, "status", p.Status)
	return p, nil
}

func (r *payoutRepository) Update(ctx context.Context, p *domain.PayoutRequest) error {
	logger.EnterMethod("payoutRepository.Update", "payoutID", p.ID, "status", p.Status)

	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE payout_requests SET
			status = $1,
			converted_amount = $2,
			fx_rate = $3,
			transfer_fee = $4,
			net_amount = $5,
			external_transfer_id = $6,
			failure_reason = $7,
			reservation_entry_id = $8,
			refund_entry_id = $9,
			refunded = $10,
			metadata = $11,
			processed_at = $12,
			completed_at = $13,
			cancelled_at = $14,
			updated_at = $15
		WHERE id = $16
	`
	p.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		p.Status, p.ConvertedAmount, p.FXRate, p.TransferFee, p.NetAmount,
		nullString(p.ExternalTransferID), nullString(p.FailureReason),
		nullInt64(p.ReservationEntryID), nullInt64(p.RefundEntryID), p.Refunded, metadata,
		p.ProcessedAt, p.CompletedAt, p.CancelledAt, p.UpdatedAt, p.ID,
	)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("payoutRepository.Update", err, "payoutID", p.ID)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		logger.ExitMethodWithError("payoutRepository.Update", repository.ErrNotFound, "payoutID", p.ID)
		return repository.ErrNotFound
	}

	logger.ExitMethod("payoutRepository.Update", "payoutID", p.ID)
	return nil
}

func (r *payoutRepository) SummarizeInFlight(ctx context.Context, owner domain.WalletOwnerRef) (*domain.InFlightSummary, error) {
	logger.EnterMethod("payoutRepository.SummarizeInFlight", "owner", owner.String())

	query := `
		SELECT count(*), COALESCE(SUM(requested_amount), 0)
		FROM payout_requests
		WHERE owner_type = $1 AND owner_id = $2 AND status IN ('pending', 'processing')
	`
	var s domain.InFlightSummary
	if err := r.db.QueryRowContext(ctx, query, owner.Kind, owner.ID).Scan(&s.Count, &s.Amount); err != nil {
		logger.ExitMethodWithError("payoutRepository.SummarizeInFlight", err)
		return nil, err
	}

	logger.ExitMethod("payoutRepository.SummarizeInFlight", "count", s.Count, "amount", s.Amount.String())
	return &s, nil
}

func (r *payoutRepository) ListByOwner(ctx context.Context, owner domain.WalletOwnerRef, status *domain.PayoutStatus, page, limit int) ([]domain.PayoutRequest, int64, error) {
	logger.EnterMethod("payoutRepository.ListByOwner", "owner", owner.String(), "page", page, "limit", limit)

	// NULL status means no filter
	var statusArg sql.NullString
	if status != nil {
		statusArg = sql.NullString{String: string(*status), Valid: true}
	}

	var total int64
	countQuery := `SELECT count(*) FROM payout_requests
		WHERE owner_type = $1 AND owner_id = $2 AND ($3::text IS NULL OR status = $3)`
	if err := r.db.QueryRowContext(ctx, countQuery, owner.Kind, owner.ID, statusArg).Scan(&total); err != nil {
		logger.ExitMethodWithError("payoutRepository.ListByOwner", err)
		return nil, 0, err
	}

	query := `SELECT ` + payoutColumns + ` FROM payout_requests
		WHERE owner_type = $1 AND owner_id = $2 AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`
	payouts, err := r.list(ctx, query, owner.Kind, owner.ID, statusArg, limit, offsetFor(page, limit))
	if err != nil {
		logger.ExitMethodWithError("payoutRepository.ListByOwner", err)
		return nil, 0, err
	}

	logger.ExitMethod("payoutRepository.ListByOwner", "count", len(payouts), "total", total)
	return payouts, total, nil
}

func (r *payoutRepository) ListAwaitingGateway(ctx context.Context, olderThan time.Time, limit int) ([]domain.PayoutRequest, error) {
	logger.EnterMethod("payoutRepository.ListAwaitingGateway", "olderThan", olderThan, "limit", limit)

	query := `SELECT ` + payoutColumns + ` FROM payout_requests
		WHERE status = 'processing' AND external_transfer_id IS NOT NULL AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`
	payouts, err := r.list(ctx, query, olderThan, limit)
	if err != nil {
		logger.ExitMethodWithError("payoutRepository.ListAwaitingGateway", err)
		return nil, err
	}

	logger.ExitMethod("payoutRepository.ListAwaitingGateway", "count", len(payouts))
	return payouts, nil
}

func (r *payoutRepository) list(ctx context.Context, query string, args ...any) ([]domain.PayoutRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func scanPayout(row rowScanner) (*domain.PayoutRequest, error) {
	var (
		p                  domain.PayoutRequest
		kind, status       string
		transferID, reason sql.NullString
		reservationID      sql.NullInt64
		refundID           sql.NullInt64
		metadata           []byte
		processedAt        sql.NullTime
		completedAt        sql.NullTime
		cancelledAt        sql.NullTime
	)
	err := row.Scan(
		&p.ID, &kind, &p.Owner.ID, &p.BankAccountID, &p.RequestedAmount, &p.RequestedCurrency,
		&p.WalletCurrency, &p.ConvertedAmount, &p.FXRate, &p.TransferFee, &p.NetAmount, &transferID,
		&p.ExternalReference, &status, &reason, &reservationID, &refundID, &p.Refunded,
		&metadata, &processedAt, &completedAt, &cancelledAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Owner.Kind = ownerKind(kind)
	p.Status = domain.PayoutStatus(status)
	p.ExternalTransferID = stringPtr(transferID)
	p.FailureReason = stringPtr(reason)
	p.ReservationEntryID = int64Ptr(reservationID)
	p.RefundEntryID = int64Ptr(refundID)
	p.ProcessedAt = timePtr(processedAt)
	p.CompletedAt = timePtr(completedAt)
	p.CancelledAt = timePtr(cancelledAt)
	if p.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &p, nil
}
