package postgres

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/repository"
)

type walletRepository struct {
	db DBTX
}

func NewWalletRepository(db DBTX) repository.WalletRepository {
	return &walletRepository{db: db}
}

const walletColumns = `owner_type, owner_id, balance, currency, lifetime_payouts, created_at, updated_at`

func (r *walletRepository) Create(ctx context.Context, w *domain.Wallet) error {
	logger.EnterMethod("walletRepository.Create", "owner", w.Owner.String(), "currency", w.Currency)

	query := `
		INSERT INTO wallets (owner_type, owner_id, balance, currency, lifetime_payouts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, query,
		w.Owner.Kind, w.Owner.ID, w.Balance, w.Currency, w.LifetimePayouts, now, now,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("walletRepository.Create", err, "owner", w.Owner.String())
		return err
	}

	logger.ExitMethod("walletRepository.Create", "owner", w.Owner.String())
	return nil
}

func (r *walletRepository) GetByOwner(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_type = $1 AND owner_id = $2`
	return r.get(ctx, "walletRepository.GetByOwner", query, owner)
}

func (r *walletRepository) GetForUpdate(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_type = $1 AND owner_id = $2 FOR UPDATE`
	return r.get(ctx, "walletRepository.GetForUpdate", query, owner)
}

func (r *walletRepository) get(ctx context.Context, method, query string, owner domain.WalletOwnerRef) (*domain.Wallet, error) {
	logger.EnterMethod(method, "owner", owner.String())

	var (
		w    domain.Wallet
		kind string
	)
	err := r.db.QueryRowContext(ctx, query, owner.Kind, owner.ID).Scan(
		&kind, &w.Owner.ID, &w.Balance, &w.Currency, &w.LifetimePayouts, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError(method, err, "owner", owner.String())
		return nil, err
	}
	w.Owner.Kind = ownerKind(kind)

	logger.ExitMethod(method, "owner", owner.String(), "balance", w.Balance.String())
	return &w, nil
}

func (r *walletRepository) UpdateBalance(ctx context.Context, owner domain.WalletOwnerRef, balance decimal.Decimal) error {
	logger.EnterMethod("walletRepository.UpdateBalance", "owner", owner.String(), "balance", balance.String())

	query := `UPDATE wallets SET balance = $1, updated_at = $2 WHERE owner_type = $3 AND owner_id = $4`
	return r.execOne(ctx, "walletRepository.UpdateBalance", query, balance, time.Now().UTC(), owner.Kind, owner.ID)
}

func (r *walletRepository) AddLifetimePayout(ctx context.Context, owner domain.WalletOwnerRef, amount decimal.Decimal) error {
	logger.EnterMethod("walletRepository.AddLifetimePayout", "owner", owner.String(), "amount", amount.String())

	query := `UPDATE wallets SET lifetime_payouts = lifetime_payouts + $1, updated_at = $2 WHERE owner_type = $3 AND owner_id = $4`
	return r.execOne(ctx, "walletRepository.AddLifetimePayout", query, amount, time.Now().UTC(), owner.Kind, owner.ID)
}

func (r *walletRepository) execOne(ctx context.Context, method, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError(method, err)
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		logger.ExitMethodWithError(method, err)
		return err
	}
	if rows == 0 {
		logger.ExitMethodWithError(method, repository.ErrNotFound)
		return repository.ErrNotFound
	}
	logger.ExitMethod(method)
	return nil
}

func (r *walletRepository) ListOwners(ctx context.Context, limit, offset int) ([]domain.WalletOwnerRef, error) {
	logger.EnterMethod("walletRepository.ListOwners", "limit", limit, "offset", offset)

	query := `SELECT owner_type, owner_id FROM wallets ORDER BY owner_type, owner_id LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		logger.ExitMethodWithError("walletRepository.ListOwners", err)
		return nil, err
	}
	defer rows.Close()

	var owners []domain.WalletOwnerRef
	for rows.Next() {
		var (
			kind string
			ref  domain.WalletOwnerRef
		)
		if err := rows.Scan(&kind, &ref.ID); err != nil {
			return nil, err
		}
		ref.Kind = ownerKind(kind)
		owners = append(owners, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logger.ExitMethod("walletRepository.ListOwners", "count", len(owners))
	return owners, nil
}
