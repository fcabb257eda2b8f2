package postgres

import (
	"context"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/repository"
)

type bankAccountRepository struct {
	db DBTX
}

func NewBankAccountRepository(db DBTX) repository.BankAccountRepository {
	return &bankAccountRepository{db: db}
}

const bankAccountColumns = `id, owner_type, owner_id, bank_code, account_number, account_name, currency, verified, is_default, created_at`

func (r *bankAccountRepository) FindForOwner(ctx context.Context, owner domain.WalletOwnerRef, accountID *int64) (*domain.BankAccount, error) {
	logger.EnterMethod("bankAccountRepository.FindForOwner", "owner", owner.String(), "accountID", accountID)

	var (
		query string
		args  = []any{owner.Kind, owner.ID}
	)
	if accountID != nil {
		query = `SELECT ` + bankAccountColumns + ` FROM bank_accounts
			WHERE owner_type = $1 AND owner_id = $2 AND id = $3`
		args = append(args, *accountID)
	} else {
		// Prefer the default account, then the most recently verified one
		query = `SELECT ` + bankAccountColumns + ` FROM bank_accounts
			WHERE owner_type = $1 AND owner_id = $2
			ORDER BY is_default DESC, verified DESC, created_at DESC LIMIT 1`
	}

	acct, err := scanBankAccount(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("bankAccountRepository.FindForOwner", err, "owner", owner.String())
		return nil, err
	}

	logger.ExitMethod("bankAccountRepository.FindForOwner", "accountID", acct.ID, "verified", acct.Verified)
	return acct, nil
}

func (r *bankAccountRepository) GetByID(ctx context.Context, id int64) (*domain.BankAccount, error) {
	logger.EnterMethod("bankAccountRepository.GetByID", "accountID", id)

	query := `SELECT ` + bankAccountColumns + ` FROM bank_accounts WHERE id = $1`
	acct, err := scanBankAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("bankAccountRepository.GetByID", err, "accountID", id)
		return nil, err
	}

	logger.ExitMethod("bankAccountRepository.GetByID", "accountID", id)
	return acct, nil
}

func scanBankAccount(row rowScanner) (*domain.BankAccount, error) {
	var (
		a    domain.BankAccount
		kind string
	)
	err := row.Scan(&a.ID, &kind, &a.Owner.ID, &a.BankCode, &a.AccountNumber, &a.AccountName,
		&a.Currency, &a.Verified, &a.IsDefault, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Owner.Kind = ownerKind(kind)
	return &a, nil
}
