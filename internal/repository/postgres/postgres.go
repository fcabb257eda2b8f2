package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/repository"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so every repository can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db        *sql.DB
	txRetries int
	repository.WalletRepository
	repository.LedgerRepository
	repository.PayoutRepository
	repository.BankAccountRepository
	repository.TaskRepository
	Owners repository.OwnerDirectory
}

func NewStore(db *sql.DB, txRetries int) *Store {
	if txRetries < 1 {
		txRetries = 1
	}
	return &Store{
		db:                    db,
		txRetries:             txRetries,
		WalletRepository:      NewWalletRepository(db),
		LedgerRepository:      NewLedgerRepository(db),
		PayoutRepository:      NewPayoutRepository(db),
		BankAccountRepository: NewBankAccountRepository(db),
		TaskRepository:        NewTaskRepository(db),
		Owners: repository.OwnerDirectory{
			SoleTutors:    NewSoleTutorResolver(db),
			Organizations: NewOrganizationResolver(db),
			Students:      NewStudentResolver(db),
		},
	}
}

// InTx runs fn in a serializable transaction, retrying the whole closure when
// Postgres aborts it with a serialization failure or deadlock.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.txRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !errors.Is(err, repository.ErrSerialization) {
			return err
		}
		logger.Warn("Serializable transaction aborted, retrying", "attempt", attempt, "max_attempts", s.txRetries, "error", err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	logger.DatabaseCall("BeginTx", "", "isolation", "serializable")
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, newTxStore(sqlTx)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Error("Failed to roll back transaction", "error", rbErr, "cause", err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		err = mapError(err)
		logger.DatabaseResult("Commit", 0, err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	logger.DatabaseResult("Commit", 0, nil)
	return nil
}

func (s *Store) Wallets() repository.WalletRepository           { return s.WalletRepository }
func (s *Store) Ledger() repository.LedgerRepository            { return s.LedgerRepository }
func (s *Store) Payouts() repository.PayoutRepository           { return s.PayoutRepository }
func (s *Store) Tasks() repository.TaskRepository               { return s.TaskRepository }
func (s *Store) BankAccounts() repository.BankAccountRepository { return s.BankAccountRepository }

func (s *Store) ResolveOwner(ctx context.Context, owner domain.WalletOwnerRef) (*domain.OwnerProfile, error) {
	return s.Owners.Resolve(ctx, owner)
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ repository.Store = (*Store)(nil)

type txStore struct {
	wallets  repository.WalletRepository
	ledger   repository.LedgerRepository
	payouts  repository.PayoutRepository
	tasks    repository.TaskRepository
	accounts repository.BankAccountRepository
}

func newTxStore(tx *sql.Tx) *txStore {
	return &txStore{
		wallets:  NewWalletRepository(tx),
		ledger:   NewLedgerRepository(tx),
		payouts:  NewPayoutRepository(tx),
		tasks:    NewTaskRepository(tx),
		accounts: NewBankAccountRepository(tx),
	}
}

func (t *txStore) Wallets() repository.WalletRepository           { return t.wallets }
func (t *txStore) Ledger() repository.LedgerRepository            { return t.ledger }
func (t *txStore) Payouts() repository.PayoutRepository           { return t.payouts }
func (t *txStore) Tasks() repository.TaskRepository               { return t.tasks }
func (t *txStore) BankAccounts() repository.BankAccountRepository { return t.accounts }
