package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrInFlightPayout = errors.New("owner already has a payout in flight")
	ErrSerialization  = errors.New("transaction could not be serialized")
)

type WalletRepository interface {
	Create(ctx context.Context, wallet *domain.Wallet) error
	GetByOwner(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error)
	// GetForUpdate reads the wallet and holds its row lock until the transaction ends.
	GetForUpdate(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error)
	UpdateBalance(ctx context.Context, owner domain.WalletOwnerRef, balance decimal.Decimal) error
	AddLifetimePayout(ctx context.Context, owner domain.WalletOwnerRef, amount decimal.Decimal) error
	ListOwners(ctx context.Context, limit, offset int) ([]domain.WalletOwnerRef, error)
}

type LedgerRepository interface {
	// Insert returns ErrDuplicate when the entry's idempotency key already exists.
	Insert(ctx context.Context, entry *domain.LedgerEntry) error
	GetByID(ctx context.Context, id int64) (*domain.LedgerEntry, error)
	UpdateStatus(ctx context.Context, id int64, status domain.EntryStatus) error
	ListByOwner(ctx context.Context, owner domain.WalletOwnerRef, page, limit int) ([]domain.LedgerEntry, int64, error)
	// ListForAudit returns every entry of the owner in creation order.
	ListForAudit(ctx context.Context, owner domain.WalletOwnerRef) ([]domain.LedgerEntry, error)
	// SumForAudit aggregates the same figures as ListForAudit inside the database.
	SumForAudit(ctx context.Context, owner domain.WalletOwnerRef) (settled, reserved decimal.Decimal, err error)
}

type PayoutRepository interface {
	// Create returns ErrInFlightPayout when the owner already has a pending or processing payout.
	Create(ctx context.Context, payout *domain.PayoutRequest) error
	GetByID(ctx context.Context, id int64) (*domain.PayoutRequest, error)
	GetForUpdate(ctx context.Context, id int64) (*domain.PayoutRequest, error)
	Update(ctx context.Context, payout *domain.PayoutRequest) error
	SummarizeInFlight(ctx context.Context, owner domain.WalletOwnerRef) (*domain.InFlightSummary, error)
	ListByOwner(ctx context.Context, owner domain.WalletOwnerRef, status *domain.PayoutStatus, page, limit int) ([]domain.PayoutRequest, int64, error)
	// ListAwaitingGateway returns processing payouts that already have a gateway transfer id.
	ListAwaitingGateway(ctx context.Context, olderThan time.Time, limit int) ([]domain.PayoutRequest, error)
}

type BankAccountRepository interface {
	// FindForOwner returns the given account, or the owner's default account when accountID is nil.
	FindForOwner(ctx context.Context, owner domain.WalletOwnerRef, accountID *int64) (*domain.BankAccount, error)
	GetByID(ctx context.Context, id int64) (*domain.BankAccount, error)
}

type TaskRepository interface {
	Enqueue(ctx context.Context, task *domain.SettlementTask) error
	GetByPayoutForUpdate(ctx context.Context, payoutID int64) (*domain.SettlementTask, error)
	// Claim leases up to limit runnable tasks to workerID, skipping rows locked by other workers.
	Claim(ctx context.Context, workerID string, limit int, lease time.Duration) ([]domain.SettlementTask, error)
	Complete(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, lastErr string, availableAt time.Time) error
	DeadLetter(ctx context.Context, id int64, lastErr string) error
	ReleaseExpired(ctx context.Context) (int64, error)
	ListDead(ctx context.Context, limit int) ([]domain.SettlementTask, error)
}

// OwnerResolver loads the owner record of one owner kind.
type OwnerResolver interface {
	Resolve(ctx context.Context, id int64) (*domain.OwnerProfile, error)
}

// OwnerDirectory holds one resolver per owner kind.
type OwnerDirectory struct {
	SoleTutors    OwnerResolver
	Organizations OwnerResolver
	Students      OwnerResolver
}

// For returns the resolver for kind. This switch is the only place an owner
// kind is dispatched; adding a kind means adding a field and a case here.
func (d OwnerDirectory) For(kind domain.OwnerKind) (OwnerResolver, error) {
	var r OwnerResolver
	switch kind {
	case domain.OwnerSoleTutor:
		r = d.SoleTutors
	case domain.OwnerOrganization:
		r = d.Organizations
	case domain.OwnerStudent:
		r = d.Students
	default:
		return nil, fmt.Errorf("no resolver for owner kind %q", kind)
	}
	if r == nil {
		return nil, fmt.Errorf("resolver for owner kind %q is not configured", kind)
	}
	return r, nil
}

func (d OwnerDirectory) Resolve(ctx context.Context, owner domain.WalletOwnerRef) (*domain.OwnerProfile, error) {
	r, err := d.For(owner.Kind)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, owner.ID)
}

// Tx exposes repositories bound to a single database transaction.
type Tx interface {
	Wallets() WalletRepository
	Ledger() LedgerRepository
	Payouts() PayoutRepository
	Tasks() TaskRepository
	BankAccounts() BankAccountRepository
}

// TxRunner runs fn inside a serializable transaction. fn may be invoked more
// than once when the database reports a serialization failure, so it must not
// have side effects outside tx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the unit services depend on. Its Tx methods run outside any
// transaction and are meant for unlocked reads.
type Store interface {
	Tx
	TxRunner
	ResolveOwner(ctx context.Context, owner domain.WalletOwnerRef) (*domain.OwnerProfile, error)
}
