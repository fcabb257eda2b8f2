package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
)

type LedgerService interface {
	RecordEntry(ctx context.Context, in RecordEntryInput) (*domain.LedgerEntry, error)
	GetWallet(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error)
	ListEntries(ctx context.Context, owner domain.WalletOwnerRef, page, limit int) ([]domain.LedgerEntry, int64, error)
}

type PayoutService interface {
	RequestPayout(ctx context.Context, owner domain.WalletOwnerRef, in PayoutInput) (*domain.PayoutRequest, error)
	GetPayout(ctx context.Context, owner domain.WalletOwnerRef, payoutID int64) (*domain.PayoutRequest, error)
	ListPayouts(ctx context.Context, owner domain.WalletOwnerRef, status *domain.PayoutStatus, page, limit int) (*domain.PayoutPage, error)
	CancelPayout(ctx context.Context, owner domain.WalletOwnerRef, payoutID int64) (*domain.PayoutRequest, error)
}

type SettlementService interface {
	// ProcessTask drives one payout through the gateway. A returned error means
	// the gateway outcome is unknown and the task should be retried.
	ProcessTask(ctx context.Context, task domain.SettlementTask) error
	// Abandon is called when a task has exhausted its attempts.
	Abandon(ctx context.Context, payoutID int64, reason string) (*domain.PayoutRequest, error)
	Refund(ctx context.Context, payoutID int64, reason string) (*domain.PayoutRequest, error)
	RefreshStatus(ctx context.Context, payoutID int64) (*domain.PayoutRequest, error)
	PollInFlight(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type ReconciliationService interface {
	Run(ctx context.Context, owner domain.WalletOwnerRef, fix bool) (*domain.ReconciliationReport, error)
	AuditAll(ctx context.Context, fix bool) ([]domain.ReconciliationReport, error)
}

// TransferGateway is the bank transfer provider.
type TransferGateway interface {
	InitiateTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
	GetTransferStatus(ctx context.Context, transferID string) (*domain.Transfer, error)
	// FindTransferByReference returns domain.ErrTransferNotFound when the
	// provider has never seen the reference.
	FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error)
}

// CurrencyConverter quotes conversions between wallet and payout currencies.
type CurrencyConverter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (*domain.Conversion, error)
}

// RecordEntryInput is a money movement reported by another part of the
// marketplace, e.g. a lesson payment credited to a tutor.
type RecordEntryInput struct {
	Owner       domain.WalletOwnerRef
	Direction   domain.Direction
	Amount      decimal.Decimal
	Currency    string
	ServiceName string
	Reference   string
	Metadata    map[string]any
}

type PayoutInput struct {
	Amount        decimal.Decimal
	BankAccountID *int64
	// Currency is the payout currency. Empty means the bank account's currency.
	Currency string
}
