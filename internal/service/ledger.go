package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository"
)

// entryInput describes one ledger write. Status defaults to successful and
// Kind to transaction.
type entryInput struct {
	Direction      domain.Direction
	Amount         decimal.Decimal
	ServiceName    string
	Reference      string
	Status         domain.EntryStatus
	Kind           domain.EntryKind
	Related        *domain.RelatedEntity
	IdempotencyKey *string
	Metadata       map[string]any
}

// ledgerWriter is the only code that moves a wallet balance.
type ledgerWriter struct {
	metrics *metrics.Metrics
}

// apply appends an entry and moves the cached balance in the caller's
// transaction. The caller must hold the wallet row lock. repository.ErrDuplicate
// means an entry with the same idempotency key exists and nothing was written.
func (l ledgerWriter) apply(ctx context.Context, tx repository.Tx, w *domain.Wallet, in entryInput) (*domain.LedgerEntry, error) {
	if !in.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount must be greater than zero")
	}
	if !in.Direction.Valid() {
		return nil, domain.NewValidationError(fmt.Sprintf("unknown direction %q", in.Direction))
	}
	if in.Status == "" {
		in.Status = domain.EntryStatusSuccessful
	}
	if in.Kind == "" {
		in.Kind = domain.EntryKindTransaction
	}

	before := w.Balance
	after := before.Add(in.Amount)
	if in.Direction == domain.DirectionDebit {
		after = before.Sub(in.Amount)
	}
	if after.IsNegative() {
		return nil, &domain.InsufficientFundsError{Available: before, Currency: w.Currency}
	}

	entry := &domain.LedgerEntry{
		Owner:          w.Owner,
		Direction:      in.Direction,
		Amount:         in.Amount,
		Currency:       w.Currency,
		ServiceName:    in.ServiceName,
		Reference:      in.Reference,
		BalanceBefore:  before,
		BalanceAfter:   after,
		Status:         in.Status,
		Kind:           in.Kind,
		Related:        in.Related,
		IdempotencyKey: in.IdempotencyKey,
		Metadata:       in.Metadata,
	}
	if err := tx.Ledger().Insert(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert ledger entry %s: %w", in.Reference, err)
	}
	if err := tx.Wallets().UpdateBalance(ctx, w.Owner, after); err != nil {
		return nil, fmt.Errorf("failed to update wallet balance: %w", err)
	}
	w.Balance = after

	l.metrics.LedgerEntry(string(entry.Direction), string(entry.Kind))
	logger.Money("ledger_entry_applied",
		"owner", w.Owner.String(), "entryID", entry.ID, "direction", entry.Direction,
		"amount", entry.Amount.String(), "status", entry.Status, "kind", entry.Kind,
		"balance_before", before.String(), "balance_after", after.String(), "reference", entry.Reference)
	return entry, nil
}

// release cancels a held reservation and returns its amount to the cached
// balance without writing a new entry. The caller must hold the wallet lock.
func (l ledgerWriter) release(ctx context.Context, tx repository.Tx, w *domain.Wallet, entry *domain.LedgerEntry) error {
	if !entry.IsHeldReservation() {
		return domain.NewConflictError(fmt.Sprintf("ledger entry %d is not a held reservation", entry.ID))
	}
	if entry.Owner != w.Owner {
		return fmt.Errorf("ledger entry %d belongs to %s, not %s", entry.ID, entry.Owner, w.Owner)
	}

	if err := tx.Ledger().UpdateStatus(ctx, entry.ID, domain.EntryStatusCancelled); err != nil {
		return fmt.Errorf("failed to cancel reservation %d: %w", entry.ID, err)
	}
	before := w.Balance
	after := before.Add(entry.Amount)
	if err := tx.Wallets().UpdateBalance(ctx, w.Owner, after); err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}
	w.Balance = after
	entry.Status = domain.EntryStatusCancelled

	logger.Money("reservation_released",
		"owner", w.Owner.String(), "entryID", entry.ID, "amount", entry.Amount.String(),
		"balance_before", before.String(), "balance_after", after.String())
	return nil
}

type ledgerService struct {
	store  repository.Store
	ledger ledgerWriter
}

func NewLedgerService(store repository.Store, m *metrics.Metrics) LedgerService {
	return &ledgerService{store: store, ledger: ledgerWriter{metrics: m}}
}

// RecordEntry applies a collaborator's credit or debit. The reference doubles
// as idempotency key, so replaying the same reference is rejected with a
// ConflictError. A first credit creates the wallet.
func (s *ledgerService) RecordEntry(ctx context.Context, in RecordEntryInput) (*domain.LedgerEntry, error) {
	logger.EnterMethod("ledgerService.RecordEntry", "owner", in.Owner.String(), "direction", in.Direction, "amount", in.Amount.String(), "reference", in.Reference)

	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := validateRecordEntry(in); err != nil {
		logger.ExitMethodRejected("ledgerService.RecordEntry", err)
		return nil, err
	}
	if _, err := s.store.ResolveOwner(ctx, in.Owner); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = domain.NewNotFoundError(string(in.Owner.Kind), in.Owner.ID)
		}
		logger.ExitMethodWithError("ledgerService.RecordEntry", err)
		return nil, err
	}

	var entry *domain.LedgerEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		w, err := tx.Wallets().GetForUpdate(ctx, in.Owner)
		if errors.Is(err, repository.ErrNotFound) && in.Direction == domain.DirectionCredit {
			w = &domain.Wallet{Owner: in.Owner, Currency: in.Currency}
			err = tx.Wallets().Create(ctx, w)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewNotFoundError("wallet", in.Owner.String())
		}
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}
		if !strings.EqualFold(w.Currency, in.Currency) {
			return domain.NewValidationError(fmt.Sprintf("wallet currency is %s, entry currency is %s", w.Currency, in.Currency))
		}

		key := in.Reference
		entry, err = s.ledger.apply(ctx, tx, w, entryInput{
			Direction:      in.Direction,
			Amount:         in.Amount,
			ServiceName:    in.ServiceName,
			Reference:      in.Reference,
			IdempotencyKey: &key,
			Metadata:       in.Metadata,
		})
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.NewConflictError(fmt.Sprintf("entry with reference %s was already recorded", in.Reference))
		}
		return err
	})
	if err != nil {
		logger.ExitMethodWithError("ledgerService.RecordEntry", err)
		return nil, err
	}

	logger.ExitMethod("ledgerService.RecordEntry", "entryID", entry.ID, "balance_after", entry.BalanceAfter.String())
	return entry, nil
}

func validateRecordEntry(in RecordEntryInput) error {
	switch {
	case !in.Direction.Valid():
		return domain.NewValidationError("direction must be credit or debit")
	case !in.Amount.IsPositive():
		return domain.NewValidationError("amount must be greater than zero")
	case strings.TrimSpace(in.Reference) == "":
		return domain.NewValidationError("reference is required")
	case strings.TrimSpace(in.ServiceName) == "":
		return domain.NewValidationError("service_name is required")
	case len(in.Currency) != 3:
		return domain.NewValidationError("currency must be an ISO 4217 code")
	}
	return nil
}

func (s *ledgerService) GetWallet(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error) {
	w, err := s.store.Wallets().GetByOwner(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NewNotFoundError("wallet", owner.String())
	}
	return w, err
}

func (s *ledgerService) ListEntries(ctx context.Context, owner domain.WalletOwnerRef, page, limit int) ([]domain.LedgerEntry, int64, error) {
	page, limit = normalizePage(page, limit)
	return s.store.Ledger().ListByOwner(ctx, owner, page, limit)
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}
