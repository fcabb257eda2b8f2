package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository"
)

// PayoutOptions are the limits and retry settings of the payout flow.
type PayoutOptions struct {
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	// MaxAttempts is copied onto every settlement task.
	MaxAttempts int
	// FXRetryAfter is advertised when no live exchange rate is available.
	FXRetryAfter time.Duration
}

type payoutService struct {
	store      repository.Store
	converter  CurrencyConverter
	settlement SettlementService
	opts       PayoutOptions
	metrics    *metrics.Metrics
	ledger     ledgerWriter
	now        func() time.Time
}

func NewPayoutService(
	store repository.Store,
	converter CurrencyConverter,
	settlement SettlementService,
	opts PayoutOptions,
	m *metrics.Metrics,
) PayoutService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &payoutService{
		store:      store,
		converter:  converter,
		settlement: settlement,
		opts:       opts,
		metrics:    m,
		ledger:     ledgerWriter{metrics: m},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// quote is everything decided before the reservation transaction opens.
type quote struct {
	account    *domain.BankAccount
	currency   string
	conversion domain.Conversion
}

// RequestPayout reserves funds for a transfer to the owner's bank account and
// queues its settlement. The returned request is pending.
func (s *payoutService) RequestPayout(ctx context.Context, owner domain.WalletOwnerRef, in PayoutInput) (*domain.PayoutRequest, error) {
	logger.EnterMethod("payoutService.RequestPayout", "owner", owner.String(), "amount", in.Amount.String(), "bankAccountID", in.BankAccountID)

	p, err := s.requestPayout(ctx, owner, in)
	if err != nil {
		s.metrics.PayoutRejected(rejectionReason(err))
		logger.ExitMethodRejected("payoutService.RequestPayout", err, "owner", owner.String())
		return nil, err
	}

	s.metrics.PayoutRequested(p.RequestedCurrency)
	logger.ExitMethod("payoutService.RequestPayout", "payoutID", p.ID, "reference", p.ExternalReference)
	return p, nil
}

func (s *payoutService) requestPayout(ctx context.Context, owner domain.WalletOwnerRef, in PayoutInput) (*domain.PayoutRequest, error) {
	if err := s.validateRequest(owner, in); err != nil {
		return nil, err
	}

	// Advisory; the partial unique index settles races.
	inflight, err := s.store.Payouts().SummarizeInFlight(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to check in-flight payouts: %w", err)
	}
	if inflight.Count > 0 {
		return nil, domain.NewConflictError("A payout request is already in progress")
	}

	wallet, err := s.store.Wallets().GetByOwner(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NewNotFoundError("wallet", owner.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if wallet.Balance.LessThan(in.Amount) {
		return nil, &domain.InsufficientFundsError{Available: wallet.Balance, Currency: wallet.Currency}
	}

	// The exchange rate is fetched before any lock is taken.
	q, err := s.quote(ctx, owner, wallet, in)
	if err != nil {
		return nil, err
	}

	var payout *domain.PayoutRequest
	err = withLocked(ctx, s.store, lockWallet(owner), func(ctx context.Context, tx repository.Tx, w *domain.Wallet) error {
		if w.Currency != wallet.Currency {
			return domain.NewConflictError("wallet currency changed, please retry")
		}
		if w.Balance.LessThan(in.Amount) {
			return &domain.InsufficientFundsError{Available: w.Balance, Currency: w.Currency}
		}

		payout = &domain.PayoutRequest{
			Owner:             owner,
			BankAccountID:     q.account.ID,
			RequestedAmount:   in.Amount,
			RequestedCurrency: q.currency,
			WalletCurrency:    w.Currency,
			ConvertedAmount:   q.conversion.ConvertedAmount,
			FXRate:            q.conversion.Rate,
			NetAmount:         q.conversion.ConvertedAmount,
			ExternalReference: newPayoutReference(),
			Status:            domain.PayoutStatusPending,
			Metadata: map[string]any{
				"bank_code":      q.account.BankCode,
				"account_masked": q.account.MaskedNumber(),
			},
		}
		if err := tx.Payouts().Create(ctx, payout); err != nil {
			if errors.Is(err, repository.ErrInFlightPayout) {
				return domain.NewConflictError("A payout request is already in progress")
			}
			return fmt.Errorf("failed to create payout: %w", err)
		}

		reservation, err := s.ledger.apply(ctx, tx, w, entryInput{
			Direction:   domain.DirectionDebit,
			Amount:      in.Amount,
			ServiceName: domain.ServicePayoutRequest,
			Reference:   payout.ExternalReference,
			Status:      domain.EntryStatusPending,
			Related:     &domain.RelatedEntity{Type: domain.RelatedPayout, ID: payout.ID},
		})
		if err != nil {
			return err
		}
		payout.ReservationEntryID = &reservation.ID
		if err := tx.Payouts().Update(ctx, payout); err != nil {
			return fmt.Errorf("failed to link reservation: %w", err)
		}

		task := &domain.SettlementTask{PayoutID: payout.ID, MaxAttempts: s.opts.MaxAttempts}
		if err := tx.Tasks().Enqueue(ctx, task); err != nil {
			return fmt.Errorf("failed to enqueue settlement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Money("payout_reserved",
		"owner", owner.String(), "payoutID", payout.ID, "amount", payout.RequestedAmount.String(),
		"wallet_currency", payout.WalletCurrency, "payout_currency", payout.RequestedCurrency,
		"converted", payout.ConvertedAmount.String(), "reference", payout.ExternalReference)
	return payout, nil
}

func (s *payoutService) validateRequest(owner domain.WalletOwnerRef, in PayoutInput) error {
	if !owner.Kind.CanReceivePayouts() {
		return domain.NewValidationError(fmt.Sprintf("%s wallets cannot be paid out", owner.Kind))
	}
	if !in.Amount.IsPositive() {
		return domain.NewValidationError("amount must be greater than zero")
	}
	if in.Amount.LessThan(s.opts.MinAmount) {
		return domain.NewValidationError(fmt.Sprintf("Minimum payout amount is %s", s.opts.MinAmount.StringFixed(2)))
	}
	if s.opts.MaxAmount.IsPositive() && in.Amount.GreaterThan(s.opts.MaxAmount) {
		return domain.NewValidationError(fmt.Sprintf("Maximum payout amount is %s", s.opts.MaxAmount.StringFixed(2)))
	}
	if in.Currency != "" && len(in.Currency) != 3 {
		return domain.NewValidationError("currency must be an ISO 4217 code")
	}
	return nil
}

func (s *payoutService) quote(ctx context.Context, owner domain.WalletOwnerRef, w *domain.Wallet, in PayoutInput) (*quote, error) {
	account, err := s.store.BankAccounts().FindForOwner(ctx, owner, in.BankAccountID)
	if errors.Is(err, repository.ErrNotFound) {
		if in.BankAccountID != nil {
			return nil, domain.NewNotFoundError("bank account", *in.BankAccountID)
		}
		return nil, domain.NewNotFoundError("bank account", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bank account: %w", err)
	}
	if !account.Verified {
		return nil, domain.NewValidationError("Bank account is not verified")
	}

	currency := strings.ToUpper(in.Currency)
	switch {
	case currency == "" && account.Currency != "":
		currency = strings.ToUpper(account.Currency)
	case currency == "":
		currency = w.Currency
	case account.Currency != "" && !strings.EqualFold(account.Currency, currency):
		return nil, domain.NewValidationError(fmt.Sprintf("bank account only accepts %s", account.Currency))
	}

	q := &quote{
		account:    account,
		currency:   currency,
		conversion: domain.Conversion{ConvertedAmount: in.Amount, Rate: decimal.NewFromInt(1)},
	}
	if currency == w.Currency {
		return q, nil
	}

	conv, err := s.converter.Convert(ctx, in.Amount, w.Currency, currency)
	if err != nil {
		var unavailable *domain.ServiceUnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &domain.ServiceUnavailableError{Service: "currency conversion", Reason: err.Error(), RetryAfter: s.opts.FXRetryAfter}
	}
	if conv.Fallback {
		return nil, &domain.ServiceUnavailableError{
			Service:    "currency conversion",
			Reason:     fmt.Sprintf("no live %s/%s rate", w.Currency, currency),
			RetryAfter: s.opts.FXRetryAfter,
		}
	}
	q.conversion = *conv
	return q, nil
}

// GetPayout returns the owner's payout, refreshed from the gateway while it is in flight.
func (s *payoutService) GetPayout(ctx context.Context, owner domain.WalletOwnerRef, payoutID int64) (*domain.PayoutRequest, error) {
	p, err := s.ownedPayout(ctx, owner, payoutID)
	if err != nil {
		return nil, err
	}
	if !p.Status.InFlight() || p.ExternalTransferID == nil {
		return p, nil
	}

	refreshed, err := s.settlement.RefreshStatus(ctx, payoutID)
	if err != nil {
		logger.Warn("Payout status refresh failed, returning stored state", "payoutID", payoutID, "error", err)
		return p, nil
	}
	return refreshed, nil
}

func (s *payoutService) ownedPayout(ctx context.Context, owner domain.WalletOwnerRef, payoutID int64) (*domain.PayoutRequest, error) {
	p, err := s.store.Payouts().GetByID(ctx, payoutID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && p.Owner != owner) {
		return nil, domain.NewNotFoundError("payout", payoutID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout: %w", err)
	}
	return p, nil
}

func (s *payoutService) ListPayouts(ctx context.Context, owner domain.WalletOwnerRef, status *domain.PayoutStatus, page, limit int) (*domain.PayoutPage, error) {
	page, limit = normalizePage(page, limit)
	payouts, total, err := s.store.Payouts().ListByOwner(ctx, owner, status, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	if payouts == nil {
		payouts = []domain.PayoutRequest{}
	}
	return &domain.PayoutPage{Payouts: payouts, Total: total, Page: page, Limit: limit}, nil
}

// CancelPayout releases the reservation of a pending payout whose settlement
// has not been picked up by a worker.
func (s *payoutService) CancelPayout(ctx context.Context, owner domain.WalletOwnerRef, payoutID int64) (*domain.PayoutRequest, error) {
	logger.EnterMethod("payoutService.CancelPayout", "owner", owner.String(), "payoutID", payoutID)

	if _, err := s.ownedPayout(ctx, owner, payoutID); err != nil {
		logger.ExitMethodRejected("payoutService.CancelPayout", err)
		return nil, err
	}

	var payout *domain.PayoutRequest
	// Lock order: task, payout, wallet.
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		task, err := tx.Tasks().GetByPayoutForUpdate(ctx, payoutID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to lock settlement task: %w", err)
		}
		if task != nil && (task.Status != domain.TaskStatusQueued || task.Attempts > 0) {
			return domain.NewConflictError("Payout is already being processed")
		}

		p, err := lockPayout(payoutID)(ctx, tx)
		if err != nil {
			return err
		}
		if p.Status != domain.PayoutStatusPending {
			return domain.NewConflictError(fmt.Sprintf("Payout is %s and can no longer be cancelled", p.Status))
		}
		w, err := lockWallet(owner)(ctx, tx)
		if err != nil {
			return err
		}

		if p.ReservationEntryID != nil {
			reservation, err := tx.Ledger().GetByID(ctx, *p.ReservationEntryID)
			if err != nil {
				return fmt.Errorf("failed to load reservation: %w", err)
			}
			if err := s.ledger.release(ctx, tx, w, reservation); err != nil {
				return err
			}
		}

		from := p.Status
		if err := p.TransitionTo(domain.PayoutStatusCancelled, s.now()); err != nil {
			return err
		}
		if err := tx.Payouts().Update(ctx, p); err != nil {
			return fmt.Errorf("failed to update payout: %w", err)
		}
		if task != nil {
			if err := tx.Tasks().Complete(ctx, task.ID); err != nil {
				return fmt.Errorf("failed to close settlement task: %w", err)
			}
		}
		logger.Transition("payout", p.ID, string(from), string(p.Status))
		payout = p
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError("payoutService.CancelPayout", err)
		return nil, err
	}

	s.metrics.PayoutCancelled()
	logger.ExitMethod("payoutService.CancelPayout", "payoutID", payoutID)
	return payout, nil
}

func newPayoutReference() string {
	return "PAYOUT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func rejectionReason(err error) string {
	var (
		validation   *domain.ValidationError
		conflict     *domain.ConflictError
		insufficient *domain.InsufficientFundsError
		notFound     *domain.NotFoundError
		unavailable  *domain.ServiceUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &insufficient):
		return "insufficient_funds"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &unavailable):
		return "unavailable"
	}
	return "error"
}
