package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository"
)

// errAlreadyRefunded rolls back a refund transaction that found the refund
// credit already written.
var errAlreadyRefunded = errors.New("payout already refunded")

type settlementService struct {
	store          repository.Store
	gateway        TransferGateway
	gatewayTimeout time.Duration
	metrics        *metrics.Metrics
	ledger         ledgerWriter
	now            func() time.Time
}

func NewSettlementService(store repository.Store, gateway TransferGateway, gatewayTimeout time.Duration, m *metrics.Metrics) SettlementService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 30 * time.Second
	}
	return &settlementService{
		store:          store,
		gateway:        gateway,
		gatewayTimeout: gatewayTimeout,
		metrics:        m,
		ledger:         ledgerWriter{metrics: m},
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *settlementService) ProcessTask(ctx context.Context, task domain.SettlementTask) error {
	logger.EnterMethod("settlementService.ProcessTask", "taskID", task.ID, "payoutID", task.PayoutID, "attempt", task.Attempts)

	payout, account, resumed, err := s.beginProcessing(ctx, task.PayoutID)
	if err != nil {
		logger.ExitMethodWithError("settlementService.ProcessTask", err, "payoutID", task.PayoutID)
		return err
	}
	if payout == nil {
		logger.ExitMethod("settlementService.ProcessTask", "payoutID", task.PayoutID, "result", "already_final")
		return nil
	}

	// An accepted transfer is never initiated twice; the poller owns it now.
	if payout.ExternalTransferID != nil {
		_, err := s.RefreshStatus(ctx, payout.ID)
		logger.ExitMethod("settlementService.ProcessTask", "payoutID", payout.ID, "result", "refreshed")
		return err
	}

	// An earlier attempt may have reached the gateway and lost the answer.
	// Resending could be refused as a duplicate and refund a paid transfer,
	// so ask the gateway first.
	if resumed {
		t, err := s.lookupByReference(ctx, payout)
		switch {
		case errors.Is(err, domain.ErrTransferNotFound):
			logger.Info("No transfer under reference, initiating", "payoutID", payout.ID, "reference", payout.ExternalReference)
		case err != nil:
			logger.ExitMethodWithError("settlementService.ProcessTask", err, "payoutID", payout.ID)
			return err
		default:
			err = s.applyTransfer(ctx, payout.ID, t)
			if err != nil {
				logger.ExitMethodWithError("settlementService.ProcessTask", err, "payoutID", payout.ID)
				return err
			}
			logger.ExitMethod("settlementService.ProcessTask", "payoutID", payout.ID, "result", "recovered", "transferID", t.ID)
			return nil
		}
	}

	beneficiary := account.AccountName
	if profile, err := s.store.ResolveOwner(ctx, payout.Owner); err == nil && profile.DisplayName != "" {
		beneficiary = profile.DisplayName
	} else if err != nil {
		logger.Warn("Owner lookup failed, using account name as beneficiary", "owner", payout.Owner.String(), "error", err)
	}

	req := domain.TransferRequest{
		BankCode:        account.BankCode,
		AccountNumber:   account.AccountNumber,
		AccountName:     account.AccountName,
		Amount:          payout.ConvertedAmount,
		Currency:        payout.RequestedCurrency,
		Reference:       payout.ExternalReference,
		BeneficiaryName: beneficiary,
		Narration:       "Tutor wallet payout " + payout.ExternalReference,
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	started := time.Now()
	result, err := s.gateway.InitiateTransfer(gwCtx, req)
	cancel()
	s.metrics.ObserveGatewayCall("initiate_transfer", started, err)
	if err != nil {
		err = fmt.Errorf("gateway error: %w", err)
		logger.ExitMethodWithError("settlementService.ProcessTask", err, "payoutID", payout.ID)
		return err
	}

	switch {
	case !result.Success || (result.Transfer != nil && result.Transfer.Status.Rejected()):
		reason := result.Message
		if reason == "" && result.Transfer != nil {
			reason = "transfer " + string(result.Transfer.Status)
		}
		_, err = s.Refund(ctx, payout.ID, reason)
	case result.Transfer == nil:
		err = fmt.Errorf("gateway accepted transfer %s without transfer details", payout.ExternalReference)
	default:
		err = s.applyTransfer(ctx, payout.ID, result.Transfer)
	}
	if err != nil {
		logger.ExitMethodWithError("settlementService.ProcessTask", err, "payoutID", payout.ID)
		return err
	}

	logger.ExitMethod("settlementService.ProcessTask", "payoutID", payout.ID)
	return nil
}

// applyTransfer stores what the gateway knows about a payout's transfer. The
// transfer id is committed on its own before the payout is completed, so a
// failed completion is redelivered as a status check.
func (s *settlementService) applyTransfer(ctx context.Context, payoutID int64, t *domain.Transfer) error {
	if t.Status.Rejected() {
		_, err := s.Refund(ctx, payoutID, "transfer "+string(t.Status))
		return err
	}
	if err := s.recordAccepted(ctx, payoutID, t); err != nil {
		return err
	}
	if t.Status.Settled() {
		_, err := s.finalize(ctx, payoutID, t)
		return err
	}
	return nil
}

func (s *settlementService) lookupByReference(ctx context.Context, p *domain.PayoutRequest) (*domain.Transfer, error) {
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	started := time.Now()
	t, err := s.gateway.FindTransferByReference(gwCtx, p.ExternalReference)
	if errors.Is(err, domain.ErrTransferNotFound) {
		s.metrics.ObserveGatewayCall("find_transfer", started, nil)
		return nil, err
	}
	s.metrics.ObserveGatewayCall("find_transfer", started, err)
	if err != nil {
		return nil, fmt.Errorf("gateway error: %w", err)
	}
	return t, nil
}

// beginProcessing moves a pending payout to processing and loads its bank
// account. It returns a nil payout when there is nothing left to do; resumed
// is set when the payout was already processing.
func (s *settlementService) beginProcessing(ctx context.Context, payoutID int64) (*domain.PayoutRequest, *domain.BankAccount, bool, error) {
	var (
		payout  *domain.PayoutRequest
		account *domain.BankAccount
		resumed bool
	)
	err := withLocked(ctx, s.store, lockPayout(payoutID), func(ctx context.Context, tx repository.Tx, p *domain.PayoutRequest) error {
		if p.Status.Terminal() {
			return nil
		}
		resumed = p.Status == domain.PayoutStatusProcessing
		if p.Status == domain.PayoutStatusPending {
			if err := p.TransitionTo(domain.PayoutStatusProcessing, s.now()); err != nil {
				return err
			}
			if err := tx.Payouts().Update(ctx, p); err != nil {
				return fmt.Errorf("failed to mark payout processing: %w", err)
			}
			logger.Transition("payout", p.ID, string(domain.PayoutStatusPending), string(p.Status))
		}

		acct, err := tx.BankAccounts().GetByID(ctx, p.BankAccountID)
		if err != nil {
			return fmt.Errorf("failed to load bank account %d: %w", p.BankAccountID, err)
		}
		payout, account = p, acct
		return nil
	})
	return payout, account, resumed, err
}

func (s *settlementService) recordAccepted(ctx context.Context, payoutID int64, t *domain.Transfer) error {
	return withLocked(ctx, s.store, lockPayout(payoutID), func(ctx context.Context, tx repository.Tx, p *domain.PayoutRequest) error {
		if p.Status != domain.PayoutStatusProcessing || t.ID == "" {
			return nil
		}
		id := t.ID
		p.ExternalTransferID = &id
		p.TransferFee = t.Fee
		p.NetAmount = p.ConvertedAmount.Sub(t.Fee)
		if err := tx.Payouts().Update(ctx, p); err != nil {
			return fmt.Errorf("failed to record transfer id: %w", err)
		}
		logger.Info("Transfer accepted by gateway", "payoutID", p.ID, "transferID", id, "status", t.Status)
		return nil
	})
}

// finalize marks a processing payout successful. Repeating it is a no-op.
func (s *settlementService) finalize(ctx context.Context, payoutID int64, t *domain.Transfer) (*domain.PayoutRequest, error) {
	var (
		payout  *domain.PayoutRequest
		changed bool
	)
	err := withLocked(ctx, s.store, lockPayout(payoutID), func(ctx context.Context, tx repository.Tx, p *domain.PayoutRequest) error {
		payout = p
		if p.Status == domain.PayoutStatusSuccessful {
			return nil
		}
		if p.Status != domain.PayoutStatusProcessing {
			return domain.NewConflictError(fmt.Sprintf("payout %d is %s and cannot be completed", p.ID, p.Status))
		}
		if _, err := lockWallet(p.Owner)(ctx, tx); err != nil {
			return err
		}

		if err := p.TransitionTo(domain.PayoutStatusSuccessful, s.now()); err != nil {
			return err
		}
		if t.ID != "" {
			id := t.ID
			p.ExternalTransferID = &id
		}
		p.TransferFee = t.Fee
		p.NetAmount = p.ConvertedAmount.Sub(t.Fee)
		if err := tx.Payouts().Update(ctx, p); err != nil {
			return fmt.Errorf("failed to complete payout: %w", err)
		}
		if err := s.settleReservation(ctx, tx, p); err != nil {
			return err
		}
		if err := tx.Wallets().AddLifetimePayout(ctx, p.Owner, p.RequestedAmount); err != nil {
			return fmt.Errorf("failed to update lifetime payouts: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.metrics.PayoutSettled(string(domain.PayoutStatusSuccessful))
		logger.Transition("payout", payout.ID, string(domain.PayoutStatusProcessing), string(payout.Status))
		logger.Money("payout_completed", "owner", payout.Owner.String(), "payoutID", payout.ID,
			"amount", payout.RequestedAmount.String(), "fee", payout.TransferFee.String())
	}
	return payout, nil
}

// settleReservation finalises the reservation debit. It counts toward the
// balance whatever the outcome; a failure is compensated by the refund credit.
func (s *settlementService) settleReservation(ctx context.Context, tx repository.Tx, p *domain.PayoutRequest) error {
	if p.ReservationEntryID == nil {
		return nil
	}
	entry, err := tx.Ledger().GetByID(ctx, *p.ReservationEntryID)
	if err != nil {
		return fmt.Errorf("failed to load reservation %d: %w", *p.ReservationEntryID, err)
	}
	if entry.Status != domain.EntryStatusPending {
		return nil
	}
	if err := tx.Ledger().UpdateStatus(ctx, entry.ID, domain.EntryStatusSuccessful); err != nil {
		return fmt.Errorf("failed to settle reservation %d: %w", entry.ID, err)
	}
	return nil
}

// Refund fails the payout and credits the reserved amount back, exactly once.
func (s *settlementService) Refund(ctx context.Context, payoutID int64, reason string) (*domain.PayoutRequest, error) {
	logger.EnterMethod("settlementService.Refund", "payoutID", payoutID, "reason", reason)

	var (
		payout   *domain.PayoutRequest
		refunded bool
	)
	err := withLocked(ctx, s.store, lockPayout(payoutID), func(ctx context.Context, tx repository.Tx, p *domain.PayoutRequest) error {
		payout = p
		if p.Refunded {
			return nil
		}
		switch p.Status {
		case domain.PayoutStatusSuccessful:
			return domain.NewConflictError(fmt.Sprintf("payout %d was paid out and cannot be refunded", p.ID))
		case domain.PayoutStatusCancelled:
			return domain.NewConflictError(fmt.Sprintf("payout %d was cancelled", p.ID))
		case domain.PayoutStatusPending:
			if err := p.TransitionTo(domain.PayoutStatusProcessing, s.now()); err != nil {
				return err
			}
		}

		w, err := lockWallet(p.Owner)(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.settleReservation(ctx, tx, p); err != nil {
			return err
		}

		key := domain.RefundIdempotencyKey(p.ID)
		refund, err := s.ledger.apply(ctx, tx, w, entryInput{
			Direction:      domain.DirectionCredit,
			Amount:         p.RequestedAmount,
			ServiceName:    domain.ServicePayoutRefund,
			Reference:      p.ExternalReference + "-REFUND",
			Related:        &domain.RelatedEntity{Type: domain.RelatedPayout, ID: p.ID},
			IdempotencyKey: &key,
			Metadata:       map[string]any{"reason": reason},
		})
		if errors.Is(err, repository.ErrDuplicate) {
			return errAlreadyRefunded
		}
		if err != nil {
			return err
		}

		if err := p.TransitionTo(domain.PayoutStatusFailed, s.now()); err != nil {
			return err
		}
		r := reason
		p.FailureReason = &r
		p.Refunded = true
		p.RefundEntryID = &refund.ID
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		p.Metadata["refunded"] = true
		if err := tx.Payouts().Update(ctx, p); err != nil {
			return fmt.Errorf("failed to mark payout failed: %w", err)
		}
		refunded = true
		return nil
	})
	if errors.Is(err, errAlreadyRefunded) {
		logger.Warn("Refund credit already exists, skipping", "payoutID", payoutID)
		p, err := s.store.Payouts().GetByID(ctx, payoutID)
		logger.ExitMethod("settlementService.Refund", "payoutID", payoutID, "result", "already_refunded")
		return p, err
	}
	if err != nil {
		logger.ExitMethodWithError("settlementService.Refund", err, "payoutID", payoutID)
		return nil, err
	}

	if refunded {
		s.metrics.RefundIssued()
		s.metrics.PayoutSettled(string(domain.PayoutStatusFailed))
		logger.Money("payout_refunded", "owner", payout.Owner.String(), "payoutID", payout.ID,
			"amount", payout.RequestedAmount.String(), "refundEntryID", *payout.RefundEntryID, "reason", reason)
	}
	logger.ExitMethod("settlementService.Refund", "payoutID", payoutID, "status", payout.Status)
	return payout, nil
}

// Abandon refunds a payout whose task ran out of attempts, unless the gateway
// already has the transfer; that one is left for the status poller. A
// processing payout is only refunded once the gateway confirms it has never
// seen the reference.
func (s *settlementService) Abandon(ctx context.Context, payoutID int64, reason string) (*domain.PayoutRequest, error) {
	p, err := s.store.Payouts().GetByID(ctx, payoutID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payout %d: %w", payoutID, err)
	}
	if !p.Status.InFlight() {
		return p, nil
	}
	if p.ExternalTransferID != nil {
		logger.Warn("Settlement attempts exhausted after gateway accepted transfer, leaving for poller",
			"payoutID", p.ID, "transferID", *p.ExternalTransferID)
		return p, nil
	}

	if p.Status == domain.PayoutStatusProcessing {
		t, err := s.lookupByReference(ctx, p)
		switch {
		case errors.Is(err, domain.ErrTransferNotFound):
		case err != nil:
			return nil, fmt.Errorf("cannot confirm payout %d was never sent, not refunding: %w", p.ID, err)
		default:
			logger.Warn("Abandoned payout has a transfer at the gateway", "payoutID", p.ID, "transferID", t.ID, "status", t.Status)
			if err := s.applyTransfer(ctx, p.ID, t); err != nil {
				return nil, err
			}
			return s.store.Payouts().GetByID(ctx, p.ID)
		}
	}
	return s.Refund(ctx, payoutID, reason)
}

// RefreshStatus asks the gateway about an accepted transfer and applies a
// final answer. Unfinished transfers are returned unchanged.
func (s *settlementService) RefreshStatus(ctx context.Context, payoutID int64) (*domain.PayoutRequest, error) {
	p, err := s.store.Payouts().GetByID(ctx, payoutID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NewNotFoundError("payout", payoutID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout %d: %w", payoutID, err)
	}
	if !p.Status.InFlight() || p.ExternalTransferID == nil {
		return p, nil
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	started := time.Now()
	t, err := s.gateway.GetTransferStatus(gwCtx, *p.ExternalTransferID)
	cancel()
	s.metrics.ObserveGatewayCall("get_transfer_status", started, err)
	if err != nil {
		return nil, fmt.Errorf("gateway error: %w", err)
	}

	switch {
	case t.Status.Settled():
		if t.ID == "" {
			t.ID = *p.ExternalTransferID
		}
		return s.finalize(ctx, p.ID, t)
	case t.Status.Rejected():
		return s.Refund(ctx, p.ID, "transfer "+string(t.Status))
	}
	return p, nil
}

// PollInFlight refreshes accepted transfers not updated for olderThan and
// returns how many reached a final state.
func (s *settlementService) PollInFlight(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	payouts, err := s.store.Payouts().ListAwaitingGateway(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight payouts: %w", err)
	}

	finished := 0
	var errs []error
	for _, p := range payouts {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		refreshed, err := s.RefreshStatus(ctx, p.ID)
		if err != nil {
			logger.Error("Failed to refresh payout status", "payoutID", p.ID, "error", err)
			errs = append(errs, fmt.Errorf("payout %d: %w", p.ID, err))
			continue
		}
		if refreshed.Status.Terminal() {
			finished++
		}
	}
	logger.Info("Polled in-flight payouts", "checked", len(payouts), "finished", finished, "errors", len(errs))
	return finished, errors.Join(errs...)
}
