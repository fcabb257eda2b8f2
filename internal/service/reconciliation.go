package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository"
)

const auditPageSize = 100

type reconciliationService struct {
	store   repository.Store
	epsilon decimal.Decimal
	metrics *metrics.Metrics
	ledger  ledgerWriter
	now     func() time.Time
}

func NewReconciliationService(store repository.Store, epsilon decimal.Decimal, m *metrics.Metrics) ReconciliationService {
	return &reconciliationService{
		store:   store,
		epsilon: epsilon.Abs(),
		metrics: m,
		ledger:  ledgerWriter{metrics: m},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run audits one wallet against its ledger and, when fix is set, repairs the
// cached balance with a correction entry.
func (s *reconciliationService) Run(ctx context.Context, owner domain.WalletOwnerRef, fix bool) (*domain.ReconciliationReport, error) {
	logger.EnterMethod("reconciliationService.Run", "owner", owner.String(), "fix", fix)

	report, err := s.run(ctx, owner, fix)
	if err != nil {
		var mismatch *domain.CalculationMismatchError
		if errors.As(err, &mismatch) {
			s.metrics.Reconciliation("mismatch")
		} else {
			s.metrics.Reconciliation("error")
		}
		logger.ExitMethodWithError("reconciliationService.Run", err, "owner", owner.String())
		return report, err
	}

	switch {
	case report.Corrected:
		s.metrics.Reconciliation("corrected")
	case report.Discrepancy:
		s.metrics.Reconciliation("discrepancy")
	default:
		s.metrics.Reconciliation("clean")
	}
	logger.ExitMethod("reconciliationService.Run",
		"owner", owner.String(), "current", report.CurrentBalance.String(), "expected", report.ExpectedBalance.String(),
		"difference", report.Difference.String(), "discrepancy", report.Discrepancy, "corrected", report.Corrected)
	return report, nil
}

func (s *reconciliationService) run(ctx context.Context, owner domain.WalletOwnerRef, fix bool) (*domain.ReconciliationReport, error) {
	wallet, err := s.store.Wallets().GetByOwner(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NewNotFoundError("wallet", owner.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	entries, err := s.store.Ledger().ListForAudit(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	calculated, reserved := foldLedger(entries)

	inflight, err := s.store.Payouts().SummarizeInFlight(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize in-flight payouts: %w", err)
	}

	expected := calculated.Sub(reserved)
	report := &domain.ReconciliationReport{
		Owner:             owner,
		Currency:          wallet.Currency,
		CurrentBalance:    wallet.Balance,
		CalculatedBalance: calculated,
		ReservedBalance:   reserved,
		PendingPayouts:    inflight.Amount,
		PendingCount:      inflight.Count,
		ExpectedBalance:   expected,
		Difference:        wallet.Balance.Sub(expected),
		EntriesScanned:    len(entries),
		CheckedAt:         s.now(),
	}
	report.Discrepancy = report.Difference.Abs().GreaterThan(s.epsilon)
	if !report.Discrepancy {
		return report, nil
	}

	logger.Warn("Wallet balance drift detected",
		"owner", owner.String(), "current", report.CurrentBalance.String(),
		"expected", expected.String(), "difference", report.Difference.String())
	if !fix {
		return report, nil
	}

	// Second, independent computation; the fix is only applied if both agree.
	settled, held, err := s.store.Ledger().SumForAudit(ctx, owner)
	if err != nil {
		return report, fmt.Errorf("failed to recompute balance: %w", err)
	}
	if !settled.Equal(calculated) {
		return report, &domain.CalculationMismatchError{Owner: owner, First: calculated, Second: settled}
	}
	if !held.Equal(reserved) {
		return report, &domain.CalculationMismatchError{Owner: owner, First: reserved, Second: held}
	}

	err = withLocked(ctx, s.store, lockWallet(owner), func(ctx context.Context, tx repository.Tx, w *domain.Wallet) error {
		if !w.Balance.Equal(report.CurrentBalance) {
			return domain.NewConflictError(fmt.Sprintf("balance of %s changed during reconciliation, run again", owner))
		}

		direction := domain.DirectionCredit
		if report.Difference.IsPositive() {
			direction = domain.DirectionDebit
		}
		entry, err := s.ledger.apply(ctx, tx, w, entryInput{
			Direction:   direction,
			Amount:      report.Difference.Abs(),
			ServiceName: domain.ServiceBalanceCorrection,
			Reference:   fmt.Sprintf("RECON-%s-%d-%d", owner.Kind, owner.ID, report.CheckedAt.UnixNano()),
			Kind:        domain.EntryKindCorrection,
			Metadata: map[string]any{
				"reason_code": domain.ReasonLedgerDrift,
				"calculated":  calculated.String(),
				"reserved":    reserved.String(),
				"previous":    report.CurrentBalance.String(),
			},
		})
		if err != nil {
			return err
		}
		report.CorrectionEntryID = &entry.ID
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Corrected = true
	logger.Money("balance_corrected", "owner", owner.String(), "from", report.CurrentBalance.String(),
		"to", expected.String(), "entryID", *report.CorrectionEntryID)
	return report, nil
}

// foldLedger replays entries in order. Correction entries record cache repairs
// and are not money movements, so they are skipped.
func foldLedger(entries []domain.LedgerEntry) (calculated, reserved decimal.Decimal) {
	calculated, reserved = decimal.Zero, decimal.Zero
	for i := range entries {
		e := &entries[i]
		switch {
		case e.CountsTowardBalance():
			calculated = calculated.Add(e.Signed())
		case e.IsHeldReservation():
			reserved = reserved.Add(e.Amount)
		}
	}
	return calculated, reserved
}

// AuditAll runs the audit over every wallet and returns the ones with a
// discrepancy. Per-wallet failures are collected and do not stop the sweep.
func (s *reconciliationService) AuditAll(ctx context.Context, fix bool) ([]domain.ReconciliationReport, error) {
	logger.EnterMethod("reconciliationService.AuditAll", "fix", fix)

	var (
		flagged []domain.ReconciliationReport
		errs    []error
		scanned int
	)
	for offset := 0; ; offset += auditPageSize {
		owners, err := s.store.Wallets().ListOwners(ctx, auditPageSize, offset)
		if err != nil {
			logger.ExitMethodWithError("reconciliationService.AuditAll", err)
			return flagged, fmt.Errorf("failed to list wallets: %w", err)
		}
		for _, owner := range owners {
			if ctx.Err() != nil {
				return flagged, ctx.Err()
			}
			scanned++
			report, err := s.Run(ctx, owner, fix)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", owner, err))
				continue
			}
			if report.Discrepancy {
				flagged = append(flagged, *report)
			}
		}
		if len(owners) < auditPageSize {
			break
		}
	}

	logger.ExitMethod("reconciliationService.AuditAll", "scanned", scanned, "flagged", len(flagged), "errors", len(errs))
	return flagged, errors.Join(errs...)
}
