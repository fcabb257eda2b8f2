package jobs

import (
	"context"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
)

// Reconcile audits one wallet and, with fix, repairs its cached balance.
func (jr *JobRunner) Reconcile(owner domain.WalletOwnerRef, fix bool) (*domain.ReconciliationReport, error) {
	var report *domain.ReconciliationReport
	err := jr.runWithRecovery("Reconcile", func(ctx context.Context) error {
		var err error
		report, err = jr.services.Reconciliation.Run(ctx, owner, fix)
		return err
	})
	return report, err
}

// AuditWallets audits every wallet and returns the ones that drifted.
func (jr *JobRunner) AuditWallets(fix bool) ([]domain.ReconciliationReport, error) {
	var flagged []domain.ReconciliationReport
	err := jr.runWithRecovery("AuditWallets", func(ctx context.Context) error {
		var err error
		flagged, err = jr.services.Reconciliation.AuditAll(ctx, fix)
		for _, r := range flagged {
			logger.Warn("Wallet drift", "owner", r.Owner.String(), "difference", r.Difference.String(), "corrected", r.Corrected)
		}
		return err
	})
	return flagged, err
}
