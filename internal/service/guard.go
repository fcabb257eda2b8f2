package service

import (
	"context"
	"errors"
	"fmt"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/repository"
)

// withLocked opens a transaction, runs lock to take the row locks and hands
// the locked rows to fn. Validation that depends on the locked state belongs
// in fn so it runs again if the transaction is retried.
func withLocked[T any](
	ctx context.Context,
	runner repository.TxRunner,
	lock func(ctx context.Context, tx repository.Tx) (T, error),
	fn func(ctx context.Context, tx repository.Tx, locked T) error,
) error {
	return runner.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		locked, err := lock(ctx, tx)
		if err != nil {
			return err
		}
		return fn(ctx, tx, locked)
	})
}

// lockWallet is the lock step for every balance read-modify-write.
func lockWallet(owner domain.WalletOwnerRef) func(ctx context.Context, tx repository.Tx) (*domain.Wallet, error) {
	return func(ctx context.Context, tx repository.Tx) (*domain.Wallet, error) {
		w, err := tx.Wallets().GetForUpdate(ctx, owner)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewNotFoundError("wallet", owner.String())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock wallet %s: %w", owner, err)
		}
		return w, nil
	}
}

// lockPayout is the lock step for payout state transitions.
func lockPayout(payoutID int64) func(ctx context.Context, tx repository.Tx) (*domain.PayoutRequest, error) {
	return func(ctx context.Context, tx repository.Tx) (*domain.PayoutRequest, error) {
		p, err := tx.Payouts().GetForUpdate(ctx, payoutID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewNotFoundError("payout", payoutID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock payout %d: %w", payoutID, err)
		}
		return p, nil
	}
}
