package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/repository"
	"tutor-wallet-backend/internal/repository/postgres"
)

var tutor = domain.WalletOwnerRef{Kind: domain.OwnerSoleTutor, ID: 42}

func newMock(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return postgres.NewStore(db, 3), mock
}

func TestWalletRepository_GetForUpdate(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"owner_type", "owner_id", "balance", "currency", "lifetime_payouts", "created_at", "updated_at"}).
			AddRow("sole_tutor", 42, "150.25", "NGN", "20.00", now, now)
		mock.ExpectQuery(`SELECT .* FROM wallets WHERE owner_type = \$1 AND owner_id = \$2 FOR UPDATE`).
			WithArgs("sole_tutor", 42).
			WillReturnRows(rows)

		w, err := store.WalletRepository.GetForUpdate(ctx, tutor)
		require.NoError(t, err)
		assert.Equal(t, tutor, w.Owner)
		assert.True(t, w.Balance.Equal(decimal.RequireFromString("150.25")))
		assert.Equal(t, "NGN", w.Currency)
	})

	t.Run("Missing", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM wallets`).
			WithArgs("sole_tutor", 42).
			WillReturnRows(sqlmock.NewRows([]string{"owner_type"}))

		_, err := store.WalletRepository.GetForUpdate(ctx, tutor)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepository_UpdateBalance(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE wallets SET balance`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.WalletRepository.UpdateBalance(ctx, tutor, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_Insert(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()
	key := domain.RefundIdempotencyKey(7)

	newEntry := func() *domain.LedgerEntry {
		return &domain.LedgerEntry{
			Owner:          tutor,
			Direction:      domain.DirectionCredit,
			Amount:         decimal.NewFromInt(100),
			Currency:       "NGN",
			ServiceName:    domain.ServicePayoutRefund,
			Reference:      "PO-REF-7",
			BalanceBefore:  decimal.Zero,
			BalanceAfter:   decimal.NewFromInt(100),
			Status:         domain.EntryStatusSuccessful,
			Related:        &domain.RelatedEntity{Type: domain.RelatedPayout, ID: 7},
			IdempotencyKey: &key,
		}
	}

	t.Run("Inserted", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO ledger_entries .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(11, now, now))

		e := newEntry()
		require.NoError(t, store.LedgerRepository.Insert(ctx, e))
		assert.Equal(t, int64(11), e.ID)
		assert.Equal(t, domain.EntryKindTransaction, e.Kind)
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO ledger_entries`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

		err := store.LedgerRepository.Insert(ctx, newEntry())
		assert.ErrorIs(t, err, repository.ErrDuplicate)
	})

	t.Run("DuplicateReference", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO ledger_entries`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_ledger_entries_reference", Message: "duplicate key"})

		err := store.LedgerRepository.Insert(ctx, newEntry())
		assert.ErrorIs(t, err, repository.ErrDuplicate)
	})

	t.Run("NegativeBalanceRejected", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO ledger_entries`).
			WillReturnError(&pq.Error{Code: "23514", Constraint: "ledger_entries_balance_after_check"})

		err := store.LedgerRepository.Insert(ctx, newEntry())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger_entries_balance_after_check")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_SumForAudit(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .* FROM ledger_entries\s+WHERE owner_type = \$1 AND owner_id = \$2 AND kind = 'transaction'`).
		WithArgs("sole_tutor", 42).
		WillReturnRows(sqlmock.NewRows([]string{"settled", "reserved"}).AddRow("250.00", "100.00"))

	settled, reserved, err := store.LedgerRepository.SumForAudit(ctx, tutor)
	require.NoError(t, err)
	assert.True(t, settled.Equal(decimal.NewFromInt(250)))
	assert.True(t, reserved.Equal(decimal.NewFromInt(100)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepository_Create(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()

	newPayout := func() *domain.PayoutRequest {
		return &domain.PayoutRequest{
			Owner:             tutor,
			BankAccountID:     3,
			RequestedAmount:   decimal.NewFromInt(100),
			RequestedCurrency: "NGN",
			WalletCurrency:    "NGN",
			ConvertedAmount:   decimal.NewFromInt(100),
			FXRate:            decimal.NewFromInt(1),
			NetAmount:         decimal.NewFromInt(100),
			ExternalReference: "PO-abc",
			Status:            domain.PayoutStatusPending,
		}
	}

	t.Run("Created", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO payout_requests`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

		p := newPayout()
		require.NoError(t, store.PayoutRepository.Create(ctx, p))
		assert.Equal(t, int64(5), p.ID)
	})

	t.Run("SecondInFlight", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO payout_requests`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "payout_requests_one_in_flight", Message: "duplicate key"})

		err := store.PayoutRepository.Create(ctx, newPayout())
		assert.ErrorIs(t, err, repository.ErrInFlightPayout)
		assert.NotErrorIs(t, err, repository.ErrDuplicate)
	})

	t.Run("DuplicateReference", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO payout_requests`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "payout_requests_external_reference_key"})

		err := store.PayoutRepository.Create(ctx, newPayout())
		assert.ErrorIs(t, err, repository.ErrDuplicate)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_Claim(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()
	lockedUntil := now.Add(30 * time.Second)

	cols := []string{"id", "payout_id", "status", "attempts", "max_attempts", "available_at",
		"locked_by", "locked_until", "last_error", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(1, 10, "running", 1, 5, now, "worker-1", lockedUntil, nil, now, now).
		AddRow(2, 11, "running", 3, 5, now, "worker-1", lockedUntil, "gateway timeout", now, now)

	mock.ExpectQuery(`UPDATE settlement_tasks SET .* FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-1", float64(30), 10).
		WillReturnRows(rows)

	tasks, err := store.TaskRepository.Claim(ctx, "worker-1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.TaskStatusRunning, tasks[0].Status)
	assert.Nil(t, tasks[0].LastError)
	require.NotNil(t, tasks[1].LastError)
	assert.Equal(t, "gateway timeout", *tasks[1].LastError)
	assert.Equal(t, "worker-1", *tasks[1].LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_ReleaseExpired(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`UPDATE settlement_tasks SET status = 'queued'`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.TaskRepository.ReleaseExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBankAccountRepository_FindForOwner(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cols := []string{"id", "owner_type", "owner_id", "bank_code", "account_number", "account_name",
		"currency", "verified", "is_default", "created_at"}

	t.Run("DefaultAccount", func(t *testing.T) {
		mock.ExpectQuery(`ORDER BY is_default DESC`).
			WithArgs("sole_tutor", 42).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(3, "sole_tutor", 42, "058", "0123456789", "Ada Obi", "NGN", true, true, now))

		acct, err := store.BankAccountRepository.FindForOwner(ctx, tutor, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(3), acct.ID)
		assert.Equal(t, "******6789", acct.MaskedNumber())
	})

	t.Run("ExplicitAccount", func(t *testing.T) {
		id := int64(9)
		mock.ExpectQuery(`AND id = \$3`).
			WithArgs("sole_tutor", 42, 9).
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := store.BankAccountRepository.FindForOwner(ctx, tutor, &id)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnerDirectory_Resolve(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM organizations WHERE id = \$1`).
		WithArgs(8).
		WillReturnRows(sqlmock.NewRows([]string{"name", "contact_email", "is_active"}).AddRow("Bright Minds", "ops@bright.test", true))

	profile, err := store.Owners.Resolve(ctx, domain.WalletOwnerRef{Kind: domain.OwnerOrganization, ID: 8})
	require.NoError(t, err)
	assert.Equal(t, "Bright Minds", profile.DisplayName)
	assert.True(t, profile.Active)

	_, err = store.Owners.Resolve(ctx, domain.WalletOwnerRef{Kind: "parent", ID: 1})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InTx(t *testing.T) {
	ctx := context.Background()

	t.Run("Commit", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE ledger_entries SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.Ledger().UpdateStatus(ctx, 1, domain.EntryStatusSuccessful)
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		store, mock := newMock(t)
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RetriesSerializationFailure", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
		mock.ExpectBegin()
		mock.ExpectCommit()

		calls := 0
		err := store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			calls++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GivesUpAfterRetries", func(t *testing.T) {
		store, mock := newMock(t)
		for i := 0; i < 3; i++ {
			mock.ExpectBegin()
			mock.ExpectRollback()
		}

		calls := 0
		err := store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			calls++
			return repository.ErrSerialization
		})
		assert.ErrorIs(t, err, repository.ErrSerialization)
		assert.Equal(t, 3, calls)
	})
}
