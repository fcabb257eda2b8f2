package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/service"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) InitiateTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*domain.TransferResult)
	return res, args.Error(1)
}

func (m *MockGateway) GetTransferStatus(ctx context.Context, transferID string) (*domain.Transfer, error) {
	args := m.Called(ctx, transferID)
	res, _ := args.Get(0).(*domain.Transfer)
	return res, args.Error(1)
}

func (m *MockGateway) FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error) {
	args := m.Called(ctx, reference)
	res, _ := args.Get(0).(*domain.Transfer)
	return res, args.Error(1)
}

type MockConverter struct {
	mock.Mock
}

func (m *MockConverter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (*domain.Conversion, error) {
	args := m.Called(ctx, amount, from, to)
	res, _ := args.Get(0).(*domain.Conversion)
	return res, args.Error(1)
}

var (
	tutor   = domain.WalletOwnerRef{Kind: domain.OwnerSoleTutor, ID: 42}
	academy = domain.WalletOwnerRef{Kind: domain.OwnerOrganization, ID: 7}
	student = domain.WalletOwnerRef{Kind: domain.OwnerStudent, ID: 9}
)

type fixture struct {
	store      *memStore
	gateway    *MockGateway
	converter  *MockConverter
	accountID  int64
	ledger     service.LedgerService
	payouts    service.PayoutService
	settlement service.SettlementService
	recon      service.ReconciliationService
}

// newFixture seeds a tutor wallet in NGN with a verified default NGN account.
func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	store := newMemStore()
	store.addOwner(tutor, "Ada Obi")
	store.addWallet(tutor, balance, "NGN")
	accountID := store.addAccount(tutor, "NGN", true)
	return newFixtureWithStore(t, store, accountID)
}

func newFixtureWithStore(t *testing.T, store *memStore, accountID int64) *fixture {
	t.Helper()
	gw := new(MockGateway)
	conv := new(MockConverter)
	settlement := service.NewSettlementService(store, gw, time.Second, nil)
	f := &fixture{
		store:      store,
		gateway:    gw,
		converter:  conv,
		accountID:  accountID,
		ledger:     service.NewLedgerService(store, nil),
		settlement: settlement,
		payouts: service.NewPayoutService(store, conv, settlement, service.PayoutOptions{
			MinAmount:    decimal.NewFromInt(10),
			MaxAmount:    decimal.NewFromInt(1_000_000),
			MaxAttempts:  3,
			FXRetryAfter: time.Minute,
		}, nil),
		recon: service.NewReconciliationService(store, decimal.RequireFromString("0.01"), nil),
	}
	t.Cleanup(func() {
		gw.AssertExpectations(t)
		conv.AssertExpectations(t)
	})
	return f
}

// requireBalanced checks that the cached balance equals the settled ledger sum
// minus held reservations.
func requireBalanced(t *testing.T, store *memStore, owner domain.WalletOwnerRef) {
	t.Helper()
	settled, reserved := decimal.Zero, decimal.Zero
	for _, e := range store.entriesFor(owner) {
		if e.CountsTowardBalance() {
			settled = settled.Add(e.Signed())
		}
		if e.IsHeldReservation() {
			reserved = reserved.Add(e.Amount)
		}
	}
	w := store.wallet(owner)
	require.Truef(t, w.Balance.Equal(settled.Sub(reserved)),
		"balance %s != settled %s - reserved %s", w.Balance, settled, reserved)
	require.False(t, w.Balance.IsNegative())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func successTransfer(id, fee string) *domain.TransferResult {
	return &domain.TransferResult{
		Success:  true,
		Message:  "Transfer has been queued",
		Transfer: &domain.Transfer{ID: id, Fee: dec(fee), Status: domain.TransferSuccess},
	}
}
