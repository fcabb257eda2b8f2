package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/security"
	"tutor-wallet-backend/internal/service"
)

type MockLedgerService struct {
	mock.Mock
}

func (m *MockLedgerService) RecordEntry(ctx context.Context, in service.RecordEntryInput) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*domain.LedgerEntry)
	return res, args.Error(1)
}

func (m *MockLedgerService) GetWallet(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error) {
	args := m.Called(ctx, owner)
	res, _ := args.Get(0).(*domain.Wallet)
	return res, args.Error(1)
}

func (m *MockLedgerService) ListEntries(ctx context.Context, owner domain.WalletOwnerRef, page, limit int) ([]domain.LedgerEntry, int64, error) {
	args := m.Called(ctx, owner, page, limit)
	res, _ := args.Get(0).([]domain.LedgerEntry)
	return res, args.Get(1).(int64), args.Error(2)
}

type MockPayoutService struct {
	mock.Mock
}

func (m *MockPayoutService) RequestPayout(ctx context.Context, owner domain.WalletOwnerRef, in service.PayoutInput) (*domain.PayoutRequest, error) {
	args := m.Called(ctx, owner, in)
	res, _ := args.Get(0).(*domain.PayoutRequest)
	return res, args.Error(1)
}

func (m *MockPayoutService) GetPayout(ctx context.Context, owner domain.WalletOwnerRef, payoutID int64) (*domain.PayoutRequest, error) {
	args := m.Called(ctx, owner, payoutID)
	res, _ := args.Get(0).(*domain.PayoutRequest)
	return res, args.Error(1)
}

func (m *MockPayoutService) ListPayouts(ctx context.Context, owner domain.WalletOwnerRef, status *domain.PayoutStatus, page, limit int) (*domain.PayoutPage, error) {
	args := m.Called(ctx, owner, status, page, limit)
	res, _ := args.Get(0).(*domain.PayoutPage)
	return res, args.Error(1)
}

func (m *MockPayoutService) CancelPayout(ctx context.Context, owner domain.WalletOwnerRef, payoutID int64) (*domain.PayoutRequest, error) {
	args := m.Called(ctx, owner, payoutID)
	res, _ := args.Get(0).(*domain.PayoutRequest)
	return res, args.Error(1)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

var tutor = domain.WalletOwnerRef{Kind: domain.OwnerSoleTutor, ID: 42}

type harness struct {
	ledger  *MockLedgerService
	payouts *MockPayoutService
	tokens  security.TokenManager
	router  http.Handler
}

func newHarness(t *testing.T, db Pinger) *harness {
	t.Helper()
	h := &harness{
		ledger:  new(MockLedgerService),
		payouts: new(MockPayoutService),
		tokens:  security.NewTokenManager("test-secret", "tutor-wallet"),
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h.router = NewRouter(NewHandler(h.ledger, h.payouts, db), NewAuthMiddleware(h.tokens), "/metrics", metrics)
	t.Cleanup(func() {
		h.ledger.AssertExpectations(t)
		h.payouts.AssertExpectations(t)
	})
	return h
}

func (h *harness) token(t *testing.T, owner domain.WalletOwnerRef, roles ...string) string {
	t.Helper()
	tok, err := h.tokens.GenerateAccessToken(owner, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRouter_Auth(t *testing.T) {
	t.Run("PublicRoutesNeedNoToken", func(t *testing.T) {
		h := newHarness(t, stubPinger{})
		rec := h.do(http.MethodGet, "/healthz", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(http.MethodGet, "/metrics", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("MissingToken", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(http.MethodGet, "/api/v1/wallet", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(http.MethodGet, "/api/v1/wallet", "not-a-jwt", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("TokenFromOtherSecret", func(t *testing.T) {
		h := newHarness(t, nil)
		other := security.NewTokenManager("other-secret", "tutor-wallet")
		tok, err := other.GenerateAccessToken(tutor, nil, time.Hour)
		require.NoError(t, err)

		rec := h.do(http.MethodGet, "/api/v1/wallet", tok, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("OwnerTokenCannotRecordEntries", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(http.MethodPost, "/internal/v1/wallets/sole_tutor/42/entries", h.token(t, tutor),
			`{"direction":"credit","amount":"10","currency":"NGN","service_name":"lessons","reference":"L-1"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestHandler_RequestPayout(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		h := newHarness(t, nil)
		account := int64(3)
		h.payouts.On("RequestPayout", mock.Anything, tutor, mock.MatchedBy(func(in service.PayoutInput) bool {
			return in.Amount.Equal(decimal.NewFromInt(500)) && in.Currency == "NGN" &&
				in.BankAccountID != nil && *in.BankAccountID == account
		})).Return(&domain.PayoutRequest{
			ID:                11,
			Owner:             tutor,
			RequestedAmount:   decimal.NewFromInt(500),
			ExternalReference: "PAYOUT-ABC",
			Status:            domain.PayoutStatusPending,
		}, nil).Once()

		rec := h.do(http.MethodPost, "/api/v1/payouts", h.token(t, tutor),
			`{"amount": 500, "bank_account_id": 3, "currency": "ngn"}`)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		got := decodeBody[domain.PayoutRequest](t, rec)
		assert.Equal(t, int64(11), got.ID)
		assert.Equal(t, domain.PayoutStatusPending, got.Status)
		assert.Equal(t, "PAYOUT-ABC", got.ExternalReference)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(http.MethodPost, "/api/v1/payouts", h.token(t, tutor), `{"amount": "-5", "currency": "NAIRA"}`)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		got := decodeBody[errorResponse](t, rec)
		assert.Equal(t, "gt=0", got.Fields["amount"])
		assert.Equal(t, "len=3", got.Fields["currency"])
	})

	t.Run("UnknownField", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(http.MethodPost, "/api/v1/payouts", h.token(t, tutor), `{"amount": 5, "wallet_id": 1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("RequestPayout", mock.Anything, tutor, mock.Anything).
			Return(nil, &domain.InsufficientFundsError{Available: decimal.RequireFromString("120.5"), Currency: "NGN"}).Once()

		rec := h.do(http.MethodPost, "/api/v1/payouts", h.token(t, tutor), `{"amount": 500}`)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		got := decodeBody[errorResponse](t, rec)
		assert.Equal(t, "120.50", got.Details["available"])
		assert.Equal(t, "NGN", got.Details["currency"])
	})

	t.Run("InFlightConflict", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("RequestPayout", mock.Anything, tutor, mock.Anything).
			Return(nil, domain.NewConflictError("a payout is already in progress")).Once()

		rec := h.do(http.MethodPost, "/api/v1/payouts", h.token(t, tutor), `{"amount": 500}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("ExchangeRateUnavailable", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("RequestPayout", mock.Anything, tutor, mock.Anything).
			Return(nil, &domain.ServiceUnavailableError{Service: "exchange rates", Reason: "no rate", RetryAfter: 90 * time.Second}).Once()

		rec := h.do(http.MethodPost, "/api/v1/payouts", h.token(t, tutor), `{"amount": 500, "currency": "USD"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	})

	t.Run("UnexpectedErrorIsHidden", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("RequestPayout", mock.Anything, tutor, mock.Anything).
			Return(nil, errors.New("pq: connection reset")).Once()

		rec := h.do(http.MethodPost, "/api/v1/payouts", h.token(t, tutor), `{"amount": 500}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "pq:")
	})
}

func TestHandler_Payouts(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("GetPayout", mock.Anything, tutor, int64(11)).
			Return(&domain.PayoutRequest{ID: 11, Status: domain.PayoutStatusProcessing}, nil).Once()

		rec := h.do(http.MethodGet, "/api/v1/payouts/11", h.token(t, tutor), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, domain.PayoutStatusProcessing, decodeBody[domain.PayoutRequest](t, rec).Status)
	})

	t.Run("GetOtherOwnersPayout", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("GetPayout", mock.Anything, tutor, int64(12)).
			Return(nil, domain.NewNotFoundError("payout", 12)).Once()

		rec := h.do(http.MethodGet, "/api/v1/payouts/12", h.token(t, tutor), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ListWithStatus", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("ListPayouts", mock.Anything, tutor, mock.MatchedBy(func(s *domain.PayoutStatus) bool {
			return s != nil && *s == domain.PayoutStatusFailed
		}), 2, 10).Return(&domain.PayoutPage{Payouts: []domain.PayoutRequest{{ID: 1}}, Total: 11, Page: 2, Limit: 10}, nil).Once()

		rec := h.do(http.MethodGet, "/api/v1/payouts?status=failed&page=2&limit=10", h.token(t, tutor), "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeBody[domain.PayoutPage](t, rec)
		assert.Equal(t, int64(11), got.Total)
		assert.Len(t, got.Payouts, 1)
	})

	t.Run("ListRejectsBadQuery", func(t *testing.T) {
		h := newHarness(t, nil)
		for _, q := range []string{"status=paid", "limit=500", "page=abc"} {
			rec := h.do(http.MethodGet, "/api/v1/payouts?"+q, h.token(t, tutor), "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		h := newHarness(t, nil)
		h.payouts.On("CancelPayout", mock.Anything, tutor, int64(11)).
			Return(&domain.PayoutRequest{ID: 11, Status: domain.PayoutStatusCancelled}, nil).Once()

		rec := h.do(http.MethodPost, "/api/v1/payouts/11/cancel", h.token(t, tutor), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, domain.PayoutStatusCancelled, decodeBody[domain.PayoutRequest](t, rec).Status)
	})
}

func TestHandler_Wallet(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.On("GetWallet", mock.Anything, tutor).
			Return(&domain.Wallet{Owner: tutor, Balance: decimal.NewFromInt(1000), Currency: "NGN"}, nil).Once()

		rec := h.do(http.MethodGet, "/api/v1/wallet", h.token(t, tutor), "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeBody[domain.Wallet](t, rec)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("EntriesUseDefaultPage", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.On("ListEntries", mock.Anything, tutor, 1, 20).Return(nil, int64(0), nil).Once()

		rec := h.do(http.MethodGet, "/api/v1/wallet/entries", h.token(t, tutor), "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeBody[entriesPage](t, rec)
		assert.NotNil(t, got.Entries)
		assert.Equal(t, 1, got.Page)
		assert.Equal(t, 20, got.Limit)
	})
}

func TestHandler_RecordEntry(t *testing.T) {
	system := domain.WalletOwnerRef{Kind: domain.OwnerOrganization, ID: 1}

	t.Run("Created", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.On("RecordEntry", mock.Anything, mock.MatchedBy(func(in service.RecordEntryInput) bool {
			return in.Owner == tutor && in.Direction == domain.DirectionCredit &&
				in.Amount.Equal(decimal.RequireFromString("2500.75")) && in.Reference == "LESSON-9"
		})).Return(&domain.LedgerEntry{ID: 5, Owner: tutor, Reference: "LESSON-9"}, nil).Once()

		rec := h.do(http.MethodPost, "/internal/v1/wallets/sole_tutor/42/entries", h.token(t, system, security.RoleSystem),
			`{"direction":"credit","amount":"2500.75","currency":"NGN","service_name":"lessons","reference":"LESSON-9","metadata":{"lesson_id":9}}`)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, int64(5), decodeBody[domain.LedgerEntry](t, rec).ID)
	})

	t.Run("DuplicateReference", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.On("RecordEntry", mock.Anything, mock.Anything).
			Return(nil, domain.NewConflictError("reference LESSON-9 already recorded")).Once()

		rec := h.do(http.MethodPost, "/internal/v1/wallets/sole_tutor/42/entries", h.token(t, system, security.RoleSystem),
			`{"direction":"credit","amount":"10","currency":"NGN","service_name":"lessons","reference":"LESSON-9"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("UnknownOwnerType", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(http.MethodPost, "/internal/v1/wallets/parent/42/entries", h.token(t, system, security.RoleSystem),
			`{"direction":"credit","amount":"10","currency":"NGN","service_name":"lessons","reference":"L-1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("BadDirection", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(http.MethodPost, "/internal/v1/wallets/sole_tutor/42/entries", h.token(t, system, security.RoleSystem),
			`{"direction":"sideways","amount":"10","currency":"NGN","service_name":"lessons","reference":"L-1"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody[errorResponse](t, rec).Fields, "direction")
	})
}

func TestHandler_Health(t *testing.T) {
	h := newHarness(t, stubPinger{err: errors.New("connection refused")})
	rec := h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
