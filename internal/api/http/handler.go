package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/service"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the wallet HTTP API.
type Handler struct {
	ledger   service.LedgerService
	payouts  service.PayoutService
	db       Pinger
	validate *validator.Validate
}

func NewHandler(ledger service.LedgerService, payouts service.PayoutService, db Pinger) *Handler {
	return &Handler{
		ledger:   ledger,
		payouts:  payouts,
		db:       db,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Amounts are validated as numbers.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

type payoutRequestBody struct {
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
	BankAccountID *int64          `json:"bank_account_id" validate:"omitempty,gt=0"`
	Currency      string          `json:"currency" validate:"omitempty,len=3,alpha"`
}

type listPayoutsQuery struct {
	Status string `json:"status" validate:"omitempty,oneof=pending processing successful failed cancelled"`
	Page   int    `json:"page" validate:"omitempty,gte=1"`
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

type pageQuery struct {
	Page  int `json:"page" validate:"omitempty,gte=1"`
	Limit int `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

type recordEntryBody struct {
	Direction   string          `json:"direction" validate:"required,oneof=credit debit"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"required,len=3,alpha"`
	ServiceName string          `json:"service_name" validate:"required,max=100"`
	Reference   string          `json:"reference" validate:"required,max=100"`
	Metadata    map[string]any  `json:"metadata"`
}

type entriesPage struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Total   int64                `json:"total"`
	Page    int                  `json:"page"`
	Limit   int                  `json:"limit"`
}

// RequestPayout handles POST /api/v1/payouts
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var body payoutRequestBody
	if !h.decode(w, r, &body) {
		return
	}

	payout, err := h.payouts.RequestPayout(r.Context(), owner, service.PayoutInput{
		Amount:        body.Amount,
		BankAccountID: body.BankAccountID,
		Currency:      strings.ToUpper(body.Currency),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payout)
}

// GetPayout handles GET /api/v1/payouts/{id}
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	payout, err := h.payouts.GetPayout(r.Context(), owner, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// ListPayouts handles GET /api/v1/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var q listPayoutsQuery
	q.Status = r.URL.Query().Get("status")
	if !queryInts(w, r, map[string]*int{"page": &q.Page, "limit": &q.Limit}) {
		return
	}
	if err := h.validate.Struct(q); err != nil {
		writeError(w, r, err)
		return
	}

	var status *domain.PayoutStatus
	if q.Status != "" {
		s, err := domain.ParsePayoutStatus(q.Status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status = &s
	}
	page, err := h.payouts.ListPayouts(r.Context(), owner, status, q.Page, q.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CancelPayout handles POST /api/v1/payouts/{id}/cancel
func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	payout, err := h.payouts.CancelPayout(r.Context(), owner, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// GetWallet handles GET /api/v1/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.GetWallet(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListEntries handles GET /api/v1/wallet/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var q pageQuery
	if !queryInts(w, r, map[string]*int{"page": &q.Page, "limit": &q.Limit}) {
		return
	}
	if err := h.validate.Struct(q); err != nil {
		writeError(w, r, err)
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = 20
	}

	entries, total, err := h.ledger.ListEntries(r.Context(), owner, q.Page, q.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entriesPage{Entries: entries, Total: total, Page: q.Page, Limit: q.Limit})
}

// RecordEntry handles POST /internal/v1/wallets/{owner_type}/{owner_id}/entries
func (h *Handler) RecordEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ownerID, err := strconv.ParseInt(vars["owner_id"], 10, 64)
	if err != nil {
		writeError(w, r, domain.NewValidationError("owner_id must be an integer"))
		return
	}
	owner, err := domain.NewOwnerRef(vars["owner_type"], ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body recordEntryBody
	if !h.decode(w, r, &body) {
		return
	}

	entry, err := h.ledger.RecordEntry(r.Context(), service.RecordEntryInput{
		Owner:       owner,
		Direction:   domain.Direction(body.Direction),
		Amount:      body.Amount,
		Currency:    body.Currency,
		ServiceName: body.ServiceName,
		Reference:   body.Reference,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (domain.WalletOwnerRef, bool) {
	owner, ok := ownerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "wallet owner token required"})
	}
	return owner, ok
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, domain.NewValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, domain.NewValidationError("id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func queryInts(w http.ResponseWriter, r *http.Request, dst map[string]*int) bool {
	for name, ptr := range dst {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, domain.NewValidationError(name+" must be an integer"))
			return false
		}
		*ptr = n
	}
	return true
}
