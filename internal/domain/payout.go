package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusSuccessful PayoutStatus = "successful"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusCancelled  PayoutStatus = "cancelled"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusCancelled},
	PayoutStatusProcessing: {PayoutStatusSuccessful, PayoutStatusFailed},
}

func ParsePayoutStatus(s string) (PayoutStatus, error) {
	switch PayoutStatus(s) {
	case PayoutStatusPending, PayoutStatusProcessing, PayoutStatusSuccessful, PayoutStatusFailed, PayoutStatusCancelled:
		return PayoutStatus(s), nil
	}
	return "", NewValidationError("unknown payout status " + s)
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InFlight reports whether funds are reserved and the outcome is not known yet.
func (s PayoutStatus) InFlight() bool {
	return s == PayoutStatusPending || s == PayoutStatusProcessing
}

func (s PayoutStatus) Terminal() bool {
	return len(payoutTransitions[s]) == 0
}

// InFlightPayoutStatuses is used for the single in-flight payout check.
var InFlightPayoutStatuses = []PayoutStatus{PayoutStatusPending, PayoutStatusProcessing}

type PayoutRequest struct {
	ID                 int64           `json:"id"`
	Owner              WalletOwnerRef  `json:"owner"`
	BankAccountID      int64           `json:"bank_account_id"`
	RequestedAmount    decimal.Decimal `json:"requested_amount"`
	RequestedCurrency  string          `json:"requested_currency"`
	WalletCurrency     string          `json:"wallet_currency"`
	ConvertedAmount    decimal.Decimal `json:"converted_amount"`
	FXRate             decimal.Decimal `json:"fx_rate"`
	TransferFee        decimal.Decimal `json:"transfer_fee"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	ExternalTransferID *string         `json:"external_transfer_id,omitempty"`
	ExternalReference  string          `json:"reference"`
	Status             PayoutStatus    `json:"status"`
	FailureReason      *string         `json:"failure_reason,omitempty"`
	ReservationEntryID *int64          `json:"reservation_entry_id,omitempty"`
	RefundEntryID      *int64          `json:"refund_entry_id,omitempty"`
	Refunded           bool            `json:"refunded"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TransitionTo moves the request along the state machine or returns a ConflictError.
func (p *PayoutRequest) TransitionTo(next PayoutStatus, at time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return NewConflictError("payout " + p.ExternalReference + " cannot move from " + string(p.Status) + " to " + string(next))
	}
	switch next {
	case PayoutStatusProcessing:
		p.ProcessedAt = &at
	case PayoutStatusSuccessful, PayoutStatusFailed:
		p.CompletedAt = &at
	case PayoutStatusCancelled:
		p.CancelledAt = &at
	}
	p.Status = next
	p.UpdatedAt = at
	return nil
}

// PayoutPage is one page of a tutor's payout history.
type PayoutPage struct {
	Payouts []PayoutRequest `json:"payouts"`
	Total   int64           `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

// InFlightSummary reports payouts whose funds are reserved but unconfirmed.
type InFlightSummary struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}
