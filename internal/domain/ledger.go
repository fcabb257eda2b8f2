package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

func (d Direction) Valid() bool {
	return d == DirectionCredit || d == DirectionDebit
}

type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusSuccessful EntryStatus = "successful"
	EntryStatusFailed     EntryStatus = "failed"
	EntryStatusCancelled  EntryStatus = "cancelled"
)

// EntryKind separates real money movements from audit records of cache repairs.
type EntryKind string

const (
	EntryKindTransaction EntryKind = "transaction"
	EntryKindCorrection  EntryKind = "correction"
)

// Service names recorded on ledger entries
const (
	ServicePayoutRequest     = "Payout Request"
	ServicePayoutRefund      = "Payout Refund"
	ServiceBalanceCorrection = "Balance Correction"
)

// RelatedEntity points at the business object an entry belongs to.
type RelatedEntity struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

const RelatedPayout = "payout_request"

type LedgerEntry struct {
	ID             int64           `json:"id"`
	Owner          WalletOwnerRef  `json:"owner"`
	Direction      Direction       `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ServiceName    string          `json:"service_name"`
	Reference      string          `json:"reference"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Status         EntryStatus     `json:"status"`
	Kind           EntryKind       `json:"kind"`
	Related        *RelatedEntity  `json:"related_entity,omitempty"`
	IdempotencyKey *string         `json:"-"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Signed returns the amount with the sign of its direction.
func (e *LedgerEntry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// CountsTowardBalance reports whether the entry is part of the settled ledger sum.
func (e *LedgerEntry) CountsTowardBalance() bool {
	return e.Kind == EntryKindTransaction && e.Status == EntryStatusSuccessful
}

// IsHeldReservation reports whether the entry is a debit already taken from the
// cached balance but not yet externally confirmed.
func (e *LedgerEntry) IsHeldReservation() bool {
	return e.Kind == EntryKindTransaction && e.Status == EntryStatusPending && e.Direction == DirectionDebit
}

// RefundIdempotencyKey is the unique key of the one compensating credit a payout may own.
func RefundIdempotencyKey(payoutID int64) string {
	return "payout-refund:" + strconv.FormatInt(payoutID, 10)
}
