package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const ReasonLedgerDrift = "ledger_drift"

// ReconciliationReport is the result of one audit of a wallet against its ledger.
//
// CalculatedBalance is the signed sum of successful transaction entries.
// ReservedBalance is the sum of pending reservation debits, already taken from
// the cached balance. ExpectedBalance = CalculatedBalance - ReservedBalance and
// Difference = CurrentBalance - ExpectedBalance.
type ReconciliationReport struct {
	Owner             WalletOwnerRef  `json:"owner"`
	Currency          string          `json:"currency"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	CalculatedBalance decimal.Decimal `json:"calculated_balance"`
	ReservedBalance   decimal.Decimal `json:"reserved_balance"`
	PendingPayouts    decimal.Decimal `json:"pending_payouts"`
	PendingCount      int64           `json:"pending_payout_count"`
	ExpectedBalance   decimal.Decimal `json:"expected_balance"`
	Difference        decimal.Decimal `json:"difference"`
	EntriesScanned    int             `json:"entries_scanned"`
	Discrepancy       bool            `json:"discrepancy"`
	Corrected         bool            `json:"corrected"`
	CorrectionEntryID *int64          `json:"correction_entry_id,omitempty"`
	CheckedAt         time.Time       `json:"checked_at"`
}
