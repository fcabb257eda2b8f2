package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTransferNotFound means the provider has no transfer under the reference.
var ErrTransferNotFound = errors.New("transfer not found")

// TransferState is the provider's view of a bank transfer.
type TransferState string

const (
	TransferSuccess    TransferState = "success"
	TransferFailed     TransferState = "failed"
	TransferReversed   TransferState = "reversed"
	TransferPending    TransferState = "pending"
	TransferProcessing TransferState = "processing"
	TransferQueued     TransferState = "queued"
	TransferOTP        TransferState = "otp"
)

func (s TransferState) Settled() bool { return s == TransferSuccess }

// Rejected reports a final negative outcome; the payout must be refunded.
func (s TransferState) Rejected() bool {
	return s == TransferFailed || s == TransferReversed
}

// TransferRequest is what the settlement worker sends to the transfer gateway.
// Reference is the payout's external reference; the gateway de-duplicates on it.
type TransferRequest struct {
	BankCode        string
	AccountNumber   string
	AccountName     string
	Amount          decimal.Decimal
	Currency        string
	Reference       string
	BeneficiaryName string
	Narration       string
}

type Transfer struct {
	ID     string          `json:"id"`
	Fee    decimal.Decimal `json:"fee"`
	Status TransferState   `json:"status"`
}

// TransferResult is the synchronous answer to a transfer initiation. Success
// false is a rejection; Message carries the provider's reason.
type TransferResult struct {
	Success  bool
	Message  string
	Transfer *Transfer
}

// Conversion is a currency conversion quote. Fallback is set when the rate
// came from the last-known cache rather than a live lookup.
type Conversion struct {
	ConvertedAmount decimal.Decimal `json:"converted_amount"`
	Rate            decimal.Decimal `json:"rate"`
	Fallback        bool            `json:"fallback"`
}
