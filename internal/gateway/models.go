package gateway

import (
	"github.com/shopspring/decimal"
)

// Response is the envelope every provider endpoint answers with.
type Response[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type transferRequest struct {
	BankCode        string          `json:"bank_code"`
	AccountNumber   string          `json:"account_number"`
	AccountName     string          `json:"account_name"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Reference       string          `json:"reference"`
	BeneficiaryName string          `json:"beneficiary_name"`
	Narration       string          `json:"narration,omitempty"`
}

type transferData struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Fee       decimal.Decimal `json:"fee"`
	Status    string          `json:"status"`
}
