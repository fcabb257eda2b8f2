package domain

import "time"

// BankAccount is owned by the account-verification collaborator and only read here.
type BankAccount struct {
	ID            int64          `json:"id"`
	Owner         WalletOwnerRef `json:"owner"`
	BankCode      string         `json:"bank_code"`
	AccountNumber string         `json:"account_number"`
	AccountName   string         `json:"account_name"`
	Currency      string         `json:"currency"`
	Verified      bool           `json:"verified"`
	IsDefault     bool           `json:"is_default"`
	CreatedAt     time.Time      `json:"created_at"`
}

// MaskedNumber returns the account number with all but the last four digits hidden.
func (b *BankAccount) MaskedNumber() string {
	n := len(b.AccountNumber)
	if n <= 4 {
		return b.AccountNumber
	}
	masked := make([]byte, n)
	for i := range masked {
		if i < n-4 {
			masked[i] = '*'
		} else {
			masked[i] = b.AccountNumber[i]
		}
	}
	return string(masked)
}
