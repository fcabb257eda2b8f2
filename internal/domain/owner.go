package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OwnerKind discriminates the entity a wallet belongs to.
type OwnerKind string

const (
	OwnerSoleTutor    OwnerKind = "sole_tutor"
	OwnerOrganization OwnerKind = "organization"
	OwnerStudent      OwnerKind = "student"
)

// OwnerKinds lists every supported kind. Resolvers are wired per entry.
var OwnerKinds = []OwnerKind{OwnerSoleTutor, OwnerOrganization, OwnerStudent}

func ParseOwnerKind(s string) (OwnerKind, error) {
	switch OwnerKind(s) {
	case OwnerSoleTutor, OwnerOrganization, OwnerStudent:
		return OwnerKind(s), nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown owner type %q", s))
}

// CanReceivePayouts reports whether wallets of this kind may be paid out to a bank account.
func (k OwnerKind) CanReceivePayouts() bool {
	return k == OwnerSoleTutor || k == OwnerOrganization
}

// WalletOwnerRef identifies a wallet owner across all owner tables.
type WalletOwnerRef struct {
	Kind OwnerKind `json:"owner_type"`
	ID   int64     `json:"owner_id"`
}

func NewOwnerRef(kind string, id int64) (WalletOwnerRef, error) {
	k, err := ParseOwnerKind(kind)
	if err != nil {
		return WalletOwnerRef{}, err
	}
	if id <= 0 {
		return WalletOwnerRef{}, NewValidationError("owner id must be positive")
	}
	return WalletOwnerRef{Kind: k, ID: id}, nil
}

func (r WalletOwnerRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// OwnerProfile is the part of an owner record the ledger needs.
type OwnerProfile struct {
	Owner       WalletOwnerRef `json:"owner"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email"`
	Active      bool           `json:"active"`
}

// Wallet is the cached balance of one owner. Balance must always be derivable
// from the owner's ledger entries.
type Wallet struct {
	Owner           WalletOwnerRef  `json:"owner"`
	Balance         decimal.Decimal `json:"balance"`
	Currency        string          `json:"currency"`
	LifetimePayouts decimal.Decimal `json:"lifetime_payouts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
