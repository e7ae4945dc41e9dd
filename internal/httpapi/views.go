package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"storefront-ledger/internal/ledger"
)

// cardView is the public shape of an account. The CVV hash never leaves the service.
type cardView struct {
	ID                    string               `json:"id"`
	UserID                string               `json:"user_id"`
	CardNumber            string               `json:"card_number"`
	HolderName            string               `json:"holder_name"`
	Expiry                string               `json:"expiry"`
	Balance               decimal.Decimal      `json:"balance"`
	Ceiling               decimal.Decimal      `json:"ceiling"`
	Status                ledger.AccountStatus `json:"status"`
	OnlinePaymentsEnabled bool                 `json:"online_payments_enabled"`
	Brand                 string               `json:"brand,omitempty"`
	BankName              string               `json:"bank_name,omitempty"`
	LogoURL               string               `json:"logo_url,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

func viewCard(a ledger.Account) cardView {
	return cardView{
		ID:                    a.ID,
		UserID:                a.UserID,
		CardNumber:            a.CardNumber,
		HolderName:            a.HolderName,
		Expiry:                a.Expiry,
		Balance:               a.Balance,
		Ceiling:               a.Ceiling,
		Status:                a.Status,
		OnlinePaymentsEnabled: a.OnlinePaymentsEnabled,
		Brand:                 a.Brand,
		BankName:              a.BankName,
		LogoURL:               a.LogoURL,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

// issuedView is returned once, at creation. It is the only response carrying the full card
// number and CVV.
type issuedView struct {
	Card       cardView `json:"card"`
	CardNumber string   `json:"card_number"`
	CVV        string   `json:"cvv"`
}
