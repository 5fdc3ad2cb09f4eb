package webhook

import (
	"github.com/shopspring/decimal"

	"github.com/baely/monzo/internal/monzo"
)

// Metadata values that flag special transactions
const (
	RoundUpTrigger         = "coin_jar"
	ScheduledSpendTrigger  = "scheduled_spending"
	AndroidPayTokenization = "android_pay"
)

// Transaction types that are not a direct rendering of the scheme
const (
	TypeATMWithdrawal = "ATM Withdrawal"
)

// PotNamer resolves pot ids to names
type PotNamer interface {
	PotName(id string) (string, bool)
}

// Display is a transaction mapped for presentation
type Display struct {
	ID            string              `json:"id"`
	AccountID     string              `json:"account_id"`
	Type          string              `json:"type"`
	Scheme        monzo.Scheme        `json:"-"`
	Description   string              `json:"description"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency"`
	Created       string              `json:"created"`
	Notes         string              `json:"notes,omitempty"`
	Counterparty  *monzo.Counterparty `json:"counterparty,omitempty"`
	PotID         string              `json:"pot_id,omitempty"`
	PotName       string              `json:"pot_name,omitempty"`
	Incoming      bool                `json:"incoming"`
	RoundUp       bool                `json:"round_up"`
	BillPayment   bool                `json:"bill_payment"`
	AndroidPay    bool                `json:"android_pay"`
	Declined      bool                `json:"declined"`
	DeclineReason string              `json:"decline_reason,omitempty"`
}

// Describe maps a transaction to its display form. Pot names are looked up
// in pots, which may be a snapshot that does not yet know about the pot.
func Describe(tx monzo.Transaction, pots PotNamer) Display {
	meta := tx.Meta()
	scheme := tx.PaymentScheme()

	d := Display{
		ID:            tx.ID,
		AccountID:     tx.AccountID,
		Type:          scheme.String(),
		Scheme:        scheme,
		Description:   tx.Description,
		Amount:        decimal.New(tx.Amount, -2).Abs(),
		Currency:      tx.Currency,
		Created:       tx.Created,
		Notes:         meta.Notes,
		Incoming:      tx.Amount > 0,
		RoundUp:       meta.Trigger == RoundUpTrigger,
		BillPayment:   meta.Trigger == ScheduledSpendTrigger || meta.TriggeredBy == ScheduledSpendTrigger,
		AndroidPay:    meta.TokenizationMethod == AndroidPayTokenization,
		Declined:      tx.Declined(),
		DeclineReason: tx.DeclineReason,
	}

	switch scheme {
	case monzo.SchemeCard:
		if tx.AtmFeeDetail != nil && tx.AtmFeeDetail.WithdrawalAmount != 0 {
			d.Type = TypeATMWithdrawal
		}
	case monzo.SchemeFasterPayment:
		d.Counterparty = counterparty(tx)
	case monzo.SchemePotTransfer:
		d.PotID = meta.PotID
	case monzo.SchemeDirectDebit:
		d.Counterparty = counterparty(tx)
		d.PotID = meta.BillsPotID
	}

	if d.PotID != "" && pots != nil {
		d.PotName, _ = pots.PotName(d.PotID)
	}

	return d
}

func counterparty(tx monzo.Transaction) *monzo.Counterparty {
	if tx.Counterparty == nil {
		return nil
	}
	cp := *tx.Counterparty
	return &cp
}
