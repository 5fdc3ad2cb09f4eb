// Package monzo is a typed client for the Monzo banking API
package monzo

// CurrentAccount is the account type of a personal current account
const CurrentAccount = "uk_retail"

var accountNames = map[string]string{
	CurrentAccount:    "Current Account",
	"uk_retail_joint": "Joint Account",
	"uk_monzo_flex":   "Flex",
	"uk_business":     "Business Account",
	"uk_rewards":      "Cashback",
}

// Account represents a Monzo account
type Account struct {
	ID            string `json:"id"`
	AccountNumber string `json:"account_number"`
	Type          string `json:"type"`
	Description   string `json:"description,omitempty"`
	Closed        bool   `json:"closed,omitempty"`
}

// Mask returns the last four digits of the account number
func (a Account) Mask() string {
	if len(a.AccountNumber) <= 4 {
		return a.AccountNumber
	}
	return a.AccountNumber[len(a.AccountNumber)-4:]
}

// Name returns a human readable account name, falling back to the raw type
func (a Account) Name() string {
	if name, ok := accountNames[a.Type]; ok {
		return name
	}
	return a.Type
}

// Balance is the balance of an account in minor units
type Balance struct {
	AccountID    string `json:"account_id"`
	Balance      int64  `json:"balance"`
	TotalBalance int64  `json:"total_balance"`
	SpendToday   int64  `json:"spend_today"`
	Currency     string `json:"currency"`
}

// Pot is a savings pot owned by an account
type Pot struct {
	ID            string `json:"id"`
	AccountID     string `json:"current_account_id"`
	Name          string `json:"name"`
	Balance       int64  `json:"balance"`
	Currency      string `json:"currency"`
	GoalAmount    int64  `json:"goal_amount,omitempty"`
	Deleted       bool   `json:"deleted"`
	Locked        bool   `json:"locked"`
	Type          string `json:"type"`
	CoverImageURL string `json:"cover_image_url"`
}

// Webhook is a registered push notification subscription
type Webhook struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
}

// Counterparty is the other side of a bank transfer
type Counterparty struct {
	Name          string `json:"name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	SortCode      string `json:"sort_code,omitempty"`
}

// Metadata carries the free-form annotations Monzo attaches to a transaction
type Metadata struct {
	Notes              string `json:"notes,omitempty"`
	PotID              string `json:"pot_id,omitempty"`
	BillsPotID         string `json:"bills_pot_id,omitempty"`
	TriggeredBy        string `json:"triggered_by,omitempty"`
	Trigger            string `json:"trigger,omitempty"`
	TokenizationMethod string `json:"tokenization_method,omitempty"`
}

// AtmFeeDetail is present on card transactions involving an ATM
type AtmFeeDetail struct {
	WithdrawalAmount int64 `json:"withdrawal_amount"`
}

// Transaction is a single account transaction. Amounts are in minor units,
// negative for money leaving the account.
type Transaction struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	Amount        int64            `json:"amount"`
	Currency      string           `json:"currency"`
	Description   string           `json:"description"`
	Created       string           `json:"created"`
	Scheme        string           `json:"scheme"`
	Counterparty  *Counterparty    `json:"counterparty,omitempty"`
	Metadata      *Metadata        `json:"metadata,omitempty"`
	AtmFeeDetail  *AtmFeeDetail    `json:"atm_fee_detailed,omitempty"`
	DeclineReason string           `json:"decline_reason,omitempty"`
	Categories    map[string]int64 `json:"categories,omitempty"`
}

// Declined reports whether the transaction failed
func (t Transaction) Declined() bool {
	return t.DeclineReason != ""
}

// Meta returns the transaction metadata, never nil
func (t Transaction) Meta() Metadata {
	if t.Metadata == nil {
		return Metadata{}
	}
	return *t.Metadata
}

// Scheme is the payment rail a transaction travelled over
type Scheme int

// Known payment schemes
const (
	SchemeUnknown Scheme = iota
	SchemeCard
	SchemeFasterPayment
	SchemePotTransfer
	SchemeMonzoFee
	SchemeDirectDebit
)

var schemeNames = map[string]Scheme{
	"mastercard":              SchemeCard,
	"payport_faster_payments": SchemeFasterPayment,
	"uk_retail_pot":           SchemePotTransfer,
	"monzo_paid":              SchemeMonzoFee,
	"bacs":                    SchemeDirectDebit,
}

// ParseScheme maps a wire scheme to a Scheme, SchemeUnknown if unrecognised
func ParseScheme(s string) Scheme {
	return schemeNames[s]
}

// PaymentScheme returns the parsed payment scheme of the transaction
func (t Transaction) PaymentScheme() Scheme {
	return ParseScheme(t.Scheme)
}

func (s Scheme) String() string {
	switch s {
	case SchemeCard:
		return "Card Payment"
	case SchemeFasterPayment:
		return "Faster Payment"
	case SchemePotTransfer:
		return "Pot Deposit"
	case SchemeMonzoFee:
		return "Monzo Fee"
	case SchemeDirectDebit:
		return "Direct Debit"
	}
	return "Unknown"
}
