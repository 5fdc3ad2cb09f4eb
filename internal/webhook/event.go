// Package webhook receives Monzo transaction webhooks, fans them out to
// listeners and triggers a refresh of the cached snapshot
package webhook

import (
	"encoding/json"

	"github.com/baely/monzo/internal/common/errors"
	"github.com/baely/monzo/internal/monzo"
)

// EventType is the kind of transaction webhook
type EventType string

// Transaction event types sent by Monzo
const (
	TransactionCreated EventType = "transaction.created"
	TransactionUpdated EventType = "transaction.updated"
)

// ErrMalformed is returned for payloads that do not match the event envelope
var ErrMalformed = errors.New("malformed webhook event")

// Event is a transaction event pushed by Monzo
type Event struct {
	Type        EventType         `json:"type"`
	Transaction monzo.Transaction `json:"data"`
}

// AccountID returns the account the transaction belongs to
func (e Event) AccountID() string {
	return e.Transaction.AccountID
}

// TransactionEventHandler defines the interface for handling transaction events
type TransactionEventHandler interface {
	// HandleEvent processes a transaction event
	// Returns an error if the handling fails
	HandleEvent(event Event) error
}

// HandlerFunc adapts a function to a TransactionEventHandler
type HandlerFunc func(event Event) error

// HandleEvent calls f(event)
func (f HandlerFunc) HandleEvent(event Event) error {
	return f(event)
}

type envelope struct {
	Type string           `json:"type"`
	Data *json.RawMessage `json:"data"`
}

// ParseEvent validates and decodes a webhook payload. Anything other than a
// transaction.created or transaction.updated event carrying a transaction id
// and account id is rejected with ErrMalformed.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, errors.Wrap(ErrMalformed, "invalid json: %v", err)
	}

	eventType := EventType(env.Type)
	switch eventType {
	case TransactionCreated, TransactionUpdated:
	case "":
		return Event{}, errors.Wrap(ErrMalformed, "missing type")
	default:
		return Event{}, errors.Wrap(ErrMalformed, "unsupported type %q", env.Type)
	}

	if env.Data == nil {
		return Event{}, errors.Wrap(ErrMalformed, "missing data")
	}

	var tx monzo.Transaction
	if err := json.Unmarshal(*env.Data, &tx); err != nil {
		return Event{}, errors.Wrap(ErrMalformed, "invalid transaction: %v", err)
	}
	if tx.ID == "" {
		return Event{}, errors.Wrap(ErrMalformed, "transaction missing id")
	}
	if tx.AccountID == "" {
		return Event{}, errors.Wrap(ErrMalformed, "transaction %s missing account_id", tx.ID)
	}

	return Event{Type: eventType, Transaction: tx}, nil
}
