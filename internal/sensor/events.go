package sensor

import (
	"log/slog"
	"sync"

	"github.com/baely/monzo/internal/monzo"
	"github.com/baely/monzo/internal/webhook"
)

// Events records the most recent transaction seen on each account
type Events struct {
	pots   func() webhook.PotNamer
	logger *slog.Logger

	mutex  sync.RWMutex
	latest map[string]webhook.Display
}

// NewEvents creates an Events recorder. pots returns the snapshot pot names
// are resolved against at the time an event arrives.
func NewEvents(pots func() webhook.PotNamer, logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{
		pots:   pots,
		logger: logger,
		latest: make(map[string]webhook.Display),
	}
}

// HandleEvent implements webhook.TransactionEventHandler
func (e *Events) HandleEvent(event webhook.Event) error {
	var pots webhook.PotNamer
	if e.pots != nil {
		pots = e.pots()
	}

	display := webhook.Describe(event.Transaction, pots)
	if display.Scheme == monzo.SchemeUnknown {
		e.logger.Warn("Unknown transaction scheme",
			"scheme", event.Transaction.Scheme,
			"transaction_id", event.Transaction.ID)
	}

	e.logger.Info("Transaction event fired",
		"type", event.Type,
		"account_id", event.AccountID(),
		"transaction_type", display.Type,
		"amount", display.Amount.StringFixed(2))

	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.latest[event.AccountID()] = display
	return nil
}

// Latest returns the most recent transaction on an account
func (e *Events) Latest(accountID string) (webhook.Display, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	d, ok := e.latest[accountID]
	return d, ok
}

// All returns the most recent transaction of every account keyed by account
func (e *Events) All() map[string]webhook.Display {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	out := make(map[string]webhook.Display, len(e.latest))
	for k, v := range e.latest {
		out[k] = v
	}
	return out
}
