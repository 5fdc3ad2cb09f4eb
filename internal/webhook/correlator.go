package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/baely/monzo/internal/common/errors"
	commonHttp "github.com/baely/monzo/internal/common/http"
)

// Defaults for the Correlator
const (
	DefaultLookback        = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	MaxBodyBytes           = 1 << 20
)

// EventPath is where Monzo posts events, followed by the secret if one is
// configured
const EventPath = "/monzo/event"

// Refresher schedules an out-of-band refresh without waiting for it
type Refresher interface {
	ForceRefresh()
}

// Config contains configuration for the Correlator
type Config struct {
	Refresher Refresher
	// Secret is the final path segment Monzo must post to. Empty disables
	// the check.
	Secret          string
	Lookback        time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// Correlator turns webhook deliveries into transaction events for
// subscribers, then asks the snapshot to refresh
type Correlator struct {
	refresher       Refresher
	secret          string
	lookback        time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	router          chi.Router

	mutex       sync.RWMutex
	subscribers map[string][]TransactionEventHandler
	handlers    []TransactionEventHandler

	seenMutex sync.Mutex
	seen      map[string]time.Time

	inflight sync.WaitGroup
}

// New creates a Correlator and its router
func New(cfg *Config) *Correlator {
	c := &Correlator{
		refresher:       cfg.Refresher,
		secret:          cfg.Secret,
		lookback:        cfg.Lookback,
		cleanupInterval: cfg.CleanupInterval,
		logger:          cfg.Logger,
		subscribers:     make(map[string][]TransactionEventHandler),
		seen:            make(map[string]time.Time),
	}
	if c.lookback <= 0 {
		c.lookback = DefaultLookback
	}
	if c.cleanupInterval <= 0 {
		c.cleanupInterval = DefaultCleanupInterval
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	r := commonHttp.NewRouter()
	if c.secret != "" {
		r.Post(EventPath+"/{secret}", c.handleWebhook)
		r.Post("/event/{secret}", c.handleWebhook)
	} else {
		r.Post(EventPath, c.handleWebhook)
		r.Post("/event", c.handleWebhook)
	}
	c.router = r

	return c
}

// Chi returns the router for this service
func (c *Correlator) Chi() chi.Router {
	return c.router
}

// Path returns the path this receiver accepts events on
func (c *Correlator) Path() string {
	if c.secret == "" {
		return EventPath
	}
	return EventPath + "/" + url.PathEscape(c.secret)
}

// CallbackURL returns the URL to register with Monzo for a receiver served
// at the root of base
func (c *Correlator) CallbackURL(base string) string {
	return strings.TrimRight(base, "/") + c.Path()
}

// Subscribe registers a handler for events on a single account
func (c *Correlator) Subscribe(accountID string, handler TransactionEventHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.subscribers[accountID] = append(c.subscribers[accountID], handler)
}

// RegisterHandler registers a handler for events on every account
func (c *Correlator) RegisterHandler(handler TransactionEventHandler) {
	c.logger.Info("Registering transaction handler", "handler", handler)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Handle parses a webhook payload, delivers it to the handlers interested in
// its account and schedules a snapshot refresh. Handlers run concurrently
// and may observe the snapshot from before the refresh. A repeated
// transaction.created for a transaction already seen is dropped.
func (c *Correlator) Handle(payload []byte) (Event, error) {
	event, err := ParseEvent(payload)
	if err != nil {
		return Event{}, err
	}

	if c.duplicate(event) {
		c.logger.Info("Dropping repeated transaction event",
			"type", event.Type,
			"transaction_id", event.Transaction.ID)
		return event, nil
	}

	c.logger.Info("Processing event",
		"type", event.Type,
		"account_id", event.AccountID(),
		"transaction_id", event.Transaction.ID)

	c.mutex.RLock()
	handlers := make([]TransactionEventHandler, 0, len(c.handlers)+len(c.subscribers[event.AccountID()]))
	handlers = append(handlers, c.subscribers[event.AccountID()]...)
	handlers = append(handlers, c.handlers...)
	c.mutex.RUnlock()

	for _, handler := range handlers {
		c.inflight.Add(1)
		go func(h TransactionEventHandler, e Event) {
			defer c.inflight.Done()
			if err := h.HandleEvent(e); err != nil {
				c.logger.Error("Handler failed to process event", "handler", h, "error", err)
			}
		}(handler, event)
	}

	if c.refresher != nil {
		c.refresher.ForceRefresh()
	}

	return event, nil
}

// Wait blocks until every handler started so far has returned
func (c *Correlator) Wait() {
	c.inflight.Wait()
}

// duplicate records created events and reports whether one was already seen.
// Updates are always delivered.
func (c *Correlator) duplicate(event Event) bool {
	if event.Type != TransactionCreated {
		return false
	}

	c.seenMutex.Lock()
	defer c.seenMutex.Unlock()

	if _, ok := c.seen[event.Transaction.ID]; ok {
		return true
	}
	c.seen[event.Transaction.ID] = time.Now()
	return false
}

// Run forgets seen transactions older than the lookback window until ctx is
// done
func (c *Correlator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.forget(time.Now().Add(-c.lookback))
		}
	}
}

func (c *Correlator) forget(cutoff time.Time) {
	c.seenMutex.Lock()
	defer c.seenMutex.Unlock()

	removed := 0
	for id, seenAt := range c.seen {
		if seenAt.Before(cutoff) {
			delete(c.seen, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Forgot seen transactions", "removed", removed, "remaining", len(c.seen))
	}
}

// handleWebhook processes incoming webhook requests. It always answers
// promptly so Monzo does not keep retrying undeliverable payloads.
func (c *Correlator) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if c.secret != "" && chi.URLParam(r, "secret") != c.secret {
		c.logger.Warn("Webhook posted with unknown secret", "remote_addr", r.RemoteAddr)
		commonHttp.Text(w, http.StatusNotFound, "Not Found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.logger.Warn("Webhook body too large", "limit", tooLarge.Limit)
			commonHttp.Text(w, http.StatusRequestEntityTooLarge, "Too Large")
			return
		}
		c.logger.Error("Failed to read request body", "error", err)
		commonHttp.Text(w, http.StatusBadRequest, "Unreadable")
		return
	}

	if _, err := c.Handle(body); err != nil {
		c.logger.Warn("Rejected webhook", "error", err)
		commonHttp.Text(w, http.StatusBadRequest, "Malformed")
		return
	}

	commonHttp.Text(w, http.StatusOK, "Logged")
}
