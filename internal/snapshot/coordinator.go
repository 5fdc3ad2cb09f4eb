package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baely/monzo/internal/common/errors"
	"github.com/baely/monzo/internal/coordinator"
	"github.com/baely/monzo/internal/monzo"
)

// DefaultInterval is how often the snapshot is refreshed on schedule
const DefaultInterval = 5 * time.Minute

// API is the part of the Monzo client the snapshot depends on
type API interface {
	Accounts(ctx context.Context) ([]monzo.Account, error)
	Balance(ctx context.Context, accountID string) (monzo.Balance, error)
	Pots(ctx context.Context, accountID string) ([]monzo.Pot, error)
	Webhooks(ctx context.Context, accountID string) ([]monzo.Webhook, error)
	RegisterWebhook(ctx context.Context, accountID, url string) (monzo.Webhook, error)
	UnregisterWebhook(ctx context.Context, webhookID string)
	DepositPot(ctx context.Context, pot monzo.Pot, amount int64) (monzo.Pot, error)
	WithdrawPot(ctx context.Context, pot monzo.Pot, amount int64) (monzo.Pot, error)
}

// Build fetches accounts and, for each account, its balance, pots and
// webhooks, and assembles them into a new snapshot. Any failure abandons
// the whole build.
func Build(ctx context.Context, api API, generation uint64) (*Snapshot, error) {
	accounts, err := api.Accounts(ctx)
	if err != nil {
		return nil, err
	}

	b := newBuilder(generation)
	for _, acc := range accounts {
		balance, err := api.Balance(ctx, acc.ID)
		if err != nil {
			return nil, err
		}
		pots, err := api.Pots(ctx, acc.ID)
		if err != nil {
			return nil, err
		}
		webhooks, err := api.Webhooks(ctx, acc.ID)
		if err != nil {
			return nil, err
		}

		b.addAccount(acc)
		b.addBalance(balance)
		for _, pot := range pots {
			b.addPot(pot)
		}
		for _, hook := range webhooks {
			b.addWebhook(hook)
		}
	}

	return b.build(), nil
}

// Config contains configuration for the Coordinator
type Config struct {
	API              API
	Interval         time.Duration
	Timeout          time.Duration
	PrimaryAccountID string
	Logger           *slog.Logger
}

// Coordinator keeps the shared snapshot fresh and passes mutations through
// to the API
type Coordinator struct {
	*coordinator.Coordinator[*Snapshot]

	api              API
	logger           *slog.Logger
	primaryAccountID string
	generation       atomic.Uint64

	mutex      sync.Mutex
	registered map[string]monzo.Webhook
}

// NewCoordinator creates a snapshot coordinator
func NewCoordinator(cfg *Config) *Coordinator {
	c := &Coordinator{
		api:              cfg.API,
		logger:           cfg.Logger,
		primaryAccountID: cfg.PrimaryAccountID,
		registered:       make(map[string]monzo.Webhook),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}

	c.Coordinator = coordinator.New(coordinator.Config[*Snapshot]{
		Name:     "monzo",
		Interval: interval,
		Timeout:  cfg.Timeout,
		Logger:   c.logger,
		Refresh: func(ctx context.Context) (*Snapshot, error) {
			return Build(ctx, c.api, c.generation.Add(1))
		},
	})

	return c
}

// Snapshot returns the current snapshot, or nil if none has been built yet
func (c *Coordinator) Snapshot() *Snapshot {
	snap, _ := c.Data()
	return snap
}

// PrimaryAccountID returns the configured primary account, or else the
// first current account, or else the first account
func (c *Coordinator) PrimaryAccountID() (string, error) {
	if c.primaryAccountID != "" {
		return c.primaryAccountID, nil
	}

	snap := c.Snapshot()
	if snap == nil {
		return "", errors.Wrap(errors.ErrUnavailable, "no snapshot yet")
	}

	accounts := snap.Accounts()
	for _, acc := range accounts {
		if acc.Type == monzo.CurrentAccount {
			return acc.ID, nil
		}
	}
	if len(accounts) > 0 {
		return accounts[0].ID, nil
	}
	return "", errors.Wrap(errors.ErrNotFound, "no accounts")
}

// RegisterWebhook registers url as the webhook for an account
func (c *Coordinator) RegisterWebhook(ctx context.Context, accountID, url string) (monzo.Webhook, error) {
	hook, err := c.api.RegisterWebhook(ctx, accountID, url)
	if err != nil {
		return monzo.Webhook{}, err
	}

	c.mutex.Lock()
	c.registered[accountID] = hook
	c.mutex.Unlock()

	return hook, nil
}

// RegisterWebhooks registers url on every account in the current snapshot
func (c *Coordinator) RegisterWebhooks(ctx context.Context, url string) error {
	snap := c.Snapshot()
	if snap == nil {
		return errors.Wrap(errors.ErrUnavailable, "no snapshot yet")
	}

	var errs []error
	for _, acc := range snap.Accounts() {
		hook, err := c.RegisterWebhook(ctx, acc.ID, url)
		if err != nil {
			c.logger.Error("Failed to register webhook", "account_id", acc.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		c.logger.Info("Webhook configured for account", "account_id", acc.ID, "webhook_id", hook.ID)
	}
	return errors.Join(errs...)
}

// UnregisterWebhook removes a webhook. Failures are only logged.
func (c *Coordinator) UnregisterWebhook(ctx context.Context, webhookID string) {
	c.api.UnregisterWebhook(ctx, webhookID)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for accountID, hook := range c.registered {
		if hook.ID == webhookID {
			delete(c.registered, accountID)
		}
	}
}

// UnregisterWebhooks removes every webhook registered through this
// coordinator
func (c *Coordinator) UnregisterWebhooks(ctx context.Context) {
	c.mutex.Lock()
	hooks := make([]monzo.Webhook, 0, len(c.registered))
	for _, hook := range c.registered {
		hooks = append(hooks, hook)
	}
	c.mutex.Unlock()

	for _, hook := range hooks {
		c.UnregisterWebhook(ctx, hook.ID)
	}
}

// DepositPot moves money into a pot. The cached pot is not updated until the
// next refresh.
func (c *Coordinator) DepositPot(ctx context.Context, potID string, amount int64) (monzo.Pot, error) {
	pot, err := c.pot(potID)
	if err != nil {
		return monzo.Pot{}, err
	}
	return c.api.DepositPot(ctx, pot, amount)
}

// WithdrawPot moves money out of a pot. The cached pot is not updated until
// the next refresh.
func (c *Coordinator) WithdrawPot(ctx context.Context, potID string, amount int64) (monzo.Pot, error) {
	pot, err := c.pot(potID)
	if err != nil {
		return monzo.Pot{}, err
	}
	return c.api.WithdrawPot(ctx, pot, amount)
}

func (c *Coordinator) pot(id string) (monzo.Pot, error) {
	snap := c.Snapshot()
	if snap == nil {
		return monzo.Pot{}, errors.Wrap(errors.ErrUnavailable, "no snapshot yet")
	}
	pot, ok := snap.Pot(id)
	if !ok {
		return monzo.Pot{}, errors.Wrap(errors.ErrNotFound, "pot %s", id)
	}
	return pot, nil
}
