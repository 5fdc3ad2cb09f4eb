package categories

import (
	"context"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/baely/monzo/internal/coordinator"
	"github.com/baely/monzo/internal/monzo"
)

// Default refresh settings. A refresh scans the whole statement period, so it
// runs far less often than the balance snapshot.
const (
	DefaultInterval = 6 * time.Hour
	DefaultTimeout  = 10 * time.Second
)

// TransactionSource streams transactions for an account
type TransactionSource interface {
	Transactions(ctx context.Context, accountID string, since time.Time) iter.Seq2[monzo.Transaction, error]
}

// Config contains configuration for the Coordinator
type Config struct {
	Source TransactionSource
	// AccountID resolves the account to aggregate at refresh time
	AccountID func() (string, error)
	Tracked   []Category
	Interval  time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Coordinator keeps the category totals of the current statement period.
// It refreshes independently of the balance snapshot. Readers only ever get
// copies of the totals.
type Coordinator struct {
	cache *coordinator.Coordinator[map[string]Category]

	source    TransactionSource
	accountID func() (string, error)
	tracked   []Category
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator creates a category coordinator
func NewCoordinator(cfg *Config) *Coordinator {
	c := &Coordinator{
		source:    cfg.Source,
		accountID: cfg.AccountID,
		tracked:   cfg.Tracked,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if c.tracked == nil {
		c.tracked = DefaultTracked()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	c.cache = coordinator.New(coordinator.Config[map[string]Category]{
		Name:     "categories",
		Interval: interval,
		Timeout:  timeout,
		Logger:   c.logger,
		Refresh:  c.refresh,
	})

	return c
}

func (c *Coordinator) refresh(ctx context.Context) (map[string]Category, error) {
	accountID, err := c.accountID()
	if err != nil {
		return nil, err
	}

	since := StatementStart(c.now())
	c.logger.Debug("Aggregating categories", "account_id", accountID, "since", since.Format(time.DateOnly))

	return Aggregate(c.source.Transactions(ctx, accountID, since), c.tracked)
}

// Refresh recomputes the totals, or joins the refresh in flight
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.cache.Refresh(ctx)
}

// ForceRefresh schedules a refresh without waiting for it
func (c *Coordinator) ForceRefresh() {
	c.cache.ForceRefresh()
}

// Status reports the freshness of the totals
func (c *Coordinator) Status() coordinator.Status {
	return c.cache.Status()
}

// Run refreshes the totals on the configured interval until ctx is done
func (c *Coordinator) Run(ctx context.Context) error {
	return c.cache.Run(ctx)
}

// Data returns a copy of the latest totals keyed by category id
func (c *Coordinator) Data() (map[string]Category, bool) {
	totals, ok := c.cache.Data()
	if !ok {
		return nil, false
	}
	return maps.Clone(totals), true
}

// Categories returns the latest totals ordered by name
func (c *Coordinator) Categories() []Category {
	totals, ok := c.Data()
	if !ok {
		return nil
	}

	out := make([]Category, 0, len(totals))
	for _, cat := range totals {
		out = append(out, cat)
	}
	slices.SortFunc(out, func(a, b Category) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
