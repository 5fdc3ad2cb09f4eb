package snapshot

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/baely/monzo/internal/common/errors"
	"github.com/baely/monzo/internal/monzo"
)

var errUpstream = errors.New("upstream down")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	mutex      sync.Mutex
	accounts   []monzo.Account
	balances   map[string]int64
	pots       map[string][]monzo.Pot
	webhooks   map[string][]monzo.Webhook
	failPots   bool
	removed    []string
	deposits   []monzo.Pot
	withdrawal []monzo.Pot
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		accounts: []monzo.Account{
			{ID: "acc_joint", Type: "uk_retail_joint"},
			{ID: "acc_main", Type: monzo.CurrentAccount},
		},
		balances: map[string]int64{"acc_joint": 1000, "acc_main": 2500},
		pots: map[string][]monzo.Pot{
			"acc_main": {
				{ID: "pot_holiday", AccountID: "acc_main", Name: "Holiday", Balance: 500},
				{ID: "pot_old", AccountID: "acc_main", Name: "Old", Deleted: true},
			},
		},
		webhooks: map[string][]monzo.Webhook{
			"acc_main": {{ID: "wh_1", AccountID: "acc_main", URL: "https://example.com/hook"}},
		},
	}
}

func (f *fakeAPI) Accounts(ctx context.Context) ([]monzo.Account, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]monzo.Account(nil), f.accounts...), nil
}

func (f *fakeAPI) Balance(ctx context.Context, accountID string) (monzo.Balance, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return monzo.Balance{AccountID: accountID, Balance: f.balances[accountID], Currency: "GBP"}, nil
}

func (f *fakeAPI) Pots(ctx context.Context, accountID string) ([]monzo.Pot, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.failPots {
		return nil, errUpstream
	}
	return f.pots[accountID], nil
}

func (f *fakeAPI) Webhooks(ctx context.Context, accountID string) ([]monzo.Webhook, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.webhooks[accountID], nil
}

func (f *fakeAPI) RegisterWebhook(ctx context.Context, accountID, url string) (monzo.Webhook, error) {
	return monzo.Webhook{ID: "wh_" + accountID, AccountID: accountID, URL: url}, nil
}

func (f *fakeAPI) UnregisterWebhook(ctx context.Context, webhookID string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.removed = append(f.removed, webhookID)
}

func (f *fakeAPI) DepositPot(ctx context.Context, pot monzo.Pot, amount int64) (monzo.Pot, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.deposits = append(f.deposits, pot)
	pot.Balance += amount
	return pot, nil
}

func (f *fakeAPI) WithdrawPot(ctx context.Context, pot monzo.Pot, amount int64) (monzo.Pot, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.withdrawal = append(f.withdrawal, pot)
	pot.Balance -= amount
	return pot, nil
}

func newTestCoordinator(api API) *Coordinator {
	return NewCoordinator(&Config{API: api, Logger: quietLogger()})
}

func TestBuild(t *testing.T) {
	snap, err := Build(context.Background(), newFakeAPI(), 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got := len(snap.Accounts()); got != 2 {
		t.Errorf("got %d accounts, want 2", got)
	}
	if bal, ok := snap.Balance("acc_main"); !ok || bal.Balance != 2500 {
		t.Errorf("Balance(acc_main) = %+v, %v", bal, ok)
	}
	if _, ok := snap.Pot("pot_old"); ok {
		t.Error("deleted pots must not be stored")
	}
	if name, ok := snap.PotName("pot_holiday"); !ok || name != "Holiday" {
		t.Errorf("PotName = %q, %v", name, ok)
	}
	if got := snap.Webhooks("acc_main"); len(got) != 1 || got[0].ID != "wh_1" {
		t.Errorf("Webhooks(acc_main) = %+v", got)
	}
	if got := snap.Keys(PrefixBalance); len(got) != 2 || got[0] != BalanceKey("acc_joint") {
		t.Errorf("Keys(balance) = %v", got)
	}
	if snap.Generation() != 1 {
		t.Errorf("Generation() = %d", snap.Generation())
	}
}

func TestBuildAbortsOnFailure(t *testing.T) {
	api := newFakeAPI()
	api.failPots = true

	snap, err := Build(context.Background(), api, 1)
	if !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v, want upstream error", err)
	}
	if snap != nil {
		t.Error("a failed build must not return a partial snapshot")
	}
}

func TestFailedRefreshKeepsSnapshot(t *testing.T) {
	api := newFakeAPI()
	c := newTestCoordinator(api)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := c.Snapshot()

	api.mutex.Lock()
	api.failPots = true
	api.balances["acc_main"] = 0
	api.mutex.Unlock()

	if err := c.Refresh(context.Background()); !errors.Is(err, errors.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	after := c.Snapshot()
	if after != before {
		t.Fatal("snapshot was replaced by a failed refresh")
	}
	if bal, _ := after.Balance("acc_main"); bal.Balance != 2500 {
		t.Errorf("balance = %d, want previous value", bal.Balance)
	}
}

// Readers racing refreshes must always see one whole generation: every
// balance in a snapshot carries the same value and generations never go
// backwards.
func TestReadersSeeWholeGenerations(t *testing.T) {
	api := newFakeAPI()
	api.balances["acc_joint"] = 0
	api.balances["acc_main"] = 0
	c := newTestCoordinator(api)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	var (
		stop atomic.Bool
		wg   sync.WaitGroup
		torn atomic.Int32
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for !stop.Load() {
				snap := c.Snapshot()
				joint, _ := snap.Balance("acc_joint")
				main, _ := snap.Balance("acc_main")
				if joint.Balance != main.Balance || snap.Generation() < last {
					torn.Add(1)
				}
				last = snap.Generation()
			}
		}()
	}

	for n := int64(1); n <= 50; n++ {
		api.mutex.Lock()
		api.balances["acc_joint"] = n
		api.balances["acc_main"] = n
		api.mutex.Unlock()
		if err := c.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if got := torn.Load(); got > 0 {
		t.Errorf("%d reads observed a mixed or stale generation", got)
	}
	snap := c.Snapshot()
	if bal, _ := snap.Balance("acc_main"); bal.Balance != 50 {
		t.Errorf("final balance = %d, want 50", bal.Balance)
	}
	if snap.Generation() != 51 {
		t.Errorf("Generation() = %d, want 51", snap.Generation())
	}
}

func TestPrimaryAccountID(t *testing.T) {
	c := newTestCoordinator(newFakeAPI())
	if _, err := c.PrimaryAccountID(); !errors.Is(err, errors.ErrUnavailable) {
		t.Errorf("err = %v before first refresh, want ErrUnavailable", err)
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if id, err := c.PrimaryAccountID(); err != nil || id != "acc_main" {
		t.Errorf("PrimaryAccountID() = %q, %v; want first current account", id, err)
	}

	configured := NewCoordinator(&Config{API: newFakeAPI(), PrimaryAccountID: "acc_joint", Logger: quietLogger()})
	if id, _ := configured.PrimaryAccountID(); id != "acc_joint" {
		t.Errorf("configured PrimaryAccountID() = %q", id)
	}
}

func TestPotTransfersPassThrough(t *testing.T) {
	api := newFakeAPI()
	c := newTestCoordinator(api)
	ctx := context.Background()

	if _, err := c.DepositPot(ctx, "pot_holiday", 100); !errors.Is(err, errors.ErrUnavailable) {
		t.Errorf("deposit before refresh: err = %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	pot, err := c.DepositPot(ctx, "pot_holiday", 100)
	if err != nil {
		t.Fatalf("DepositPot: %v", err)
	}
	if pot.Balance != 600 {
		t.Errorf("returned pot balance = %d", pot.Balance)
	}
	if cached, _ := c.Snapshot().Pot("pot_holiday"); cached.Balance != 500 {
		t.Errorf("cached pot balance = %d, should wait for the next refresh", cached.Balance)
	}

	if _, err := c.WithdrawPot(ctx, "pot_holiday", 50); err != nil {
		t.Fatalf("WithdrawPot: %v", err)
	}
	if len(api.deposits) != 1 || len(api.withdrawal) != 1 || api.withdrawal[0].AccountID != "acc_main" {
		t.Errorf("deposits = %+v, withdrawals = %+v", api.deposits, api.withdrawal)
	}

	if _, err := c.WithdrawPot(ctx, "pot_missing", 50); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("unknown pot: err = %v, want ErrNotFound", err)
	}
}

func TestWebhookRegistration(t *testing.T) {
	api := newFakeAPI()
	c := newTestCoordinator(api)
	ctx := context.Background()

	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterWebhooks(ctx, "https://example.com/event"); err != nil {
		t.Fatalf("RegisterWebhooks: %v", err)
	}

	c.UnregisterWebhooks(ctx)
	if len(api.removed) != 2 {
		t.Fatalf("removed %v, want one webhook per account", api.removed)
	}

	c.UnregisterWebhooks(ctx)
	if len(api.removed) != 2 {
		t.Errorf("webhooks removed twice: %v", api.removed)
	}
}
