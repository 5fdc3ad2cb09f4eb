// Package snapshot holds the cached view of accounts, balances, pots and
// webhooks shared by every consumer of the Monzo data
package snapshot

import (
	"slices"
	"strings"

	"github.com/baely/monzo/internal/monzo"
)

// Key prefixes of the snapshot keyspace
const (
	PrefixAccount = "account:"
	PrefixBalance = "balance:"
	PrefixPot     = "pot:"
	PrefixWebhook = "webhook:"
)

// AccountKey returns the snapshot key of an account
func AccountKey(id string) string { return PrefixAccount + id }

// BalanceKey returns the snapshot key of an account's balance
func BalanceKey(accountID string) string { return PrefixBalance + accountID }

// PotKey returns the snapshot key of a pot
func PotKey(id string) string { return PrefixPot + id }

// WebhookKey returns the snapshot key of a webhook
func WebhookKey(id string) string { return PrefixWebhook + id }

// Snapshot is one complete generation of cached records. It is never
// modified after Build returns; records are handed out by value.
type Snapshot struct {
	generation uint64
	entries    map[string]any
	accounts   []string
}

// Generation is the sequence number of the refresh that produced the
// snapshot
func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// Len returns the number of records in the snapshot
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Get returns the record stored under key
func (s *Snapshot) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.entries[key]
	return v, ok
}

// Keys returns the sorted keys beginning with prefix
func (s *Snapshot) Keys(prefix string) []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0)
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Accounts returns the accounts in the order the API listed them
func (s *Snapshot) Accounts() []monzo.Account {
	if s == nil {
		return nil
	}
	accounts := make([]monzo.Account, 0, len(s.accounts))
	for _, id := range s.accounts {
		if acc, ok := s.Account(id); ok {
			accounts = append(accounts, acc)
		}
	}
	return accounts
}

// Account returns the account with the given id
func (s *Snapshot) Account(id string) (monzo.Account, bool) {
	return get[monzo.Account](s, AccountKey(id))
}

// Balance returns the balance of the given account
func (s *Snapshot) Balance(accountID string) (monzo.Balance, bool) {
	return get[monzo.Balance](s, BalanceKey(accountID))
}

// Pot returns the pot with the given id
func (s *Snapshot) Pot(id string) (monzo.Pot, bool) {
	return get[monzo.Pot](s, PotKey(id))
}

// PotName returns the name of the pot with the given id
func (s *Snapshot) PotName(id string) (string, bool) {
	pot, ok := s.Pot(id)
	return pot.Name, ok
}

// Pots returns the pots owned by an account, or every pot if accountID is
// empty
func (s *Snapshot) Pots(accountID string) []monzo.Pot {
	pots := make([]monzo.Pot, 0)
	for _, key := range s.Keys(PrefixPot) {
		pot, _ := get[monzo.Pot](s, key)
		if accountID == "" || pot.AccountID == accountID {
			pots = append(pots, pot)
		}
	}
	return pots
}

// Webhooks returns the webhooks registered on an account, or every webhook
// if accountID is empty
func (s *Snapshot) Webhooks(accountID string) []monzo.Webhook {
	webhooks := make([]monzo.Webhook, 0)
	for _, key := range s.Keys(PrefixWebhook) {
		hook, _ := get[monzo.Webhook](s, key)
		if accountID == "" || hook.AccountID == accountID {
			webhooks = append(webhooks, hook)
		}
	}
	return webhooks
}

func get[T any](s *Snapshot, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// builder accumulates records for a new snapshot
type builder struct {
	snap *Snapshot
}

func newBuilder(generation uint64) *builder {
	return &builder{snap: &Snapshot{
		generation: generation,
		entries:    make(map[string]any),
	}}
}

func (b *builder) addAccount(acc monzo.Account) {
	b.snap.entries[AccountKey(acc.ID)] = acc
	b.snap.accounts = append(b.snap.accounts, acc.ID)
}

func (b *builder) addBalance(balance monzo.Balance) {
	b.snap.entries[BalanceKey(balance.AccountID)] = balance
}

func (b *builder) addPot(pot monzo.Pot) {
	if pot.Deleted {
		return
	}
	b.snap.entries[PotKey(pot.ID)] = pot
}

func (b *builder) addWebhook(hook monzo.Webhook) {
	b.snap.entries[WebhookKey(hook.ID)] = hook
}

func (b *builder) build() *Snapshot {
	snap := b.snap
	b.snap = nil
	return snap
}
