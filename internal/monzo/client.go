package monzo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baely/monzo/internal/common/errors"
)

// DefaultBaseURL is the production Monzo API
const DefaultBaseURL = "https://api.monzo.com"

// Authenticator supplies a currently valid bearer token, refreshing it if
// necessary
type Authenticator interface {
	AccessToken(ctx context.Context) (string, error)
}

// ClientConfig contains configuration for the Client
type ClientConfig struct {
	BaseURL     string
	Auth        Authenticator
	HTTPClient  *http.Client
	Logger      *slog.Logger
	NewDedupeID func() string
}

// Client handles API interactions with Monzo
type Client struct {
	baseURL     string
	auth        Authenticator
	client      *http.Client
	logger      *slog.Logger
	newDedupeID func() string
}

// NewClient creates a new client for the Monzo API
func NewClient(cfg *ClientConfig) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		auth:        cfg.Auth,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
		newDedupeID: cfg.NewDedupeID,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.newDedupeID == nil {
		c.newDedupeID = uuid.NewString
	}
	return c
}

// payload is implemented by response envelopes that can tell whether the
// keys they require were present
type payload interface {
	valid() bool
}

// request makes an API request to the Monzo API and decodes the response
// into ret
func (c *Client) request(ctx context.Context, method, endpoint string, query, form url.Values, ret payload) error {
	uri := fmt.Sprintf("%s/%s", c.baseURL, endpoint)
	if len(query) > 0 {
		uri = fmt.Sprintf("%s?%s", uri, query.Encode())
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get access token")
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to execute request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(resp.StatusCode, raw)
	}

	if ret == nil {
		return nil
	}

	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(ret); err != nil || !ret.valid() {
		c.logger.Error("Unexpected response from Monzo API",
			"endpoint", endpoint,
			"body", string(raw))
		return classify(resp.StatusCode, raw)
	}

	return nil
}

type accountsResponse struct {
	Accounts *[]Account `json:"accounts"`
}

func (r *accountsResponse) valid() bool { return r.Accounts != nil }

// Accounts lists the accounts of the authenticated user. Closed and legacy
// entries without an account number are dropped.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp accountsResponse
	if err := c.request(ctx, http.MethodGet, "accounts", nil, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to get accounts")
	}

	accounts := make([]Account, 0, len(*resp.Accounts))
	for _, acc := range *resp.Accounts {
		if acc.AccountNumber == "" {
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

type balanceResponse struct {
	Balance      *int64  `json:"balance"`
	TotalBalance *int64  `json:"total_balance"`
	SpendToday   *int64  `json:"spend_today"`
	Currency     *string `json:"currency"`
}

func (r *balanceResponse) valid() bool {
	return r.Balance != nil && r.TotalBalance != nil && r.SpendToday != nil && r.Currency != nil
}

// Balance retrieves the balance of an account
func (c *Client) Balance(ctx context.Context, accountID string) (Balance, error) {
	var resp balanceResponse
	query := url.Values{"account_id": {accountID}}
	if err := c.request(ctx, http.MethodGet, "balance", query, nil, &resp); err != nil {
		return Balance{}, errors.Wrap(err, "failed to get balance for %s", accountID)
	}

	return Balance{
		AccountID:    accountID,
		Balance:      *resp.Balance,
		TotalBalance: *resp.TotalBalance,
		SpendToday:   *resp.SpendToday,
		Currency:     *resp.Currency,
	}, nil
}

type potsResponse struct {
	Pots *[]Pot `json:"pots"`
}

func (r *potsResponse) valid() bool { return r.Pots != nil }

// Pots lists the pots of an account, excluding deleted pots
func (c *Client) Pots(ctx context.Context, accountID string) ([]Pot, error) {
	var resp potsResponse
	query := url.Values{"current_account_id": {accountID}}
	if err := c.request(ctx, http.MethodGet, "pots", query, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to get pots for %s", accountID)
	}

	pots := make([]Pot, 0, len(*resp.Pots))
	for _, pot := range *resp.Pots {
		if pot.Deleted {
			continue
		}
		if pot.AccountID == "" {
			pot.AccountID = accountID
		}
		pots = append(pots, pot)
	}
	return pots, nil
}

type webhooksResponse struct {
	Webhooks *[]Webhook `json:"webhooks"`
}

func (r *webhooksResponse) valid() bool { return r.Webhooks != nil }

// Webhooks lists the webhooks registered for an account
func (c *Client) Webhooks(ctx context.Context, accountID string) ([]Webhook, error) {
	var resp webhooksResponse
	query := url.Values{"account_id": {accountID}}
	if err := c.request(ctx, http.MethodGet, "webhooks", query, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to list webhooks for %s", accountID)
	}
	return *resp.Webhooks, nil
}

type webhookResponse struct {
	Webhook *Webhook `json:"webhook"`
}

func (r *webhookResponse) valid() bool { return r.Webhook != nil && r.Webhook.ID != "" }

// RegisterWebhook ensures a webhook for url exists on the account. An
// existing registration is returned unchanged.
func (c *Client) RegisterWebhook(ctx context.Context, accountID, webhookURL string) (Webhook, error) {
	existing, err := c.Webhooks(ctx, accountID)
	if err != nil {
		return Webhook{}, err
	}

	for _, webhook := range existing {
		if webhook.AccountID == accountID && webhook.URL == webhookURL {
			c.logger.Debug("Webhook already registered", "webhook_id", webhook.ID, "account_id", accountID)
			return webhook, nil
		}
	}

	c.logger.Debug("Registering webhook", "account_id", accountID)
	form := url.Values{
		"account_id": {accountID},
		"url":        {webhookURL},
	}
	var resp webhookResponse
	if err := c.request(ctx, http.MethodPost, "webhooks", nil, form, &resp); err != nil {
		return Webhook{}, errors.Wrap(err, "failed to register webhook for %s", accountID)
	}

	c.logger.Info("New webhook registered", "webhook_id", resp.Webhook.ID, "account_id", accountID)
	return *resp.Webhook, nil
}

// UnregisterWebhook deletes a webhook. Failures are logged and dropped: an
// orphaned webhook only costs the provider a few failed deliveries.
func (c *Client) UnregisterWebhook(ctx context.Context, webhookID string) {
	endpoint := fmt.Sprintf("webhooks/%s", url.PathEscape(webhookID))
	if err := c.request(ctx, http.MethodDelete, endpoint, nil, nil, nil); err != nil {
		c.logger.Warn("Failed to unregister webhook", "webhook_id", webhookID, "error", err)
		return
	}
	c.logger.Info("Webhook unregistered", "webhook_id", webhookID)
}

type potResponse Pot

func (r *potResponse) valid() bool { return r.ID != "" }

// DepositPot moves amount minor units from the owning account into the pot
func (c *Client) DepositPot(ctx context.Context, pot Pot, amount int64) (Pot, error) {
	return c.transferPot(ctx, pot, amount, "deposit", "source_account_id")
}

// WithdrawPot moves amount minor units from the pot back to the owning account
func (c *Client) WithdrawPot(ctx context.Context, pot Pot, amount int64) (Pot, error) {
	return c.transferPot(ctx, pot, amount, "withdraw", "destination_account_id")
}

func (c *Client) transferPot(ctx context.Context, pot Pot, amount int64, action, accountField string) (Pot, error) {
	if amount <= 0 {
		return Pot{}, errors.Wrap(errors.ErrInvalidInput, "amount must be positive, got %d", amount)
	}

	// A fresh dedupe id per call: retries of the same request are the
	// caller's to resubmit as new transfers.
	form := url.Values{
		accountField: {pot.AccountID},
		"amount":     {strconv.FormatInt(amount, 10)},
		"dedupe_id":  {c.newDedupeID()},
	}

	c.logger.Debug("Pot transfer", "action", action, "pot_id", pot.ID, "amount", amount)

	endpoint := fmt.Sprintf("pots/%s/%s", url.PathEscape(pot.ID), action)
	var resp potResponse
	if err := c.request(ctx, http.MethodPut, endpoint, nil, form, &resp); err != nil {
		return Pot{}, errors.Wrap(err, "failed to %s pot %s", action, pot.ID)
	}

	updated := Pot(resp)
	if updated.AccountID == "" {
		updated.AccountID = pot.AccountID
	}
	return updated, nil
}
