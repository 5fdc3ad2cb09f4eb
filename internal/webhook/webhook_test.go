package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baely/monzo/internal/common/errors"
	"github.com/baely/monzo/internal/monzo"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const createdPayload = `{
	"type": "transaction.created",
	"data": {
		"id": "tx_00009",
		"account_id": "acc_main",
		"amount": -350,
		"currency": "GBP",
		"description": "PRET A MANGER",
		"created": "2024-05-02T08:15:00.000Z",
		"scheme": "mastercard",
		"metadata": {"notes": "coffee"}
	}
}`

func TestParseEvent(t *testing.T) {
	event, err := ParseEvent([]byte(createdPayload))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if event.Type != TransactionCreated || event.AccountID() != "acc_main" {
		t.Errorf("event = %+v", event)
	}
	if event.Transaction.Amount != -350 || event.Transaction.Meta().Notes != "coffee" {
		t.Errorf("transaction = %+v", event.Transaction)
	}
}

func TestParseEventRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":        `{"type":`,
		"missing type":    `{"data":{"id":"tx_1","account_id":"acc_1"}}`,
		"other type":      `{"type":"account.updated","data":{"id":"tx_1","account_id":"acc_1"}}`,
		"missing data":    `{"type":"transaction.created"}`,
		"null data":       `{"type":"transaction.created","data":null}`,
		"data not object": `{"type":"transaction.created","data":"tx_1"}`,
		"missing id":      `{"type":"transaction.created","data":{"account_id":"acc_1"}}`,
		"missing account": `{"type":"transaction.updated","data":{"id":"tx_1"}}`,
		"bad amount":      `{"type":"transaction.created","data":{"id":"tx_1","account_id":"acc_1","amount":"ten"}}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseEvent([]byte(payload)); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

type potNames map[string]string

func (p potNames) PotName(id string) (string, bool) {
	name, ok := p[id]
	return name, ok
}

func TestDescribe(t *testing.T) {
	pots := potNames{"pot_123": "Holiday", "pot_456": "Bills"}

	tests := []struct {
		name  string
		tx    monzo.Transaction
		check func(t *testing.T, d Display)
	}{
		{
			name: "card payment",
			tx:   monzo.Transaction{Scheme: "mastercard", Amount: -1234},
			check: func(t *testing.T, d Display) {
				if d.Type != "Card Payment" || d.Incoming {
					t.Errorf("got %+v", d)
				}
				if !d.Amount.Equal(decimal.RequireFromString("12.34")) {
					t.Errorf("amount = %s, want 12.34", d.Amount)
				}
			},
		},
		{
			name: "atm withdrawal",
			tx: monzo.Transaction{
				Scheme:       "mastercard",
				Amount:       -5000,
				AtmFeeDetail: &monzo.AtmFeeDetail{WithdrawalAmount: 5000},
			},
			check: func(t *testing.T, d Display) {
				if d.Type != "ATM Withdrawal" {
					t.Errorf("type = %q", d.Type)
				}
			},
		},
		{
			name: "faster payment",
			tx: monzo.Transaction{
				Scheme: "payport_faster_payments",
				Amount: 25000,
				Counterparty: &monzo.Counterparty{
					Name:          "J Smith",
					AccountNumber: "12345678",
					SortCode:      "040004",
				},
			},
			check: func(t *testing.T, d Display) {
				if d.Type != "Faster Payment" || !d.Incoming {
					t.Errorf("got %+v", d)
				}
				if d.Counterparty == nil || d.Counterparty.Name != "J Smith" || d.Counterparty.SortCode != "040004" {
					t.Errorf("counterparty = %+v", d.Counterparty)
				}
			},
		},
		{
			name: "pot deposit",
			tx: monzo.Transaction{
				Scheme:   "uk_retail_pot",
				Amount:   -1000,
				Metadata: &monzo.Metadata{PotID: "pot_123"},
			},
			check: func(t *testing.T, d Display) {
				if d.Type != "Pot Deposit" || d.PotName != "Holiday" {
					t.Errorf("got type %q pot %q", d.Type, d.PotName)
				}
			},
		},
		{
			name: "direct debit uses bills pot",
			tx: monzo.Transaction{
				Scheme:       "bacs",
				Amount:       -4500,
				Counterparty: &monzo.Counterparty{Name: "Energy Co"},
				Metadata:     &monzo.Metadata{PotID: "pot_123", BillsPotID: "pot_456"},
			},
			check: func(t *testing.T, d Display) {
				if d.Type != "Direct Debit" || d.PotID != "pot_456" || d.PotName != "Bills" {
					t.Errorf("got %+v", d)
				}
				if d.Counterparty == nil || d.Counterparty.Name != "Energy Co" {
					t.Errorf("counterparty = %+v", d.Counterparty)
				}
			},
		},
		{
			name: "monzo fee",
			tx:   monzo.Transaction{Scheme: "monzo_paid", Amount: -500},
			check: func(t *testing.T, d Display) {
				if d.Type != "Monzo Fee" {
					t.Errorf("type = %q", d.Type)
				}
			},
		},
		{
			name: "unknown scheme",
			tx:   monzo.Transaction{Scheme: "unknown_rail", Amount: -1},
			check: func(t *testing.T, d Display) {
				if d.Type != "Unknown" || d.Scheme != monzo.SchemeUnknown {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name: "pot not yet in snapshot",
			tx: monzo.Transaction{
				Scheme:   "uk_retail_pot",
				Metadata: &monzo.Metadata{PotID: "pot_new"},
			},
			check: func(t *testing.T, d Display) {
				if d.PotID != "pot_new" || d.PotName != "" {
					t.Errorf("got pot %q name %q", d.PotID, d.PotName)
				}
			},
		},
		{
			name: "flags",
			tx: monzo.Transaction{
				Scheme:        "mastercard",
				Amount:        -100,
				DeclineReason: "INSUFFICIENT_FUNDS",
				Metadata: &monzo.Metadata{
					Trigger:            RoundUpTrigger,
					TriggeredBy:        ScheduledSpendTrigger,
					TokenizationMethod: AndroidPayTokenization,
				},
			},
			check: func(t *testing.T, d Display) {
				if !d.RoundUp || !d.BillPayment || !d.AndroidPay || !d.Declined {
					t.Errorf("flags not set: %+v", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Describe(tt.tx, pots))
		})
	}
}

func TestDescribeCopiesCounterparty(t *testing.T) {
	tx := monzo.Transaction{Scheme: "bacs", Counterparty: &monzo.Counterparty{Name: "Energy Co"}}
	d := Describe(tx, nil)
	d.Counterparty.Name = "changed"
	if tx.Counterparty.Name != "Energy Co" {
		t.Error("display shares the transaction's counterparty")
	}
}

type countingRefresher struct {
	calls atomic.Int32
}

func (r *countingRefresher) ForceRefresh() { r.calls.Add(1) }

type recorder struct {
	mutex  sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(event Event) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.events)
}

func payload(eventType EventType, id, accountID string) []byte {
	return []byte(`{"type":"` + string(eventType) + `","data":{"id":"` + id + `","account_id":"` + accountID + `","scheme":"mastercard","amount":-100}}`)
}

func TestHandleFansOutByAccount(t *testing.T) {
	refresher := &countingRefresher{}
	c := New(&Config{Refresher: refresher, Logger: quietLogger()})

	main, joint, all := &recorder{}, &recorder{}, &recorder{}
	c.Subscribe("acc_main", main)
	c.Subscribe("acc_joint", joint)
	c.RegisterHandler(all)
	c.RegisterHandler(HandlerFunc(func(Event) error { return errors.New("listener failed") }))

	if _, err := c.Handle(payload(TransactionCreated, "tx_1", "acc_main")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Handle(payload(TransactionCreated, "tx_2", "acc_joint")); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if main.count() != 1 || joint.count() != 1 || all.count() != 2 {
		t.Errorf("deliveries main=%d joint=%d all=%d", main.count(), joint.count(), all.count())
	}
	if main.events[0].Transaction.ID != "tx_1" || main.events[0].Type != TransactionCreated {
		t.Errorf("main received %+v", main.events[0])
	}
	if got := refresher.calls.Load(); got != 2 {
		t.Errorf("forced refreshes = %d, want 2", got)
	}
}

func TestHandleDeduplicatesCreated(t *testing.T) {
	refresher := &countingRefresher{}
	c := New(&Config{Refresher: refresher, Logger: quietLogger()})
	rec := &recorder{}
	c.RegisterHandler(rec)

	c.Handle(payload(TransactionCreated, "tx_1", "acc_main"))
	c.Handle(payload(TransactionCreated, "tx_1", "acc_main"))
	c.Handle(payload(TransactionUpdated, "tx_1", "acc_main"))
	c.Handle(payload(TransactionUpdated, "tx_1", "acc_main"))
	c.Wait()

	if rec.count() != 3 {
		t.Fatalf("delivered %d events, want created once and both updates", rec.count())
	}
	if got := refresher.calls.Load(); got != 3 {
		t.Errorf("forced refreshes = %d, want 3", got)
	}

	c.forget(time.Now().Add(time.Minute))
	c.Handle(payload(TransactionCreated, "tx_1", "acc_main"))
	c.Wait()
	if rec.count() != 4 {
		t.Error("a forgotten transaction should be delivered again")
	}
}

func TestHandleRejectsMalformed(t *testing.T) {
	refresher := &countingRefresher{}
	c := New(&Config{Refresher: refresher, Logger: quietLogger()})
	rec := &recorder{}
	c.RegisterHandler(rec)

	if _, err := c.Handle([]byte(`{"type":"transaction.created","data":{}}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v", err)
	}
	c.Wait()
	if rec.count() != 0 || refresher.calls.Load() != 0 {
		t.Error("malformed events must not be delivered or trigger a refresh")
	}
}

func TestWebhookEndpoint(t *testing.T) {
	refresher := &countingRefresher{}
	c := New(&Config{Refresher: refresher, Secret: "s3cret", Logger: quietLogger()})
	rec := &recorder{}
	c.RegisterHandler(rec)

	server := httptest.NewServer(c.Chi())
	defer server.Close()

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		text   string
	}{
		{"valid", "/monzo/event/s3cret", createdPayload, http.StatusOK, "Logged"},
		{"short path", "/event/s3cret", string(payload(TransactionUpdated, "tx_00009", "acc_main")), http.StatusOK, "Logged"},
		{"malformed", "/monzo/event/s3cret", `{"type":"nope"}`, http.StatusBadRequest, "Malformed"},
		{"wrong secret", "/monzo/event/guess", createdPayload, http.StatusNotFound, "Not Found"},
		{"too large", "/event/s3cret", strings.Repeat(" ", MaxBodyBytes+1), http.StatusRequestEntityTooLarge, "Too Large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.status || string(body) != tt.text {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, body, tt.status, tt.text)
			}
		})
	}

	c.Wait()
	if rec.count() != 2 {
		t.Errorf("delivered %d events, want 2", rec.count())
	}
}

func TestWebhookEndpointWithoutSecret(t *testing.T) {
	c := New(&Config{Logger: quietLogger()})
	req := httptest.NewRequest(http.MethodPost, "/monzo/event", strings.NewReader(createdPayload))
	w := httptest.NewRecorder()

	c.Chi().ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "Logged" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestCallbackURLIsServed(t *testing.T) {
	for _, secret := range []string{"2f1c7c4e-secret", ""} {
		c := New(&Config{Secret: secret, Logger: quietLogger()})
		server := httptest.NewServer(c.Chi())

		for _, base := range []string{server.URL, server.URL + "/"} {
			callback := c.CallbackURL(base)
			if !strings.HasPrefix(callback, server.URL+EventPath) {
				t.Errorf("CallbackURL(%q) = %q", base, callback)
			}

			resp, err := http.Post(callback, "application/json", strings.NewReader(createdPayload))
			if err != nil {
				t.Fatal(err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode != http.StatusOK || string(body) != "Logged" {
				t.Errorf("POST %s = %d %q", callback, resp.StatusCode, body)
			}
		}

		c.Wait()
		server.Close()
	}
}
