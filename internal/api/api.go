// Package api exposes the cached Monzo data and its control operations over
// HTTP
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/baely/monzo/internal/categories"
	"github.com/baely/monzo/internal/common/errors"
	commonHttp "github.com/baely/monzo/internal/common/http"
	"github.com/baely/monzo/internal/coordinator"
	"github.com/baely/monzo/internal/monzo"
	"github.com/baely/monzo/internal/sensor"
	"github.com/baely/monzo/internal/snapshot"
)

// MaxTransferAmount is the largest pot transfer accepted, in minor units
const MaxTransferAmount = 65535

// Primary is the balance snapshot and the operations passed through it
type Primary interface {
	Snapshot() *snapshot.Snapshot
	Status() coordinator.Status
	ForceRefresh()
	DepositPot(ctx context.Context, potID string, amount int64) (monzo.Pot, error)
	WithdrawPot(ctx context.Context, potID string, amount int64) (monzo.Pot, error)
	RegisterWebhook(ctx context.Context, accountID, url string) (monzo.Webhook, error)
	UnregisterWebhook(ctx context.Context, webhookID string)
}

// Categories is the category spend cache
type Categories interface {
	Categories() []categories.Category
	Status() coordinator.Status
	ForceRefresh()
}

// WebhookLister lists the webhooks registered remotely on an account
type WebhookLister interface {
	Webhooks(ctx context.Context, accountID string) ([]monzo.Webhook, error)
}

// Config contains configuration for the Service
type Config struct {
	Primary    Primary
	Categories Categories
	Webhooks   WebhookLister
	Events     *sensor.Events
	// Secret must accompany every request, as a bearer token or the code
	// query parameter. An empty secret rejects everything.
	Secret string
	Logger *slog.Logger
}

// Service serves sensors, status and control routes
type Service struct {
	primary    Primary
	categories Categories
	webhooks   WebhookLister
	events     *sensor.Events
	secret     string
	logger     *slog.Logger
	router     chi.Router
}

// New creates a Service and its router
func New(cfg *Config) *Service {
	s := &Service{
		primary:    cfg.Primary,
		categories: cfg.Categories,
		webhooks:   cfg.Webhooks,
		events:     cfg.Events,
		secret:     cfg.Secret,
		logger:     cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := commonHttp.NewRouter()
	r.Use(s.requireSecret)
	r.Get("/sensors", s.sensors)
	r.Get("/status", s.status)
	r.Post("/refresh", s.refresh)
	r.Post("/categories/refresh", s.refreshCategories)
	r.Post("/pots/{id}/deposit", s.transfer(s.primary.DepositPot))
	r.Post("/pots/{id}/withdraw", s.transfer(s.primary.WithdrawPot))
	r.Get("/webhooks", s.listWebhooks)
	r.Post("/webhooks/register", s.registerWebhook)
	r.Delete("/webhooks/{id}", s.deleteWebhook)
	s.router = r

	return s
}

// Chi returns the router for this service
func (s *Service) Chi() chi.Router {
	return s.router
}

// requireSecret rejects requests that do not carry the configured secret
func (s *Service) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.URL.Query().Get("code")
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			provided = token
		}

		if s.secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
			s.logger.Warn("Invalid API access attempt", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			commonHttp.HandleError(w, errors.Wrap(errors.ErrUnauthorized, "missing or invalid secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) sensors(w http.ResponseWriter, r *http.Request) {
	sensors := sensor.FromSnapshot(s.primary.Snapshot())
	if s.categories != nil {
		sensors = append(sensors, sensor.FromCategories(s.categories.Categories())...)
	}

	resp := map[string]interface{}{
		"sensors": sensors,
	}
	if s.events != nil {
		resp["transactions"] = s.events.All()
	}
	commonHttp.Success(w, resp)
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"primary": s.primary.Status(),
	}
	if s.categories != nil {
		resp["categories"] = s.categories.Status()
	}
	commonHttp.Success(w, resp)
}

func (s *Service) refresh(w http.ResponseWriter, r *http.Request) {
	s.primary.ForceRefresh()
	commonHttp.JSON(w, http.StatusAccepted, commonHttp.Response{
		Success: true,
		Data:    map[string]string{"status": "refresh scheduled"},
	})
}

func (s *Service) refreshCategories(w http.ResponseWriter, r *http.Request) {
	if s.categories == nil {
		commonHttp.HandleError(w, errors.Wrap(errors.ErrNotFound, "category tracking disabled"))
		return
	}
	s.categories.ForceRefresh()
	commonHttp.JSON(w, http.StatusAccepted, commonHttp.Response{
		Success: true,
		Data:    map[string]string{"status": "refresh scheduled"},
	})
}

type transferFunc func(ctx context.Context, potID string, amount int64) (monzo.Pot, error)

// transfer handles a pot deposit or withdrawal. Failures are returned to the
// caller as is; nothing is retried.
func (s *Service) transfer(fn transferFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		potID := chi.URLParam(r, "id")

		var request struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			commonHttp.Error(w, errors.Wrap(err, "invalid request body"), http.StatusBadRequest)
			return
		}
		if request.Amount <= 0 || request.Amount > MaxTransferAmount {
			commonHttp.HandleError(w, errors.Wrap(errors.ErrInvalidInput, "amount must be between 1 and %d", MaxTransferAmount))
			return
		}

		pot, err := fn(r.Context(), potID, request.Amount)
		if err != nil {
			s.logger.Error("Pot transfer failed", "pot_id", potID, "amount", request.Amount, "error", err)
			commonHttp.HandleError(w, err)
			return
		}

		commonHttp.Success(w, map[string]interface{}{
			"pot": pot,
		})
	}
}

// listWebhooks handles requests to list all webhooks for an account
func (s *Service) listWebhooks(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		commonHttp.Error(w, errors.New("account_id query parameter is required"), http.StatusBadRequest)
		return
	}

	webhooks, err := s.webhooks.Webhooks(r.Context(), accountID)
	if err != nil {
		s.logger.Error("Failed to list webhooks", "account_id", accountID, "error", err)
		commonHttp.HandleError(w, err)
		return
	}

	commonHttp.Success(w, map[string]interface{}{
		"webhooks": webhooks,
	})
}

// registerWebhook handles requests to register a new webhook
func (s *Service) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var request struct {
		AccountID string `json:"account_id"`
		URL       string `json:"url"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		commonHttp.Error(w, errors.Wrap(err, "invalid request body"), http.StatusBadRequest)
		return
	}

	if request.AccountID == "" || request.URL == "" {
		commonHttp.Error(w, errors.New("account_id and url are required"), http.StatusBadRequest)
		return
	}

	webhook, err := s.primary.RegisterWebhook(r.Context(), request.AccountID, request.URL)
	if err != nil {
		s.logger.Error("Failed to register webhook", "account_id", request.AccountID, "url", request.URL, "error", err)
		commonHttp.HandleError(w, err)
		return
	}

	commonHttp.Success(w, map[string]interface{}{
		"webhook": webhook,
	})
}

// deleteWebhook handles requests to delete a webhook
func (s *Service) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "id")
	s.primary.UnregisterWebhook(r.Context(), webhookID)

	commonHttp.Success(w, map[string]string{
		"status": "webhook deleted",
	})
}
