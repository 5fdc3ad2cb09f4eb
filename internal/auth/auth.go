// Package auth supplies bearer tokens for the Monzo API
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/baely/monzo/internal/common/errors"
	"github.com/baely/monzo/internal/config"
	"github.com/baely/monzo/internal/monzo"
)

// Monzo OAuth endpoints
const (
	AuthURL  = "https://auth.monzo.com/"
	TokenURL = "https://api.monzo.com/oauth2/token"
)

// StaticToken always returns the same access token
type StaticToken struct {
	token string
}

// Static returns an authenticator for a fixed access token
func Static(token string) *StaticToken {
	return &StaticToken{token: token}
}

// AccessToken returns the configured token
func (s *StaticToken) AccessToken(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "no access token configured")
	}
	return s.token, nil
}

// OAuthConfig contains configuration for OAuth
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// OAuth refreshes access tokens with a refresh token as they expire
type OAuth struct {
	conf   *oauth2.Config
	client *http.Client
	logger *slog.Logger

	mutex sync.Mutex
	token *oauth2.Token
}

// NewOAuth creates a refreshing authenticator. No request is made until the
// first token is needed.
func NewOAuth(cfg *OAuthConfig) *OAuth {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   AuthURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return &OAuth{
		conf:   conf,
		client: cfg.HTTPClient,
		logger: logger,
		token:  &oauth2.Token{RefreshToken: cfg.RefreshToken},
	}
}

// AccessToken returns a valid access token, refreshing it first if it has
// expired. A refresh is bounded by ctx and concurrent callers wait for it.
func (o *OAuth) AccessToken(ctx context.Context) (string, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.token.Valid() {
		return o.token.AccessToken, nil
	}

	if o.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	}
	token, err := o.conf.TokenSource(ctx, o.token).Token()
	if err != nil {
		o.logger.Error("Failed to refresh access token", "error", err)

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return "", errors.Wrap(errors.ErrUnauthorized, "refresh rejected: %s", retrieveErr.ErrorCode)
		}
		return "", errors.Wrap(err, "failed to refresh access token")
	}

	o.token = token
	return token.AccessToken, nil
}

// FromConfig returns an OAuth authenticator when a refresh token is
// configured and a static one otherwise
func FromConfig(cfg *config.Config, logger *slog.Logger) monzo.Authenticator {
	if cfg.UsesOAuth() {
		return NewOAuth(&OAuthConfig{
			ClientID:     cfg.MonzoClientID,
			ClientSecret: cfg.MonzoClientSecret,
			RefreshToken: cfg.MonzoRefreshToken,
			Logger:       logger,
		})
	}
	return Static(cfg.MonzoAccessToken)
}
