// Package auth issues, caches and refreshes per-principal OAuth tokens for
// connector instances. Refresh happens ahead of expiry with a fixed lead, and
// concurrent callers share a single in-flight refresh per principal.
package auth

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/retry"
)

// Credentials is everything known about one (connector instance, principal)
// pair.
type Credentials struct {
	Instance     string
	Principal    string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Active       bool
}

// CredentialStore persists credentials across refreshes.
type CredentialStore interface {
	Get(ctx context.Context, instance, principal string) (*Credentials, error)
	Save(ctx context.Context, creds *Credentials) error
}

// RefreshFunc exchanges a refresh token for a new access token. The default
// implementation goes through golang.org/x/oauth2; tests substitute their own.
type RefreshFunc func(ctx context.Context, creds *Credentials) (*oauth2.Token, error)

// TokenManager hands out valid access tokens, refreshing them when the
// remaining lifetime drops under the refresh lead.
type TokenManager struct {
	store       CredentialStore
	refreshLead time.Duration
	refresh     RefreshFunc
	group       singleflight.Group
	retryCfg    retry.Config
	logger      *zap.Logger
	now         func() time.Time
}

// Option customizes a TokenManager.
type Option func(*TokenManager)

// WithRefreshFunc substitutes the token refresh implementation.
func WithRefreshFunc(fn RefreshFunc) Option {
	return func(m *TokenManager) { m.refresh = fn }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// NewTokenManager creates a token manager. refreshLead is how long before
// expiry a token is refreshed; zero falls back to 20 minutes.
func NewTokenManager(store CredentialStore, refreshLead time.Duration, logger *zap.Logger, opts ...Option) *TokenManager {
	if refreshLead <= 0 {
		refreshLead = 20 * time.Minute
	}
	m := &TokenManager{
		store:       store,
		refreshLead: refreshLead,
		retryCfg:    retry.DefaultConfig(),
		logger:      logger,
		now:         time.Now,
	}
	m.refresh = m.oauthRefresh
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetToken returns a currently valid access token for the pair, refreshing it
// first when expiry is within the lead window.
func (m *TokenManager) GetToken(ctx context.Context, instance, principal string) (string, error) {
	creds, err := m.store.Get(ctx, instance, principal)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindAuth, "auth.GetToken", err)
	}
	if !creds.Active {
		return "", apperrors.New(apperrors.KindAuth, "auth.GetToken", "principal is inactive").
			WithResource(instance + "/" + principal)
	}

	if m.now().Add(m.refreshLead).Before(creds.Expiry) {
		return creds.AccessToken, nil
	}

	// One refresh in flight per principal; concurrent callers await it.
	key := instance + "|" + principal
	token, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.doRefresh(ctx, instance, principal)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// Revoke marks the principal inactive and drops its tokens.
func (m *TokenManager) Revoke(ctx context.Context, instance, principal string) error {
	creds, err := m.store.Get(ctx, instance, principal)
	if err != nil {
		return apperrors.Wrap(apperrors.KindAuth, "auth.Revoke", err)
	}
	creds.Active = false
	creds.AccessToken = ""
	creds.RefreshToken = ""
	if err := m.store.Save(ctx, creds); err != nil {
		return apperrors.Wrap(apperrors.KindAuth, "auth.Revoke", err)
	}
	m.logger.Info("credentials revoked",
		zap.String("instance", instance),
		zap.String("principal", principal))
	return nil
}

func (m *TokenManager) doRefresh(ctx context.Context, instance, principal string) (string, error) {
	// Re-read inside the flight: another caller may have refreshed already.
	creds, err := m.store.Get(ctx, instance, principal)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindAuth, "auth.Refresh", err)
	}
	if m.now().Add(m.refreshLead).Before(creds.Expiry) {
		return creds.AccessToken, nil
	}

	var token *oauth2.Token
	err = retry.Do(ctx, m.retryCfg, func(ctx context.Context) error {
		var refreshErr error
		token, refreshErr = m.refresh(ctx, creds)
		if refreshErr == nil {
			return nil
		}
		if isTerminalOAuthError(refreshErr) {
			return apperrors.Wrap(apperrors.KindAuth, "auth.Refresh", refreshErr).
				WithResource(instance + "/" + principal)
		}
		return apperrors.Wrap(apperrors.KindTransient, "auth.Refresh", refreshErr)
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindAuth) {
			// Terminal refresh failure: further sync attempts must fail fast.
			creds.Active = false
			if saveErr := m.store.Save(ctx, creds); saveErr != nil {
				m.logger.Error("failed to persist inactive principal",
					zap.String("principal", principal), zap.Error(saveErr))
			}
			m.logger.Warn("token refresh terminally failed, principal marked inactive",
				zap.String("instance", instance),
				zap.String("principal", principal),
				zap.Error(err))
		}
		return "", err
	}

	creds.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		creds.RefreshToken = token.RefreshToken
	}
	creds.Expiry = token.Expiry
	if err := m.store.Save(ctx, creds); err != nil {
		return "", apperrors.Wrap(apperrors.KindAuth, "auth.Refresh", err)
	}

	m.logger.Debug("access token refreshed",
		zap.String("instance", instance),
		zap.String("principal", principal),
		zap.Time("expiry", creds.Expiry))
	return creds.AccessToken, nil
}

func (m *TokenManager) oauthRefresh(ctx context.Context, creds *Credentials) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Scopes:       creds.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: creds.TokenURL},
	}
	source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	return source.Token()
}

// isTerminalOAuthError reports whether the refresh failed in a way no retry
// can fix, i.e. the grant itself was rejected.
func isTerminalOAuthError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "invalid_client" {
			return true
		}
		return retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 &&
			retrieveErr.Response.StatusCode != 429
	}
	return strings.Contains(err.Error(), "invalid_grant")
}
