// Package oauth keeps provider credentials usable: it connects accounts through
// the authorization-code flow and refreshes expired access tokens on demand.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/observability"
)

const defaultTimeout = 10 * time.Second

// Config describes the provider's OAuth2 application.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// Timeout bounds every exchange with the token endpoint.
	Timeout time.Duration
	// StateTTL bounds how long an authorization state stays redeemable.
	StateTTL time.Duration
}

// Manager is the only writer of OAuth credentials.
type Manager struct {
	store      domain.CredentialStore
	states     StateStore
	conf       *oauth2.Config
	scopes     []string
	httpClient *http.Client
	timeout    time.Duration
	stateTTL   time.Duration
	logger     *zap.Logger
	now        func() time.Time
	flights    singleflight.Group
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHTTPClient overrides the client used to reach the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithClock overrides the expiry clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithStateStore enables the authorization-code flow helpers.
func WithStateStore(states StateStore) Option {
	return func(m *Manager) {
		m.states = states
	}
}

// NewManager constructs a Manager for one provider application.
func NewManager(store domain.CredentialStore, cfg Config, opts ...Option) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}

	m := &Manager{
		store: store,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		scopes:     cfg.Scopes,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		stateTTL:   stateTTL,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UsableToken returns an access token that was unexpired when checked,
// refreshing and persisting a rotated credential when the stored one has
// expired. Concurrent callers for the same owner share a single refresh.
// Every failure is domain.ErrNotConnected or wraps domain.ErrRefreshFailed.
func (m *Manager) UsableToken(ctx context.Context, ownerID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("%w: load credential: %w", domain.ErrRefreshFailed, err)
	}
	if cred == nil {
		return "", domain.ErrNotConnected
	}
	if !cred.Expired(m.now()) {
		return cred.AccessToken, nil
	}

	// The flight outlives any single caller; each caller still honours its own ctx.
	ch := m.flights.DoChan(ownerID, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.refresh(flightCtx, ownerID)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", domain.ErrRefreshFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*domain.OAuthCredential).AccessToken, nil
	}
}

func (m *Manager) refresh(ctx context.Context, ownerID string) (*domain.OAuthCredential, error) {
	// Re-read inside the flight: a previous flight may already have rotated it.
	cred, err := m.store.GetCredential(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: load credential: %w", domain.ErrRefreshFailed, err)
	}
	if cred == nil {
		return nil, domain.ErrNotConnected
	}
	if !cred.Expired(m.now()) {
		return cred, nil
	}

	tok, err := m.conf.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		if rejected(err) {
			// Another process may have redeemed the same refresh token first.
			latest, readErr := m.store.GetCredential(ctx, ownerID)
			if readErr == nil && latest != nil && latest.RefreshToken != cred.RefreshToken && !latest.Expired(m.now()) {
				observability.RecordTokenRefresh("rotated_elsewhere")
				m.logger.Info("credential rotated by another writer", zap.String("owner_id", ownerID))
				return latest, nil
			}
		}
		observability.RecordTokenRefresh("failure")
		m.logger.Warn("token refresh failed", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrRefreshFailed, err)
	}

	updated := domain.OAuthCredential{
		OwnerID:      ownerID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiryOf(tok),
		AthleteID:    cred.AthleteID,
		UpdatedAt:    m.now().UTC(),
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}
	if err := m.store.PutCredential(ctx, updated); err != nil {
		observability.RecordTokenRefresh("failure")
		return nil, fmt.Errorf("%w: persist rotated credential: %w", domain.ErrRefreshFailed, err)
	}

	observability.RecordTokenRefresh("success")
	m.logger.Debug("token refreshed", zap.String("owner_id", ownerID), zap.Time("expires_at", updated.ExpiresAt))
	return &updated, nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// rejected reports whether the token endpoint refused the grant itself, as
// opposed to failing in transit.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
}

// expiryOf prefers the provider's absolute expires_at over expires_in.
func expiryOf(tok *oauth2.Token) time.Time {
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case string:
		if secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	return tok.Expiry.UTC()
}
