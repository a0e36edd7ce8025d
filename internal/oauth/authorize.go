package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/baymingyih/KR7/internal/domain"
)

const (
	statePrefix     = "oauth:state:"
	defaultStateTTL = 5 * time.Minute
)

// State is the server-side record behind an authorization request.
type State struct {
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore keeps authorization states until the provider redirects back.
type StateStore interface {
	SaveState(ctx context.Context, key string, state State, ttl time.Duration) error
	// ConsumeState atomically reads and removes key. It returns nil, nil for
	// unknown, expired or already redeemed keys.
	ConsumeState(ctx context.Context, key string) (*State, error)
}

// ErrNoStateStore is returned by the authorization helpers when the manager
// was built without WithStateStore.
var ErrNoStateStore = errors.New("oauth state store not configured")

// StartAuthorization records a one-shot state for ownerID and returns the
// provider URL the owner should be sent to.
func (m *Manager) StartAuthorization(ctx context.Context, ownerID string) (string, error) {
	if m.states == nil {
		return "", ErrNoStateStore
	}
	state, err := secureRandomString(24)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	if err := m.states.SaveState(ctx, statePrefix+state, State{OwnerID: ownerID, CreatedAt: m.now().UTC()}, m.stateTTL); err != nil {
		return "", err
	}
	return m.AuthCodeURL(state), nil
}

// AuthCodeURL builds the provider authorization URL for state.
func (m *Manager) AuthCodeURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("approval_prompt", "auto")}
	if len(m.scopes) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(m.scopes, ",")))
	}
	return m.conf.AuthCodeURL(state, opts...)
}

// CompleteAuthorization redeems state and exchanges code for the owner's first credential.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) (*domain.OAuthCredential, error) {
	if m.states == nil {
		return nil, ErrNoStateStore
	}
	saved, err := m.states.ConsumeState(ctx, statePrefix+state)
	if err != nil {
		return nil, err
	}
	if saved == nil || saved.OwnerID == "" {
		return nil, domain.ErrInvalidState
	}
	return m.Connect(ctx, saved.OwnerID, code)
}

// Connect exchanges an authorization code and stores the resulting credential.
func (m *Manager) Connect(ctx context.Context, ownerID, code string) (*domain.OAuthCredential, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tok, err := m.conf.Exchange(m.clientContext(ctx), code)
	if err != nil {
		m.logger.Warn("authorization code exchange failed", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, fmt.Errorf("%w: code exchange: %w", domain.ErrAuthorizationFailed, err)
	}

	cred := domain.OAuthCredential{
		OwnerID:      ownerID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiryOf(tok),
		AthleteID:    athleteID(tok),
		UpdatedAt:    m.now().UTC(),
	}
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	m.logger.Info("provider account connected", zap.String("owner_id", ownerID), zap.String("athlete_id", cred.AthleteID))
	return &cred, nil
}

// Connected reports whether ownerID has a stored credential.
func (m *Manager) Connected(ctx context.Context, ownerID string) (bool, error) {
	cred, err := m.store.GetCredential(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

func athleteID(tok *oauth2.Token) string {
	athlete, ok := tok.Extra("athlete").(map[string]interface{})
	if !ok {
		return ""
	}
	switch id := athlete["id"].(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case string:
		return id
	}
	return ""
}

func secureRandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
