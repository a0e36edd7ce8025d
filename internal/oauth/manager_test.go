package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/persistence/memory"
)

var now = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

type tokenServer struct {
	*httptest.Server
	calls   atomic.Int32
	handler func(w http.ResponseWriter, form url.Values)
}

func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *tokenServer {
	t.Helper()
	ts := &tokenServer{handler: handler}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		assert.NoError(t, r.ParseForm())
		ts.handler(w, r.PostForm)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeToken(w http.ResponseWriter, access, refresh string, expiresAt time.Time) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{
		"token_type":   "Bearer",
		"access_token": access,
		"expires_at":   expiresAt.Unix(),
		"expires_in":   int(expiresAt.Sub(now).Seconds()),
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	_ = json.NewEncoder(w).Encode(body)
}

func newManager(store domain.CredentialStore, tokenURL string, opts ...Option) *Manager {
	cfg := Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AuthURL:      "https://provider.example/oauth/authorize",
		TokenURL:     tokenURL,
		RedirectURL:  "https://app.example/api/strava/callback",
		Scopes:       []string{"read", "activity:read_all"},
		Timeout:      2 * time.Second,
	}
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewManager(store, cfg, opts...)
}

func seedCredential(t *testing.T, store domain.CredentialStore, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, store.PutCredential(context.Background(), domain.OAuthCredential{
		OwnerID:      "owner-1",
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    expiresAt,
		AthleteID:    "777",
	}))
}

func TestUsableTokenNotConnected(t *testing.T) {
	m := newManager(memory.NewStore(), "http://127.0.0.1:1/token")

	_, err := m.UsableToken(context.Background(), "owner-1")
	require.ErrorIs(t, err, domain.ErrNotConnected)
}

type unreadableStore struct {
	domain.CredentialStore
	err error
}

func (s unreadableStore) GetCredential(context.Context, string) (*domain.OAuthCredential, error) {
	return nil, s.err
}

func TestUsableTokenStoreReadFailureIsRefreshFailed(t *testing.T) {
	unreachable := errors.New("connection refused")
	m := newManager(unreadableStore{CredentialStore: memory.NewStore(), err: unreachable}, "http://127.0.0.1:1/token")

	_, err := m.UsableToken(context.Background(), "owner-1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
	require.ErrorIs(t, err, unreachable)
}

func TestUsableTokenReturnsUnexpiredTokenWithoutRefresh(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(time.Second))
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		t.Errorf("unexpected refresh")
	})

	token, err := newManager(store, ts.URL).UsableToken(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "a1", token)
	require.Zero(t, ts.calls.Load())
}

func TestUsableTokenRefreshesAtExactExpiry(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now)
	newExpiry := now.Add(6 * time.Hour)

	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "r1", form.Get("refresh_token"))
		assert.Equal(t, "client-1", form.Get("client_id"))
		assert.Equal(t, "secret-1", form.Get("client_secret"))
		writeToken(w, "a2", "r2", newExpiry)
	})

	token, err := newManager(store, ts.URL).UsableToken(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "a2", token)

	stored, err := store.GetCredential(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "a2", stored.AccessToken)
	require.Equal(t, "r2", stored.RefreshToken)
	require.True(t, newExpiry.Equal(stored.ExpiresAt))
	require.Equal(t, "777", stored.AthleteID)
}

func TestUsableTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(-time.Minute))
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeToken(w, "a2", "", now.Add(time.Hour))
	})

	_, err := newManager(store, ts.URL).UsableToken(context.Background(), "owner-1")
	require.NoError(t, err)

	stored, err := store.GetCredential(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "r1", stored.RefreshToken)
}

func TestUsableTokenRefreshFailureLeavesCredentialUntouched(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(-time.Minute))
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		http.Error(w, `{"message":"upstream down"}`, http.StatusBadGateway)
	})

	_, err := newManager(store, ts.URL).UsableToken(context.Background(), "owner-1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
	require.EqualValues(t, 1, ts.calls.Load())

	stored, err := store.GetCredential(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "a1", stored.AccessToken)
	require.Equal(t, "r1", stored.RefreshToken)
}

func TestUsableTokenTimesOut(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(-time.Minute))
	release := make(chan struct{})
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	m := NewManager(store, Config{ClientID: "c", ClientSecret: "s", TokenURL: ts.URL, Timeout: 50 * time.Millisecond},
		WithClock(func() time.Time { return now }))

	_, err := m.UsableToken(context.Background(), "owner-1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(-time.Minute))
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		time.Sleep(50 * time.Millisecond)
		writeToken(w, "a2", "r2", now.Add(6*time.Hour))
	})
	m := newManager(store, ts.URL)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.UsableToken(context.Background(), "owner-1")
			tokens <- token
			errs <- err
		}()
	}
	wg.Wait()
	close(tokens)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for token := range tokens {
		require.Equal(t, "a2", token)
	}
	require.EqualValues(t, 1, ts.calls.Load())
}

func TestUsableTokenToleratesRotationByAnotherProcess(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(-time.Minute))

	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		// Another instance redeemed r1 moments earlier.
		assert.NoError(t, store.PutCredential(context.Background(), domain.OAuthCredential{
			OwnerID:      "owner-1",
			AccessToken:  "a-other",
			RefreshToken: "r-other",
			ExpiresAt:    now.Add(time.Hour),
		}))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token already used"}`)
	})

	token, err := newManager(store, ts.URL).UsableToken(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "a-other", token)
}

func TestUsableTokenRejectedGrantWithoutRotationFails(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(-time.Minute))
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})

	_, err := newManager(store, ts.URL).UsableToken(context.Background(), "owner-1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
}

func TestUsableTokenHonoursCallerCancellation(t *testing.T) {
	store := memory.NewStore()
	seedCredential(t, store, now.Add(-time.Minute))
	release := make(chan struct{})
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newManager(store, ts.URL).UsableToken(ctx, "owner-1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
