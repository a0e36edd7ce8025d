// Package app assembles the challenge core from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/baymingyih/KR7/internal/cache"
	"github.com/baymingyih/KR7/internal/config"
	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/feed"
	"github.com/baymingyih/KR7/internal/importer"
	"github.com/baymingyih/KR7/internal/ledger"
	"github.com/baymingyih/KR7/internal/oauth"
	"github.com/baymingyih/KR7/internal/persistence/firestore"
	"github.com/baymingyih/KR7/internal/persistence/memory"
	"github.com/baymingyih/KR7/internal/persistence/postgres"
	"github.com/baymingyih/KR7/internal/provider/strava"
)

// Store is what every persistence backend provides.
type Store interface {
	domain.CredentialStore
	domain.LedgerStore
	domain.ActivityQuery
}

// App holds the wired components. Pool is nil unless the postgres backend is
// selected; the outbox only exists there.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Pool     *pgxpool.Pool
	Store    Store
	OAuth    *oauth.Manager
	Strava   *strava.Client
	Ledger   *ledger.Ledger
	Importer *importer.Importer
	Feed     *feed.Reader
	Goal     feed.Goal

	closers []func() error
}

// New opens the configured store and builds every component on top of it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.OAuth = oauth.NewManager(a.Store, oauth.Config{
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		AuthURL:      cfg.Strava.AuthURL,
		TokenURL:     cfg.Strava.TokenURL,
		RedirectURL:  cfg.Strava.RedirectURL,
		Scopes:       cfg.Strava.Scopes,
		Timeout:      cfg.Strava.OAuthTimeout,
		StateTTL:     cfg.Strava.StateTTL,
	},
		oauth.WithLogger(logger.Named("oauth")),
		oauth.WithStateStore(a.stateStore()),
	)

	a.Strava = strava.NewClient(cfg.Strava.APIURL,
		strava.WithHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout}),
		strava.WithRateLimit(cfg.Provider.RatePerWindow, cfg.Provider.RateWindow, cfg.Provider.Burst),
	)

	a.Ledger = ledger.New(a.Store,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithRetry(cfg.LedgerMaxAttempts, cfg.LedgerBaseDelay),
	)

	a.Importer = importer.New(a.OAuth, a.Strava, a.Ledger,
		importer.WithLogger(logger.Named("importer")),
		importer.WithPageSize(cfg.ImportPageSize),
		importer.WithFetchTimeout(cfg.Provider.Timeout),
	)

	a.Feed = feed.NewReader(a.Store)
	a.Goal = feed.DefaultGoal
	if cfg.GoalKm > 0 {
		a.Goal.DistanceKm = cfg.GoalKm
	}
	if cfg.GoalActivities > 0 {
		a.Goal.Activities = int64(cfg.GoalActivities)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, a.Config.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Pool = pool
		a.Store = postgres.NewRepository(pool)
	case config.BackendFirestore:
		if a.Config.FirestoreProjectID == "" {
			return errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
		repo, err := firestore.Open(ctx, a.Config.FirestoreProjectID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, repo.Close)
		a.Store = repo
	case config.BackendMemory:
		a.Logger.Warn("using in-memory store, data is lost on exit")
		a.Store = memory.NewStore()
	default:
		return fmt.Errorf("unknown store backend %q", a.Config.StoreBackend)
	}
	a.Logger.Info("store opened", zap.String("backend", a.Config.StoreBackend))
	return nil
}

func (a *App) stateStore() oauth.StateStore {
	if a.Config.Redis.Addr == "" {
		return cache.NewMemoryStateStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)
	return cache.NewRedisStateStore(client)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
