//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/ledger"
)

func setupRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("challenge"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
		postgrescontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations must be re-runnable")
	return NewRepository(pool), pool
}

func TestCredentialUpsert(t *testing.T) {
	repo, _ := setupRepository(t)
	ctx := context.Background()

	missing, err := repo.GetCredential(ctx, "owner-1")
	require.NoError(t, err)
	require.Nil(t, missing)

	exp := time.Date(2024, 7, 1, 18, 0, 0, 0, time.UTC)
	cred := domain.OAuthCredential{OwnerID: "owner-1", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: exp, AthleteID: "777"}
	require.NoError(t, repo.PutCredential(ctx, cred))
	cred.AccessToken, cred.RefreshToken = "a2", "r2"
	require.NoError(t, repo.PutCredential(ctx, cred))

	got, err := repo.GetCredential(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, "a2", got.AccessToken)
	require.Equal(t, "r2", got.RefreshToken)
	require.True(t, exp.Equal(got.ExpiresAt))
}

func TestConcurrentAppendsKeepAggregateConsistent(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	l := ledger.New(repo, ledger.WithRetry(50, 5*time.Millisecond))
	ts := time.Date(2024, 5, 5, 6, 0, 0, 0, time.UTC)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, domain.ActivityInput{
				UserID: "u1", EventID: "ev", Distance: 1.5, DurationSec: 600,
				Location: "KL", Timestamp: ts.Add(time.Duration(i) * time.Minute),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	agg, err := repo.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.InDelta(t, 30.0, agg.TotalDistance, 1e-9)
	require.EqualValues(t, writers, agg.TotalLoggedActivities)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&outboxRows))
	require.Equal(t, writers, outboxRows)
}

func TestImportedActivityIsDeduplicated(t *testing.T) {
	repo, _ := setupRepository(t)
	ctx := context.Background()
	l := ledger.New(repo, ledger.WithRetry(20, 5*time.Millisecond))

	input := domain.ActivityInput{
		UserID: "u1", EventID: "ev", Distance: 5, DurationSec: 1800,
		Location: "Strava", Timestamp: time.Date(2024, 5, 5, 6, 0, 0, 0, time.UTC),
		ExternalSourceID: "strava:42",
	}

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, input)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, domain.ErrDuplicateSkipped)
	}
	require.Equal(t, 1, succeeded)

	agg, err := repo.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, agg.TotalLoggedActivities)

	other := input
	other.UserID = "u2"
	_, err = l.Append(ctx, other)
	require.NoError(t, err, "external ids are scoped per user")
}

func TestFeedOrderingAndCursor(t *testing.T) {
	repo, _ := setupRepository(t)
	ctx := context.Background()
	l := ledger.New(repo)
	ts := time.Date(2024, 5, 5, 6, 0, 0, 0, time.UTC)

	for i, stamp := range []time.Time{ts, ts.Add(time.Hour), ts, ts.Add(2 * time.Hour)} {
		_, err := l.Append(ctx, domain.ActivityInput{
			UserID: "u1", EventID: "ev", Distance: float64(i + 1), DurationSec: 60,
			Location: "KL", Timestamp: stamp,
		})
		require.NoError(t, err)
	}

	all, err := repo.ListByEvent(ctx, "ev", nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		require.True(t, prev.Timestamp.After(cur.Timestamp) || (prev.Timestamp.Equal(cur.Timestamp) && prev.ID > cur.ID))
	}

	first, err := repo.ListByEvent(ctx, "ev", nil, 2)
	require.NoError(t, err)
	cursor := domain.CursorFor(first[1])
	rest, err := repo.ListByEvent(ctx, "ev", cursor, 10)
	require.NoError(t, err)
	require.Equal(t, all[2:], rest)

	none, err := repo.ListByUser(ctx, "nobody", nil, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}
