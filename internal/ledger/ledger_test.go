package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/persistence/memory"
)

func TestAppendUpdatesAggregate(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seedAggregate(t, store, "u1", 10.0, 2)

	l := New(store)
	activity, err := l.Append(ctx, input("u1", 5.0, ""))
	require.NoError(t, err)
	require.NotEmpty(t, activity.ID)
	require.False(t, activity.CreatedAt.IsZero())

	agg, err := store.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.InDelta(t, 15.0, agg.TotalDistance, 1e-9)
	require.EqualValues(t, 3, agg.TotalLoggedActivities)
}

func TestAppendCreatesAggregateFromZero(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	_, err := New(store).Append(ctx, input("u1", 0, ""))
	require.NoError(t, err)

	agg, err := store.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, agg)
	require.Zero(t, agg.TotalDistance)
	require.EqualValues(t, 1, agg.TotalLoggedActivities)
}

func TestAppendAssignsCommitTimestampWhenMissing(t *testing.T) {
	store := memory.NewStore()
	fixed := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	l := New(store, WithClock(func() time.Time { return fixed }))

	activity, err := l.Append(context.Background(), input("u1", 2.5, ""))
	require.NoError(t, err)
	require.Equal(t, fixed, activity.Timestamp)

	in := input("u1", 1, "")
	in.Timestamp = fixed.Add(-48 * time.Hour)
	activity, err = l.Append(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, fixed.Add(-48*time.Hour), activity.Timestamp)
}

func TestAppendSkipsDuplicateExternalSource(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	l := New(store)

	first, err := l.Append(ctx, input("u1", 7.5, "strava:42"))
	require.NoError(t, err)

	existing, err := l.Append(ctx, input("u1", 7.5, "strava:42"))
	require.ErrorIs(t, err, domain.ErrDuplicateSkipped)
	require.NotNil(t, existing)
	require.Equal(t, first.ID, existing.ID)

	agg, err := store.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.InDelta(t, 7.5, agg.TotalDistance, 1e-9)
	require.EqualValues(t, 1, agg.TotalLoggedActivities)

	// The same provider id for another user is a different record.
	_, err = l.Append(ctx, input("u2", 7.5, "strava:42"))
	require.NoError(t, err)
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	l := New(memory.NewStore())
	ctx := context.Background()

	cases := map[string]func(*domain.ActivityInput){
		"negative distance": func(in *domain.ActivityInput) { in.Distance = -1 },
		"zero duration":     func(in *domain.ActivityInput) { in.DurationSec = 0 },
		"blank location":    func(in *domain.ActivityInput) { in.Location = "   " },
		"missing user":      func(in *domain.ActivityInput) { in.UserID = "" },
		"missing event":     func(in *domain.ActivityInput) { in.EventID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := input("u1", 1, "")
			mutate(&in)
			_, err := l.Append(ctx, in)
			require.ErrorIs(t, err, domain.ErrInvalidActivity)
		})
	}
}

func TestConcurrentAppendsKeepTotalsExact(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	l := New(store)

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, input("u1", float64(i%5)+0.5, fmt.Sprintf("strava:%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var want float64
	for i := 0; i < writers; i++ {
		want += float64(i%5) + 0.5
	}

	agg, err := store.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.InDelta(t, want, agg.TotalDistance, 1e-9)
	require.EqualValues(t, writers, agg.TotalLoggedActivities)

	items, err := store.ListByUser(ctx, "u1", nil, 100)
	require.NoError(t, err)
	require.Len(t, items, writers)
}

func TestAppendRetriesConflicts(t *testing.T) {
	store := &flakyStore{LedgerStore: memory.NewStore(), conflicts: 2}
	l := New(store, WithRetry(5, time.Millisecond))

	_, err := l.Append(context.Background(), input("u1", 3, ""))
	require.NoError(t, err)
	require.Equal(t, 3, store.calls)
}

func TestAppendGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{LedgerStore: memory.NewStore(), conflicts: 100}
	l := New(store, WithRetry(3, time.Millisecond))

	_, err := l.Append(context.Background(), input("u1", 3, ""))
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	require.ErrorIs(t, err, domain.ErrTxConflict)
	require.Equal(t, 3, store.calls)
}

func TestAppendWrapsStoreFailures(t *testing.T) {
	boom := errors.New("disk on fire")
	l := New(failingStore{err: boom})

	_, err := l.Append(context.Background(), input("u1", 3, ""))
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	require.ErrorIs(t, err, boom)
}

func TestAppendStopsRetryingWhenContextEnds(t *testing.T) {
	store := &flakyStore{LedgerStore: memory.NewStore(), conflicts: 100}
	l := New(store, WithRetry(10, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.Append(ctx, input("u1", 3, ""))
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, store.calls)
}

func input(userID string, distance float64, externalID string) domain.ActivityInput {
	return domain.ActivityInput{
		UserID:           userID,
		EventID:          "kl-marathon",
		Distance:         distance,
		DurationSec:      1800,
		Location:         "Kuala Lumpur",
		ExternalSourceID: externalID,
	}
}

func seedAggregate(t *testing.T, store *memory.Store, ownerID string, distance float64, count int64) {
	t.Helper()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx domain.LedgerTx) error {
		return tx.PutAggregate(ctx, domain.UserAggregate{OwnerID: ownerID, TotalDistance: distance, TotalLoggedActivities: count})
	}))
}

// flakyStore reports a conflict for the first n transactions.
type flakyStore struct {
	domain.LedgerStore
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *flakyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	s.mu.Lock()
	s.calls++
	conflict := s.calls <= s.conflicts
	s.mu.Unlock()
	if conflict {
		return fmt.Errorf("%w: simulated", domain.ErrTxConflict)
	}
	return s.LedgerStore.RunInTx(ctx, fn)
}

type failingStore struct {
	err error
}

func (s failingStore) RunInTx(context.Context, func(context.Context, domain.LedgerTx) error) error {
	return s.err
}
