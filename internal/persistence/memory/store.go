// Package memory provides an in-process implementation of the storage
// contracts for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/baymingyih/KR7/internal/domain"
)

// Store keeps credentials, activities and aggregates in maps guarded by one
// lock. Ledger transactions hold the write lock for their whole duration, which
// makes them trivially serializable.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]domain.OAuthCredential
	activities  map[string]domain.Activity
	aggregates  map[string]domain.UserAggregate
	external    map[externalKey]string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]domain.OAuthCredential),
		activities:  make(map[string]domain.Activity),
		aggregates:  make(map[string]domain.UserAggregate),
		external:    make(map[externalKey]string),
	}
}

// GetCredential implements domain.CredentialStore.
func (s *Store) GetCredential(ctx context.Context, ownerID string) (*domain.OAuthCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[ownerID]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// PutCredential implements domain.CredentialStore.
func (s *Store) PutCredential(ctx context.Context, cred domain.OAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[cred.OwnerID] = cred
	return nil
}

// RunInTx implements domain.LedgerStore. Writes are staged and applied only
// when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &stagedTx{store: s, aggregates: make(map[string]domain.UserAggregate)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for _, activity := range tx.activities {
		if activity.ExternalSourceID == "" {
			continue
		}
		if _, exists := s.external[externalKey{activity.UserID, activity.ExternalSourceID}]; exists {
			return fmt.Errorf("%w: external source %s already recorded", domain.ErrTxConflict, activity.ExternalSourceID)
		}
	}
	for _, activity := range tx.activities {
		if activity.ExternalSourceID != "" {
			s.external[externalKey{activity.UserID, activity.ExternalSourceID}] = activity.ID
		}
		s.activities[activity.ID] = activity
	}
	for ownerID, agg := range tx.aggregates {
		s.aggregates[ownerID] = agg
	}
	return nil
}

// ListByEvent implements domain.ActivityQuery.
func (s *Store) ListByEvent(ctx context.Context, eventID string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	return s.list(func(a domain.Activity) bool { return a.EventID == eventID }, cursor, limit), nil
}

// ListByUser implements domain.ActivityQuery.
func (s *Store) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	return s.list(func(a domain.Activity) bool { return a.UserID == userID }, cursor, limit), nil
}

// GetAggregate implements domain.ActivityQuery.
func (s *Store) GetAggregate(ctx context.Context, ownerID string) (*domain.UserAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[ownerID]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (s *Store) list(match func(domain.Activity) bool, cursor *domain.Cursor, limit int) []domain.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]domain.Activity, 0)
	for _, activity := range s.activities {
		if match(activity) && cursor.Admits(activity) {
			results = append(results, activity)
		}
	}
	SortNewestFirst(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// SortNewestFirst orders activities by timestamp descending, then id descending.
func SortNewestFirst(activities []domain.Activity) {
	sort.Slice(activities, func(i, j int) bool {
		a, b := activities[i], activities[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID > b.ID
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

type stagedTx struct {
	store      *Store
	activities []domain.Activity
	aggregates map[string]domain.UserAggregate
}

func (t *stagedTx) FindByExternalSource(ctx context.Context, userID, externalSourceID string) (*domain.Activity, error) {
	if externalSourceID == "" {
		return nil, nil
	}
	for _, staged := range t.activities {
		if staged.UserID == userID && staged.ExternalSourceID == externalSourceID {
			found := staged
			return &found, nil
		}
	}
	id, ok := t.store.external[externalKey{userID, externalSourceID}]
	if !ok {
		return nil, nil
	}
	found := t.store.activities[id]
	return &found, nil
}

func (t *stagedTx) GetAggregate(ctx context.Context, ownerID string) (*domain.UserAggregate, error) {
	if agg, ok := t.aggregates[ownerID]; ok {
		return &agg, nil
	}
	agg, ok := t.store.aggregates[ownerID]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (t *stagedTx) InsertActivity(ctx context.Context, activity domain.Activity) error {
	if _, exists := t.store.activities[activity.ID]; exists {
		return fmt.Errorf("activity %s already exists", activity.ID)
	}
	t.activities = append(t.activities, activity)
	return nil
}

func (t *stagedTx) PutAggregate(ctx context.Context, agg domain.UserAggregate) error {
	t.aggregates[agg.OwnerID] = agg
	return nil
}

// externalKey identifies an imported activity within one user's ledger.
type externalKey struct {
	userID           string
	externalSourceID string
}
