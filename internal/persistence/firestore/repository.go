// Package firestore stores credentials, activities and per-user totals in
// Cloud Firestore.
//
// Layout:
//
//	strava_credentials/{ownerID}
//	activities/{activityID}
//	users/{ownerID}                                      totals merged into the user document
//	users/{ownerID}/imported_activities/{externalID}     dedupe marker
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/baymingyih/KR7/internal/domain"
)

const (
	credentialsCollection = "strava_credentials"
	activitiesCollection  = "activities"
	usersCollection       = "users"
	markersCollection     = "imported_activities"
)

// Repository implements domain.CredentialStore, domain.LedgerStore and
// domain.ActivityQuery.
type Repository struct {
	client *firestore.Client
}

// NewRepository wraps an existing client.
func NewRepository(client *firestore.Client) *Repository {
	return &Repository{client: client}
}

// Open creates a client for projectID. FIRESTORE_EMULATOR_HOST is honoured by the SDK.
func Open(ctx context.Context, projectID string) (*Repository, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return NewRepository(client), nil
}

func (r *Repository) Close() error {
	return r.client.Close()
}

func (r *Repository) credentials() *Collection[domain.OAuthCredential] {
	return &Collection[domain.OAuthCredential]{
		Ref:           r.client.Collection(credentialsCollection),
		ToFirestore:   CredentialToFirestore,
		FromFirestore: FirestoreToCredential,
	}
}

func (r *Repository) activities() *Collection[domain.Activity] {
	return &Collection[domain.Activity]{
		Ref:           r.client.Collection(activitiesCollection),
		ToFirestore:   ActivityToFirestore,
		FromFirestore: FirestoreToActivity,
	}
}

func (r *Repository) aggregates() *Collection[domain.UserAggregate] {
	return &Collection[domain.UserAggregate]{
		Ref:           r.client.Collection(usersCollection),
		ToFirestore:   AggregateToFirestore,
		FromFirestore: FirestoreToAggregate,
	}
}

func (r *Repository) markers(userID string) *Collection[importMarker] {
	return &Collection[importMarker]{
		Ref:           r.client.Collection(usersCollection).Doc(userID).Collection(markersCollection),
		ToFirestore:   markerToFirestore,
		FromFirestore: firestoreToMarker,
	}
}

func (r *Repository) GetCredential(ctx context.Context, ownerID string) (*domain.OAuthCredential, error) {
	cred, err := r.credentials().Doc(ownerID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (r *Repository) PutCredential(ctx context.Context, cred domain.OAuthCredential) error {
	if err := r.credentials().Doc(cred.OwnerID).Set(ctx, &cred); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// RunInTx runs fn in a single-attempt Firestore transaction. Retrying is left to
// the caller, so contention surfaces as domain.ErrTxConflict.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &ledgerTx{repo: r, tx: tx})
	}, firestore.MaxAttempts(1))
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Aborted, codes.AlreadyExists:
		return fmt.Errorf("%w: %v", domain.ErrTxConflict, err)
	}
	return err
}

func (r *Repository) ListByEvent(ctx context.Context, eventID string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	return r.list(ctx, "event_id", eventID, cursor, limit)
}

func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	return r.list(ctx, "user_id", userID, cursor, limit)
}

func (r *Repository) GetAggregate(ctx context.Context, ownerID string) (*domain.UserAggregate, error) {
	agg, err := r.aggregates().Doc(ownerID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	if agg == nil {
		return &domain.UserAggregate{OwnerID: ownerID}, nil
	}
	return agg, nil
}

// list requires a composite index on (field ASC, timestamp DESC, __name__ DESC).
func (r *Repository) list(ctx context.Context, field, value string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	activities := r.activities()
	q := activities.Ref.
		Where(field, "==", value).
		OrderBy("timestamp", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
	if cursor != nil {
		q = q.StartAfter(cursor.Timestamp.UTC(), cursor.ID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	items, err := activities.All(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list activities by %s: %w", field, err)
	}
	return items, nil
}

type ledgerTx struct {
	repo *Repository
	tx   *firestore.Transaction
}

func (t *ledgerTx) FindByExternalSource(ctx context.Context, userID, externalSourceID string) (*domain.Activity, error) {
	marker, err := t.repo.markers(userID).Doc(markerID(externalSourceID)).TxGet(t.tx)
	if err != nil || marker == nil {
		return nil, err
	}
	return t.repo.activities().Doc(marker.ActivityID).TxGet(t.tx)
}

func (t *ledgerTx) GetAggregate(ctx context.Context, ownerID string) (*domain.UserAggregate, error) {
	agg, err := t.repo.aggregates().Doc(ownerID).TxGet(t.tx)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		return &domain.UserAggregate{OwnerID: ownerID}, nil
	}
	return agg, nil
}

// InsertActivity creates the activity and, for imported records, the dedupe
// marker. Create fails the commit if either document already exists.
func (t *ledgerTx) InsertActivity(ctx context.Context, activity domain.Activity) error {
	if err := t.repo.activities().Doc(activity.ID).TxCreate(t.tx, &activity); err != nil {
		return err
	}
	if !activity.Imported() {
		return nil
	}
	marker := &importMarker{ActivityID: activity.ID, ImportedAt: activity.CreatedAt}
	return t.repo.markers(activity.UserID).Doc(markerID(activity.ExternalSourceID)).TxCreate(t.tx, marker)
}

func (t *ledgerTx) PutAggregate(ctx context.Context, aggregate domain.UserAggregate) error {
	return t.repo.aggregates().Doc(aggregate.OwnerID).TxSet(t.tx, &aggregate)
}
