package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/pkg/events"
)

const activityColumns = `activity_id, user_id, event_id, distance_km, duration_sec, location, notes, occurred_at, COALESCE(external_source_id, ''), created_at`

// Repository provides Postgres-backed persistence for credentials, the activity
// ledger and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetCredential loads the owner's OAuth credential, returning nil when absent.
func (r *Repository) GetCredential(ctx context.Context, ownerID string) (*domain.OAuthCredential, error) {
	const query = `SELECT owner_id, access_token, refresh_token, expires_at, COALESCE(athlete_id, ''), updated_at
        FROM oauth_credentials WHERE owner_id=$1`

	var cred domain.OAuthCredential
	err := r.pool.QueryRow(ctx, query, ownerID).Scan(&cred.OwnerID, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.AthleteID, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

// PutCredential inserts or replaces the owner's credential.
func (r *Repository) PutCredential(ctx context.Context, cred domain.OAuthCredential) error {
	const stmt = `INSERT INTO oauth_credentials (owner_id, access_token, refresh_token, expires_at, athlete_id, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (owner_id) DO UPDATE SET
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at,
            athlete_id = COALESCE(EXCLUDED.athlete_id, oauth_credentials.athlete_id),
            updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, stmt, cred.OwnerID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.UTC(), nullIfEmpty(cred.AthleteID), cred.UpdatedAt.UTC())
	return err
}

// RunInTx executes fn inside a SERIALIZABLE transaction. Serialization failures,
// deadlocks and unique violations are reported as domain.ErrTxConflict so the
// ledger can retry the whole unit.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, &ledgerTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// ListByEvent returns the event's activities newest first.
func (r *Repository) ListByEvent(ctx context.Context, eventID string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	return r.list(ctx, "event_id", eventID, cursor, limit)
}

// ListByUser returns the user's activities newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	return r.list(ctx, "user_id", userID, cursor, limit)
}

// GetAggregate reads the committed totals for an owner outside any ledger transaction.
func (r *Repository) GetAggregate(ctx context.Context, ownerID string) (*domain.UserAggregate, error) {
	return getAggregate(ctx, r.pool, ownerID, false)
}

func (r *Repository) list(ctx context.Context, column, value string, cursor *domain.Cursor, limit int) ([]domain.Activity, error) {
	args := []interface{}{value, limit}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE ` + column + `=$1`

	if cursor != nil {
		query += ` AND (occurred_at, activity_id) < ($3, $4)`
		args = append(args, cursor.Timestamp, cursor.ID)
	}

	query += ` ORDER BY occurred_at DESC, activity_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, limit)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAggregate(ctx context.Context, q queryer, ownerID string, forUpdate bool) (*domain.UserAggregate, error) {
	query := `SELECT owner_id, total_distance, total_logged_activities, updated_at FROM user_aggregates WHERE owner_id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var agg domain.UserAggregate
	if err := q.QueryRow(ctx, query, ownerID).Scan(&agg.OwnerID, &agg.TotalDistance, &agg.TotalLoggedActivities, &agg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &agg, nil
}

// ledgerTx binds domain.LedgerTx to a pgx transaction.
type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) FindByExternalSource(ctx context.Context, userID, externalSourceID string) (*domain.Activity, error) {
	if externalSourceID == "" {
		return nil, nil
	}
	row := t.tx.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE user_id=$1 AND external_source_id=$2`, userID, externalSourceID)
	activity, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &activity, nil
}

func (t *ledgerTx) GetAggregate(ctx context.Context, ownerID string) (*domain.UserAggregate, error) {
	return getAggregate(ctx, t.tx, ownerID, true)
}

func (t *ledgerTx) InsertActivity(ctx context.Context, activity domain.Activity) error {
	const stmt = `INSERT INTO activities (activity_id, user_id, event_id, distance_km, duration_sec, location, notes, occurred_at, external_source_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	if _, err := t.tx.Exec(ctx, stmt,
		activity.ID,
		activity.UserID,
		activity.EventID,
		activity.Distance,
		activity.DurationSec,
		activity.Location,
		activity.Notes,
		activity.Timestamp.UTC(),
		nullIfEmpty(activity.ExternalSourceID),
		activity.CreatedAt.UTC(),
	); err != nil {
		return err
	}

	source := "manual"
	if activity.Imported() {
		source = "strava"
	}
	return insertOutbox(ctx, t.tx, activity, events.TypeActivityLogged, events.ActivityLogged{
		ActivityID:       activity.ID,
		UserID:           activity.UserID,
		EventID:          activity.EventID,
		DistanceKm:       activity.Distance,
		DurationSec:      activity.DurationSec,
		OccurredAt:       activity.Timestamp.UTC(),
		Source:           source,
		ExternalSourceID: activity.ExternalSourceID,
	})
}

func (t *ledgerTx) PutAggregate(ctx context.Context, agg domain.UserAggregate) error {
	const stmt = `INSERT INTO user_aggregates (owner_id, total_distance, total_logged_activities, updated_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (owner_id) DO UPDATE SET
            total_distance = EXCLUDED.total_distance,
            total_logged_activities = EXCLUDED.total_logged_activities,
            updated_at = EXCLUDED.updated_at`

	_, err := t.tx.Exec(ctx, stmt, agg.OwnerID, agg.TotalDistance, agg.TotalLoggedActivities, agg.UpdatedAt.UTC())
	return err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, activity domain.Activity, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err = tx.Exec(ctx, stmt,
		"activity",
		activity.ID,
		eventType,
		meta.Topic,
		meta.PartitionKeyFn(activity),
		body,
		fmt.Sprintf("%s:%s", activity.ID, eventType),
	)
	return err
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	err := row.Scan(&a.ID, &a.UserID, &a.EventID, &a.Distance, &a.DurationSec, &a.Location, &a.Notes, &a.Timestamp, &a.ExternalSourceID, &a.CreatedAt)
	return a, err
}

// classify maps contention errors onto domain.ErrTxConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s (%s)", domain.ErrTxConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	PartitionKeyFn func(domain.Activity) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeActivityLogged: {
		Topic: "activity_logged",
		PartitionKeyFn: func(a domain.Activity) string {
			return a.UserID
		},
	},
}
