// Package ledger appends activities and keeps each user's running totals in
// step with them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/observability"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 20 * time.Millisecond
	maxBackoff         = time.Second
)

// Ledger is the only writer of activities and user aggregates.
type Ledger struct {
	store       domain.LedgerStore
	validate    *validator.Validate
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time
	newID       func() string
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRetry bounds the optimistic retry loop. Non-positive values keep the defaults.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(l *Ledger) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			l.baseDelay = baseDelay
		}
	}
}

// WithClock overrides the commit-time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithIDGenerator overrides activity id generation.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) {
		l.newID = newID
	}
}

// New constructs a Ledger over store.
func New(store domain.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      zap.NewNop(),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one activity and folds it into the user's aggregate as a single
// atomic unit. When the input carries an external source id already recorded for
// the user, nothing is written and the existing activity is returned together
// with domain.ErrDuplicateSkipped.
func (l *Ledger) Append(ctx context.Context, input domain.ActivityInput) (*domain.Activity, error) {
	input.Location = strings.TrimSpace(input.Location)
	if err := l.validate.Struct(input); err != nil {
		observability.RecordAppend("invalid")
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidActivity, err)
	}

	activity := domain.Activity{
		ID:               l.newID(),
		UserID:           input.UserID,
		EventID:          input.EventID,
		Distance:         input.Distance,
		DurationSec:      input.DurationSec,
		Location:         input.Location,
		Notes:            input.Notes,
		ExternalSourceID: input.ExternalSourceID,
	}

	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		activity.Timestamp = input.Timestamp.UTC()
		var existing *domain.Activity
		err := l.store.RunInTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
			var err error
			existing, err = l.apply(ctx, tx, &activity)
			return err
		})

		switch {
		case err == nil:
			observability.RecordAppend("committed")
			observability.RecordActivityPersisted(activity.CreatedAt)
			return &activity, nil
		case errors.Is(err, domain.ErrDuplicateSkipped):
			observability.RecordAppend("duplicate")
			l.logger.Debug("activity already recorded",
				zap.String("user_id", input.UserID),
				zap.String("external_source_id", input.ExternalSourceID),
			)
			return existing, err
		case errors.Is(err, domain.ErrTxConflict):
			observability.RecordTxConflict()
			lastErr = err
			l.logger.Debug("ledger transaction conflict, retrying",
				zap.String("user_id", input.UserID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt < l.maxAttempts {
				if waitErr := sleep(ctx, l.backoff(attempt)); waitErr != nil {
					observability.RecordAppend("failed")
					return nil, fmt.Errorf("%w: %w", domain.ErrPersistenceFailure, waitErr)
				}
			}
		default:
			observability.RecordAppend("failed")
			l.logger.Error("ledger append failed", zap.String("user_id", input.UserID), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", domain.ErrPersistenceFailure, err)
		}
	}

	observability.RecordAppend("failed")
	l.logger.Warn("ledger append gave up after repeated conflicts",
		zap.String("user_id", input.UserID),
		zap.Int("attempts", l.maxAttempts),
	)
	return nil, fmt.Errorf("%w: gave up after %d attempts: %w", domain.ErrPersistenceFailure, l.maxAttempts, lastErr)
}

// apply runs the duplicate check and the aggregate read-modify-write against tx.
// Reads precede writes so document stores can run the same sequence.
func (l *Ledger) apply(ctx context.Context, tx domain.LedgerTx, activity *domain.Activity) (*domain.Activity, error) {
	if activity.ExternalSourceID != "" {
		existing, err := tx.FindByExternalSource(ctx, activity.UserID, activity.ExternalSourceID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, domain.ErrDuplicateSkipped
		}
	}

	agg, err := tx.GetAggregate(ctx, activity.UserID)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		agg = &domain.UserAggregate{OwnerID: activity.UserID}
	}

	now := l.now().UTC()
	activity.CreatedAt = now
	if activity.Timestamp.IsZero() {
		activity.Timestamp = now
	}

	if err := tx.InsertActivity(ctx, *activity); err != nil {
		return nil, err
	}

	agg.TotalDistance += activity.Distance
	agg.TotalLoggedActivities++
	agg.UpdatedAt = now
	if err := tx.PutAggregate(ctx, *agg); err != nil {
		return nil, err
	}
	return nil, nil
}

func (l *Ledger) backoff(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * l.baseDelay
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
