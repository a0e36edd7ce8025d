// Package importer pulls recent provider activities into the ledger.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/observability"
	"github.com/baymingyih/KR7/internal/provider/strava"
)

const (
	defaultPageSize     = 30
	defaultFetchTimeout = 15 * time.Second
	fallbackLocation    = "Strava"
)

// TokenSource hands out usable provider access tokens.
type TokenSource interface {
	UsableToken(ctx context.Context, ownerID string) (string, error)
}

// ActivityLister fetches one page of provider activities.
type ActivityLister interface {
	ListActivities(ctx context.Context, accessToken string, params strava.ListParams) ([]strava.Activity, error)
}

// Appender writes one activity to the ledger.
type Appender interface {
	Append(ctx context.Context, input domain.ActivityInput) (*domain.Activity, error)
}

// Request selects the owner whose activities are imported and the challenge
// event they count towards. Since, when set, limits the page to activities
// started after it.
type Request struct {
	OwnerID string
	EventID string
	Since   *time.Time
}

// Result summarises one import cycle.
type Result struct {
	Imported []domain.Activity
	Skipped  int
	Rejected int
	// Watermark is the latest provider start time seen, suitable as the next Since.
	Watermark time.Time
}

// Importer runs bounded, one-page import cycles.
type Importer struct {
	tokens       TokenSource
	provider     ActivityLister
	ledger       Appender
	pageSize     int
	fetchTimeout time.Duration
	logger       *zap.Logger
}

// Option customises an Importer.
type Option func(*Importer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Importer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithPageSize bounds how many provider records one cycle reads.
func WithPageSize(size int) Option {
	return func(i *Importer) {
		if size > 0 {
			i.pageSize = size
		}
	}
}

// WithFetchTimeout bounds the provider call.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(i *Importer) {
		if timeout > 0 {
			i.fetchTimeout = timeout
		}
	}
}

// New constructs an Importer.
func New(tokens TokenSource, provider ActivityLister, ledger Appender, opts ...Option) *Importer {
	i := &Importer{
		tokens:       tokens,
		provider:     provider,
		ledger:       ledger,
		pageSize:     defaultPageSize,
		fetchTimeout: defaultFetchTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ImportRecent fetches one page of the owner's most recent activities and
// appends each through the ledger. Records already imported are skipped. No
// append happens unless the whole page was fetched; a ledger failure stops the
// cycle, leaving earlier appends of the same cycle committed.
func (i *Importer) ImportRecent(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	result := &Result{}
	if req.Since != nil {
		result.Watermark = req.Since.UTC()
	}

	token, err := i.tokens.UsableToken(ctx, req.OwnerID)
	if err != nil {
		return result, err
	}

	params := strava.ListParams{PerPage: i.pageSize}
	if req.Since != nil {
		params.After = *req.Since
	}

	fetchCtx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
	records, err := i.provider.ListActivities(fetchCtx, token, params)
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
		}
		i.logger.Warn("provider fetch failed", zap.String("owner_id", req.OwnerID), zap.Error(err))
		return result, err
	}

	inputs := make([]domain.ActivityInput, 0, len(records))
	for _, record := range records {
		if record.StartDate.After(result.Watermark) {
			result.Watermark = record.StartDate.UTC()
		}
		inputs = append(inputs, toInput(req, record))
	}

	for _, input := range inputs {
		activity, err := i.ledger.Append(ctx, input)
		switch {
		case err == nil:
			result.Imported = append(result.Imported, *activity)
		case errors.Is(err, domain.ErrDuplicateSkipped):
			result.Skipped++
		case errors.Is(err, domain.ErrInvalidActivity):
			result.Rejected++
			i.logger.Info("provider activity rejected",
				zap.String("owner_id", req.OwnerID),
				zap.String("external_source_id", input.ExternalSourceID),
				zap.Error(err),
			)
		default:
			observability.RecordImport(started, len(result.Imported), result.Skipped, result.Rejected)
			return result, err
		}
	}

	observability.RecordImport(started, len(result.Imported), result.Skipped, result.Rejected)
	i.logger.Info("import cycle finished",
		zap.String("owner_id", req.OwnerID),
		zap.Int("fetched", len(records)),
		zap.Int("imported", len(result.Imported)),
		zap.Int("skipped", result.Skipped),
		zap.Int("rejected", result.Rejected),
	)
	return result, nil
}

func toInput(req Request, record strava.Activity) domain.ActivityInput {
	duration := record.MovingTime
	if duration <= 0 {
		duration = record.ElapsedTime
	}
	location := fallbackLocation
	if record.LocationCity != nil && *record.LocationCity != "" {
		location = *record.LocationCity
	}
	return domain.ActivityInput{
		UserID:           req.OwnerID,
		EventID:          req.EventID,
		Distance:         record.Distance / 1000,
		DurationSec:      duration,
		Location:         location,
		Notes:            record.Name,
		Timestamp:        record.StartDate.UTC(),
		ExternalSourceID: strava.ExternalSourceID(record.ID),
	}
}
