// Package feed serves the read side: recent activity lists and challenge progress.
package feed

import (
	"context"
	"fmt"

	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/persistence"
)

const (
	// DefaultLimit matches the size of the recent-activity lists.
	DefaultLimit = 20
	// MaxLimit caps any single read.
	MaxLimit = 100
)

// Reader lists committed activities newest first, ties broken by descending id.
type Reader struct {
	query domain.ActivityQuery
}

// NewReader constructs a Reader.
func NewReader(query domain.ActivityQuery) *Reader {
	return &Reader{query: query}
}

// Page is one slice of a feed plus the token for the next one.
type Page struct {
	Items []domain.Activity
	// NextCursor is empty when no further items exist.
	NextCursor string
}

// ListByEvent returns up to limit of the event's most recent activities.
func (r *Reader) ListByEvent(ctx context.Context, eventID string, limit int) ([]domain.Activity, error) {
	return r.query.ListByEvent(ctx, eventID, nil, clamp(limit))
}

// ListByUser returns up to limit of the user's most recent activities.
func (r *Reader) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	return r.query.ListByUser(ctx, userID, nil, clamp(limit))
}

// PageByEvent continues an event feed from cursor.
func (r *Reader) PageByEvent(ctx context.Context, eventID, cursor string, limit int) (Page, error) {
	return r.page(ctx, cursor, limit, func(c *domain.Cursor, n int) ([]domain.Activity, error) {
		return r.query.ListByEvent(ctx, eventID, c, n)
	})
}

// PageByUser continues a user feed from cursor.
func (r *Reader) PageByUser(ctx context.Context, userID, cursor string, limit int) (Page, error) {
	return r.page(ctx, cursor, limit, func(c *domain.Cursor, n int) ([]domain.Activity, error) {
		return r.query.ListByUser(ctx, userID, c, n)
	})
}

func (r *Reader) page(ctx context.Context, token string, limit int, list func(*domain.Cursor, int) ([]domain.Activity, error)) (Page, error) {
	cursor, err := persistence.DecodeCursor(token)
	if err != nil {
		return Page{}, fmt.Errorf("invalid cursor: %w", err)
	}
	limit = clamp(limit)

	// Fetch one extra row to learn whether another page exists.
	items, err := list(cursor, limit+1)
	if err != nil {
		return Page{}, err
	}

	page := Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = persistence.EncodeCursor(domain.CursorFor(page.Items[limit-1]))
	}
	return page, nil
}

// Aggregate returns the user's committed totals, zero-valued when nothing has been logged.
func (r *Reader) Aggregate(ctx context.Context, userID string) (domain.UserAggregate, error) {
	agg, err := r.query.GetAggregate(ctx, userID)
	if err != nil {
		return domain.UserAggregate{}, err
	}
	if agg == nil {
		return domain.UserAggregate{OwnerID: userID}, nil
	}
	return *agg, nil
}

func clamp(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
