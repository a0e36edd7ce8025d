package domain

import "time"

// Activity is an immutable record of one workout contributed to a challenge event.
type Activity struct {
	ID               string
	UserID           string
	EventID          string
	Distance         float64 // kilometres
	DurationSec      int
	Location         string
	Notes            string
	Timestamp        time.Time
	ExternalSourceID string
	CreatedAt        time.Time
}

// Imported reports whether the activity originated from a connected provider.
func (a Activity) Imported() bool {
	return a.ExternalSourceID != ""
}

// ActivityInput is the payload accepted by the ledger. A zero Timestamp is
// replaced with the commit time.
type ActivityInput struct {
	UserID           string    `validate:"required"`
	EventID          string    `validate:"required"`
	Distance         float64   `validate:"gte=0"`
	DurationSec      int       `validate:"gt=0"`
	Location         string    `validate:"required"`
	Notes            string    `validate:"max=2000"`
	Timestamp        time.Time
	ExternalSourceID string `validate:"max=128"`
}

// UserAggregate holds the running totals for one user. TotalDistance and
// TotalLoggedActivities always equal the sum and count of the user's activities.
type UserAggregate struct {
	OwnerID               string
	TotalDistance         float64
	TotalLoggedActivities int64
	UpdatedAt             time.Time
}

// Cursor models the pagination position inside a most-recent-first feed.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// CursorFor returns the cursor positioned after the given activity.
func CursorFor(a Activity) *Cursor {
	return &Cursor{Timestamp: a.Timestamp, ID: a.ID}
}

// Admits reports whether a sorts strictly after the cursor position in a
// newest-first feed and therefore belongs to the next page.
func (c *Cursor) Admits(a Activity) bool {
	if c == nil {
		return true
	}
	if a.Timestamp.Equal(c.Timestamp) {
		return a.ID < c.ID
	}
	return a.Timestamp.Before(c.Timestamp)
}
