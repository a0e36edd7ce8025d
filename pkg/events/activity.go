// Package events defines the message payloads exchanged over Kafka.
package events

import "time"

const (
	// TypeActivityLogged is emitted after an activity and its aggregate update commit.
	TypeActivityLogged = "activity.logged"
	// TypeImportRequested asks a worker to pull the latest provider activities for an owner.
	TypeImportRequested = "import.requested"
)

// ActivityLogged represents the message emitted when an activity is appended to the ledger.
type ActivityLogged struct {
	ActivityID       string    `json:"activity_id"`
	UserID           string    `json:"user_id"`
	EventID          string    `json:"event_id"`
	DistanceKm       float64   `json:"distance_km"`
	DurationSec      int       `json:"duration_sec"`
	OccurredAt       time.Time `json:"occurred_at"`
	Source           string    `json:"source"`
	ExternalSourceID string    `json:"external_source_id,omitempty"`
}

// ImportRequested triggers one import cycle. Since is optional; when absent the
// worker fetches the most recent page and relies on de-duplication.
type ImportRequested struct {
	OwnerID     string     `json:"owner_id"`
	EventID     string     `json:"event_id"`
	Since       *time.Time `json:"since,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}
