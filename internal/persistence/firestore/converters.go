package firestore

import (
	"strings"
	"time"

	"github.com/baymingyih/KR7/internal/domain"
)

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getTime(m map[string]interface{}, key string) time.Time {
	if v, ok := m[key]; ok {
		if t, ok := v.(time.Time); ok {
			return t.UTC()
		}
	}
	return time.Time{}
}

// getFloat accepts both stored doubles and integers.
func getFloat(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func getInt(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// --- OAuthCredential ---

func CredentialToFirestore(c *domain.OAuthCredential) map[string]interface{} {
	return map[string]interface{}{
		"owner_id":      c.OwnerID,
		"access_token":  c.AccessToken,
		"refresh_token": c.RefreshToken,
		"expires_at":    c.ExpiresAt.UTC(),
		"athlete_id":    c.AthleteID,
		"updated_at":    c.UpdatedAt.UTC(),
	}
}

func FirestoreToCredential(id string, m map[string]interface{}) *domain.OAuthCredential {
	ownerID := getString(m, "owner_id")
	if ownerID == "" {
		ownerID = id
	}
	return &domain.OAuthCredential{
		OwnerID:      ownerID,
		AccessToken:  getString(m, "access_token"),
		RefreshToken: getString(m, "refresh_token"),
		ExpiresAt:    getTime(m, "expires_at"),
		AthleteID:    getString(m, "athlete_id"),
		UpdatedAt:    getTime(m, "updated_at"),
	}
}

// --- Activity ---

func ActivityToFirestore(a *domain.Activity) map[string]interface{} {
	m := map[string]interface{}{
		"user_id":      a.UserID,
		"event_id":     a.EventID,
		"distance":     a.Distance,
		"duration_sec": int64(a.DurationSec),
		"location":     a.Location,
		"notes":        a.Notes,
		"timestamp":    a.Timestamp.UTC(),
		"created_at":   a.CreatedAt.UTC(),
	}
	if a.ExternalSourceID != "" {
		m["external_source_id"] = a.ExternalSourceID
	}
	return m
}

func FirestoreToActivity(id string, m map[string]interface{}) *domain.Activity {
	return &domain.Activity{
		ID:               id,
		UserID:           getString(m, "user_id"),
		EventID:          getString(m, "event_id"),
		Distance:         getFloat(m, "distance"),
		DurationSec:      int(getInt(m, "duration_sec")),
		Location:         getString(m, "location"),
		Notes:            getString(m, "notes"),
		Timestamp:        getTime(m, "timestamp"),
		ExternalSourceID: getString(m, "external_source_id"),
		CreatedAt:        getTime(m, "created_at"),
	}
}

// --- UserAggregate (merged into the user document) ---

func AggregateToFirestore(a *domain.UserAggregate) map[string]interface{} {
	return map[string]interface{}{
		"total_distance":          a.TotalDistance,
		"total_logged_activities": a.TotalLoggedActivities,
		"totals_updated_at":       a.UpdatedAt.UTC(),
	}
}

func FirestoreToAggregate(id string, m map[string]interface{}) *domain.UserAggregate {
	return &domain.UserAggregate{
		OwnerID:               id,
		TotalDistance:         getFloat(m, "total_distance"),
		TotalLoggedActivities: getInt(m, "total_logged_activities"),
		UpdatedAt:             getTime(m, "totals_updated_at"),
	}
}

// --- Import markers: users/{uid}/imported_activities/{externalSourceID} ---

type importMarker struct {
	ActivityID string
	ImportedAt time.Time
}

func markerToFirestore(m *importMarker) map[string]interface{} {
	return map[string]interface{}{
		"activity_id": m.ActivityID,
		"imported_at": m.ImportedAt.UTC(),
	}
}

func firestoreToMarker(_ string, m map[string]interface{}) *importMarker {
	return &importMarker{
		ActivityID: getString(m, "activity_id"),
		ImportedAt: getTime(m, "imported_at"),
	}
}

// markerID maps an external source id onto a valid document id.
func markerID(externalSourceID string) string {
	return strings.ReplaceAll(externalSourceID, "/", "_")
}
