package domain

import "time"

// OAuthCredential is the stored token pair for one owner's provider connection.
type OAuthCredential struct {
	OwnerID      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AthleteID    string
	UpdatedAt    time.Time
}

// Expired reports whether the access token can no longer be used at now.
// There is no grace window: a token expiring exactly at now is expired.
func (c OAuthCredential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
