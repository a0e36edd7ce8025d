// Package strava is a minimal client for the Strava activity listing API.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/baymingyih/KR7/internal/domain"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL  = "https://www.strava.com/api/v3"
	defaultPageSize = 30
	maxPageSize     = 200
)

// Activity is the subset of a summary activity the importer consumes.
type Activity struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	SportType    string    `json:"sport_type"`
	Distance     float64   `json:"distance"` // metres
	MovingTime   int       `json:"moving_time"`
	ElapsedTime  int       `json:"elapsed_time"`
	StartDate    time.Time `json:"start_date"`
	LocationCity *string   `json:"location_city"`
	Timezone     string    `json:"timezone"`
}

// ListParams selects one page of the athlete's activities, newest first.
type ListParams struct {
	After   time.Time
	Page    int
	PerPage int
}

// Client talks to the provider API with a caller-supplied bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRateLimit spaces requests so that at most perWindow are issued per window,
// allowing bursts of up to burst requests.
func WithRateLimit(perWindow int, window time.Duration, burst int) Option {
	return func(c *Client) {
		if perWindow <= 0 || window <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(perWindow)/window.Seconds()), burst)
	}
}

// NewClient creates a Client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActivities fetches one page of the athlete's activities. Any transport
// failure, non-2xx answer or undecodable body is reported as
// domain.ErrProviderUnavailable.
func (c *Client) ListActivities(ctx context.Context, accessToken string, params ListParams) ([]Activity, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", domain.ErrProviderUnavailable, err)
	}

	query := url.Values{}
	perPage := params.PerPage
	if perPage <= 0 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}
	query.Set("per_page", strconv.Itoa(perPage))
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	if !params.After.IsZero() {
		query.Set("after", strconv.FormatInt(params.After.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/athlete/activities?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := parseErrorResponse(resp); err != nil {
		return nil, fmt.Errorf("%w: list activities: %w", domain.ErrProviderUnavailable, err)
	}

	var activities []Activity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, fmt.Errorf("%w: decode activities: %w", domain.ErrProviderUnavailable, err)
	}
	return activities, nil
}

// ExternalSourceID is the stable de-duplication key for a provider activity.
func ExternalSourceID(id int64) string {
	return "strava:" + strconv.FormatInt(id, 10)
}
