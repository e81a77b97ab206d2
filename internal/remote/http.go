package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/roamline/tripd/internal/trip"
)

// DefaultTimeout bounds individual API calls. Long enough for a slow
// mobile link, short enough that a drain pass notices a dead one.
const DefaultTimeout = 15 * time.Second

// Config holds the HTTP client settings. BaseURL and Token are
// required.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.roamline.app".
	BaseURL string

	// Token returns the bearer token for the current session. An error
	// means there is no usable identity; the operation fails with
	// ErrAuthRequired without touching the network.
	Token func(ctx context.Context) (string, error)

	// HTTPClient overrides the default client. Nil gets a client with
	// DefaultTimeout.
	HTTPClient *http.Client

	// UserAgent is sent with every request. Empty means "tripd".
	UserAgent string

	// Logger receives request failures. Nil discards.
	Logger *log.Logger
}

// HTTPClient implements Client against the Roamline REST API.
type HTTPClient struct {
	baseURL   string
	token     func(ctx context.Context) (string, error)
	http      *http.Client
	userAgent string
	logger    *log.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client from the config.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote config: BaseURL is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("remote config: Token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "tripd"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		http:      httpClient,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

// apiError is the remote's error body: {"code": "...", "message": "..."}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type listResponse struct {
	Trips []*trip.Trip `json:"trips"`
}

type touchRequest struct {
	AccessedAt time.Time `json:"accessed_at"`
}

// CreateTrip creates a trip remotely. A trip that already exists under
// the same owner is fetched and returned instead of failing, so outbox
// replays after a crash are harmless.
func (c *HTTPClient) CreateTrip(ctx context.Context, t *trip.Trip) (*trip.Trip, error) {
	var created trip.Trip
	err := c.do(ctx, http.MethodPost, "/v1/trips", t, &created)
	if err == nil {
		return &created, nil
	}

	// 409 means the ID exists. If the GET succeeds the trip is ours
	// (the API only serves the caller's trips) and the create already
	// happened on an earlier attempt.
	if errors.Is(err, ErrOwnership) {
		existing, getErr := c.GetTrip(ctx, t.ID)
		if getErr == nil {
			return existing, nil
		}
	}
	return nil, err
}

// UpdateTrip applies a partial update and returns the remote's copy.
func (c *HTTPClient) UpdateTrip(ctx context.Context, id string, p trip.Patch) (*trip.Trip, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var updated trip.Trip
	if err := c.do(ctx, http.MethodPatch, "/v1/trips/"+id, p, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetTrip fetches one trip.
func (c *HTTPClient) GetTrip(ctx context.Context, id string) (*trip.Trip, error) {
	var t trip.Trip
	if err := c.do(ctx, http.MethodGet, "/v1/trips/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTrips fetches every trip owned by the authenticated user.
func (c *HTTPClient) ListTrips(ctx context.Context) ([]*trip.Trip, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/v1/trips", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Trips, nil
}

// DeleteTrip removes a remote trip. Deleting a trip that is already
// gone succeeds.
func (c *HTTPClient) DeleteTrip(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/trips/"+id, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// TouchTrip records an access time remotely.
func (c *HTTPClient) TouchTrip(ctx context.Context, id string, accessedAt time.Time) error {
	return c.do(ctx, http.MethodPost, "/v1/trips/"+id+"/touch", touchRequest{AccessedAt: accessedAt}, nil)
}

// Ping checks reachability. No identity needed: connectivity and
// authentication are separate questions.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// do runs one authenticated API call. body and out may be nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if token == "" {
		return fmt.Errorf("%w: no session token", ErrAuthRequired)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Printf("%s %s failed: %v", method, path, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	var ae apiError
	_ = json.NewDecoder(resp.Body).Decode(&ae)
	return statusError(resp.StatusCode, ae.Message)
}

// statusError maps an HTTP status to the error taxonomy.
func statusError(status int, message string) error {
	var sentinel error
	switch {
	case status == http.StatusUnauthorized:
		sentinel = ErrAuthRequired
	case status == http.StatusForbidden, status == http.StatusConflict:
		sentinel = ErrOwnership
	case status == http.StatusNotFound:
		sentinel = ErrNotFound
	case status >= 500, status == http.StatusTooManyRequests:
		sentinel = ErrUnavailable
	default:
		sentinel = ErrValidation
	}

	if message == "" {
		return fmt.Errorf("%w (status %d)", sentinel, status)
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
