package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spunwebtech/wayback-relay/internal/config"
	"github.com/spunwebtech/wayback-relay/internal/logger"
)

// Error taxonomy for submission outcomes. Transient failures are retryable,
// permanent ones are not.
var (
	ErrTransient          = errors.New("transient archive error")
	ErrPermanent          = errors.New("permanent archive error")
	ErrInvalidCredentials = errors.New("invalid archive credentials")
)

// maxResponseBody caps how much of a Save Page Now response is read. The
// endpoint returns a full HTML page; only the headers and the watchJob
// snippet matter.
const maxResponseBody = 64 * 1024

// watchJobPattern extracts the Save Page Now job ticket from the response
// HTML, which embeds spn.watchJob("JOB_ID", ...).
var watchJobPattern = regexp.MustCompile(`spn\.watchJob\("([^"]+)"`)

// Client talks to the Wayback Machine Save Page Now and availability APIs.
type Client struct {
	saveEndpoint         string
	availabilityEndpoint string
	s3TestEndpoint       string
	accessKey            string
	secretKey            string
	userAgent            string
	client               *http.Client
	logger               logger.Logger
}

// SubmitResult is the normalized outcome of a successful submission.
type SubmitResult struct {
	ArchiveURL  string `json:"archive_url"`
	JobID       string `json:"job_id,omitempty"`
	StatusCode  int    `json:"status_code"`
	Constructed bool   `json:"constructed,omitempty"`
}

// Snapshot is the closest archived copy reported by the availability API.
type Snapshot struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

func NewClient(cfg config.ArchiveConfig, log logger.Logger) *Client {
	return &Client{
		saveEndpoint:         cfg.SaveEndpoint,
		availabilityEndpoint: cfg.AvailabilityEndpoint,
		s3TestEndpoint:       cfg.S3TestEndpoint,
		accessKey:            cfg.AccessKey,
		secretKey:            cfg.SecretKey,
		userAgent:            cfg.UserAgent,
		client:               &http.Client{Timeout: cfg.Timeout},
		logger:               log,
	}
}

// setAuthHeaders sets the S3-style LOW authorization header when credentials
// are configured. Unauthenticated submissions still work, at a lower rate
// limit.
func (c *Client) setAuthHeaders(req *http.Request) {
	if c.accessKey != "" && c.secretKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("LOW %s:%s", c.accessKey, c.secretKey))
	}
	req.Header.Set("User-Agent", c.userAgent)
}

// validateURL rejects URLs the Save Page Now endpoint cannot archive.
// Validation failures are permanent.
func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed url %q: %v", ErrPermanent, rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrPermanent, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: url %q has no host", ErrPermanent, rawURL)
	}
	return nil
}

// Submit asks Save Page Now to capture the URL. The returned error wraps
// ErrTransient for retryable failures (network faults, rate limits, server
// errors) and ErrPermanent otherwise.
func (c *Client) Submit(ctx context.Context, rawURL string) (*SubmitResult, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	endpoint := c.saveEndpoint + rawURL

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Accept", "text/html")
	c.setAuthHeaders(httpReq)

	requestStart := time.Now()
	resp, err := c.client.Do(httpReq)
	requestDuration := time.Since(requestStart)
	if err != nil {
		c.logger.Warn("Save Page Now request failed",
			logger.String("url", rawURL),
			logger.Duration("request_duration", requestDuration),
			logger.Error(err),
		)
		return nil, fmt.Errorf("%w: submit request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if readErr != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, readErr)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyStatus(resp.StatusCode)
	}

	result := &SubmitResult{StatusCode: resp.StatusCode}
	if match := watchJobPattern.FindSubmatch(body); match != nil {
		result.JobID = string(match[1])
	}
	result.ArchiveURL, result.Constructed = c.extractArchiveURL(resp, rawURL)

	c.logger.Debug("Save Page Now accepted submission",
		logger.String("url", rawURL),
		logger.String("archive_url", result.ArchiveURL),
		logger.String("job_id", result.JobID),
		logger.Int("status_code", resp.StatusCode),
		logger.Duration("request_duration", requestDuration),
	)

	return result, nil
}

// classifyStatus maps a Save Page Now HTTP status to the error taxonomy.
// Rate limiting and server errors are retryable; other client errors are not.
func classifyStatus(statusCode int) error {
	if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: HTTP %d", ErrTransient, statusCode)
	}
	return fmt.Errorf("%w: HTTP %d", ErrPermanent, statusCode)
}

// extractArchiveURL finds the snapshot URL in the response headers, falling
// back to a constructed wayback URL when the headers carry none. The second
// return reports whether the URL was constructed rather than reported.
func (c *Client) extractArchiveURL(resp *http.Response, originalURL string) (string, bool) {
	if loc := resp.Header.Get("Content-Location"); loc != "" {
		return absoluteWaybackURL(loc), false
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		return absoluteWaybackURL(loc), false
	}
	// Redirects were followed, so the final request URL may already be the
	// snapshot.
	if resp.Request != nil && strings.Contains(resp.Request.URL.Path, "/web/") {
		return resp.Request.URL.String(), false
	}

	stamp := time.Now().UTC().Format("20060102150405")
	return "https://web.archive.org/web/" + stamp + "/" + originalURL, true
}

func absoluteWaybackURL(loc string) string {
	if strings.HasPrefix(loc, "/") {
		return "https://web.archive.org" + loc
	}
	return loc
}

// CheckAvailability asks the availability API for the closest snapshot of
// the URL. A nil snapshot with a nil error means no capture exists.
func (c *Client) CheckAvailability(ctx context.Context, rawURL string) (*Snapshot, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	endpoint := c.availabilityEndpoint + "?url=" + url.QueryEscape(rawURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	c.setAuthHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: availability request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	var payload availabilityResponse
	if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&payload); decodeErr != nil {
		return nil, fmt.Errorf("%w: decode availability response: %v", ErrTransient, decodeErr)
	}

	closest := payload.ArchivedSnapshots.Closest
	if !closest.Available {
		return nil, nil
	}

	return &Snapshot{
		URL:       absoluteWaybackURL(closest.URL),
		Timestamp: closest.Timestamp,
		Status:    closest.Status,
	}, nil
}

// TestConnection verifies the configured credentials against the archive.org
// S3 endpoint. The endpoint answers 200 or 403 for valid keys and 401 for
// invalid ones.
func (c *Client) TestConnection(ctx context.Context) error {
	if c.accessKey == "" || c.secretKey == "" {
		return fmt.Errorf("%w: access key and secret key are required", ErrInvalidCredentials)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.s3TestEndpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setAuthHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: connection test: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden:
		c.logger.Info("Archive credentials verified",
			logger.Int("status_code", resp.StatusCode),
		)
		return nil
	case http.StatusUnauthorized:
		return ErrInvalidCredentials
	default:
		return fmt.Errorf("unexpected response code %d from credentials test", resp.StatusCode)
	}
}
