package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/salonkit/salonsync/internal/config"
	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
)

// HTTPClient implements Transport over the backend's JSON API.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	token     string
	userAgent string
	logger    *events.Logger

	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates a protocol client with HTTP/2 support.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.WithField("component", "http_client"),
	}
}

// SetToken replaces the bearer token.
func (c *HTTPClient) SetToken(token string) { c.token = token }

// Push ships a batch of operations.
func (c *HTTPClient) Push(ctx context.Context, req *models.PushRequest) (*models.PushResponse, error) {
	resp := &models.PushResponse{}
	if err := c.postJSON(ctx, "/v1/sync/push", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Pull requests changes since checkpoints.
func (c *HTTPClient) Pull(ctx context.Context, req *models.PullRequest) (*models.PullResponse, error) {
	resp := &models.PullResponse{}
	if err := c.postJSON(ctx, "/v1/sync/pull", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Resolve escalates a manual conflict decision.
func (c *HTTPClient) Resolve(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResponse, error) {
	resp := &models.ResolveResponse{}
	if err := c.postJSON(ctx, "/v1/sync/resolve", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// postJSON sends one request with retry on network-class failures. A
// timeout is treated as a network error, never as success or failure on
// the server.
func (c *HTTPClient) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + path
	c.logger.WithFields(map[string]interface{}{
		"url":  url,
		"size": len(body),
	}).Debug("Sending request")

	var respBody []byte
	err = c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return models.NetworkError(err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return models.NetworkError(err)
		}

		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp, respBody)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// retry runs fn with exponential backoff on retryable errors, honoring
// a server-supplied delay when present.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *models.SyncAPIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return err
		}
		if apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
	}

	return lastErr
}

// classifyStatus maps an HTTP failure onto the protocol error taxonomy.
// The backend sends a structured error body where it can.
func classifyStatus(resp *http.Response, body []byte) *models.SyncAPIError {
	apiErr := &models.SyncAPIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Message = string(body)
	}
	apiErr.StatusCode = resp.StatusCode

	if apiErr.Code == "" {
		switch {
		case resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusUnprocessableEntity:
			apiErr.Code = models.ErrCodeValidation
		case resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden:
			apiErr.Code = models.ErrCodePermissionDenied
		case resp.StatusCode == http.StatusNotFound:
			apiErr.Code = models.ErrCodeNotFound
		case resp.StatusCode == http.StatusConflict:
			apiErr.Code = models.ErrCodeConflict
		case resp.StatusCode == http.StatusTooManyRequests:
			apiErr.Code = models.ErrCodeRateLimited
		case resp.StatusCode >= 500:
			apiErr.Code = models.ErrCodeServerError
		default:
			apiErr.Code = models.ErrCodeServerError
		}
	}

	if apiErr.Code == models.ErrCodeRateLimited {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}

	return apiErr
}
