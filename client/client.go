package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	maxRedirects   = 10
)

var (
	ErrNotFound       = errors.New("not found")
	ErrBaseURLMissing = errors.New("base url cannot be empty")
)

// ErrRateLimited is returned when the server answers 429.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to either the origin server or the relay over HTTP. The same
// base URL is used to derive websocket endpoints.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLMissing
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientLogger := logger.WithGroup("quire_client")

	baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		clientLogger.Error("Failed to parse base URL", "url", cfg.BaseURL, "error", err)
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", cfg.BaseURL, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in base URL '%s'", baseURL.Scheme, cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	clientLogger.Debug("Client initialized", "base_url", baseURL.String())
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     clientLogger,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// doRequest sends body as JSON and decodes a 2xx answer into target. 404 maps
// to ErrNotFound and 429 to *ErrRateLimited.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, target any) error {
	currentReqURL := c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})

	var reqBodyBytes []byte
	if body != nil {
		var err error
		reqBodyBytes, err = json.Marshal(body)
		if err != nil {
			c.logger.Error("Failed to marshal request body", "path", path, "method", method, "error", err)
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
	}

	for redirects := 0; redirects < maxRedirects; redirects++ {
		req, err := http.NewRequestWithContext(ctx, method, currentReqURL.String(), bytes.NewReader(reqBodyBytes))
		if err != nil {
			return fmt.Errorf("failed to create request %s %s: %w", method, currentReqURL.String(), err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		c.logger.Debug("Sending request", "method", method, "url", currentReqURL.String(), "attempt", redirects+1)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("HTTP request failed", "method", method, "url", currentReqURL.String(), "error", err)
			return fmt.Errorf("http request %s %s failed: %w", method, currentReqURL.String(), err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return fmt.Errorf("redirect (status %d) missing Location header from %s", resp.StatusCode, currentReqURL.String())
			}
			redirectURL, err := currentReqURL.Parse(loc)
			if err != nil {
				return fmt.Errorf("failed to parse redirect Location '%s': %w", loc, err)
			}
			c.logger.Info("Request redirected", "from_url", currentReqURL.String(), "to_url", redirectURL.String(), "status_code", resp.StatusCode)
			currentReqURL = redirectURL
			continue
		}

		return c.handleResponse(resp, method, currentReqURL, target)
	}

	c.logger.Error("Too many redirects", "final_url_attempt", currentReqURL.String(), "method", method)
	return fmt.Errorf("stopped after %d redirects, last URL: %s", maxRedirects, currentReqURL.String())
}

func (c *Client) handleResponse(resp *http.Response, method string, reqURL *url.URL, target any) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &ErrRateLimited{RetryAfter: retryAfter}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Warn("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errorResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errorResp); err == nil && errorResp.Error != "" {
			return fmt.Errorf("server error (status %d): %s %s", resp.StatusCode, errorResp.Error, errorResp.Message)
		}
		if msg := strings.TrimSpace(string(bodyBytes)); msg != "" {
			return fmt.Errorf("server returned status %d for %s %s: %s", resp.StatusCode, method, reqURL.String(), msg)
		}
		return fmt.Errorf("server returned status %d for %s %s", resp.StatusCode, method, reqURL.String())
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			c.logger.Error("Failed to decode response body", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode, "error", err)
			return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, reqURL.String(), resp.StatusCode, err)
		}
	}
	c.logger.Debug("Request successful", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
	return nil
}
