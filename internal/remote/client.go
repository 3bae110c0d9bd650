// Package remote is the HTTP client for the record service: records, tasks
// and tag suggestions.
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
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	HTTPClient     *http.Client
	Logger         *log.Logger
}

type Client struct {
	baseURL      string
	apiToken     string
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	httpClient   *http.Client
	logger       *log.Logger
}

func New(config Config) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:8008"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 350 * time.Millisecond
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = 20
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = 40
	}

	httpClient := &http.Client{}
	if config.HTTPClient != nil {
		copied := *config.HTTPClient
		httpClient = &copied
	}
	httpClient.Transport = newTraceTransport(httpClient.Transport, config.Logger)

	return &Client{
		baseURL:      strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiToken:     strings.TrimSpace(config.APIToken),
		timeout:      config.Timeout,
		maxRetries:   config.MaxRetries,
		retryBackoff: config.RetryBackoff,
		limiter:      rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst),
		httpClient:   httpClient,
		logger:       config.Logger,
	}
}

// BaseURL is the service root that relative thumbnail links resolve against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do performs one call. Only GET requests are retried; mutations surface the
// first failure to the caller.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s payload: %w", method, path, err)
		}
		payload = encoded
	}

	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		callErr := c.call(ctx, method, path, query, payload, out)
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		if !isRetryable(callErr) || attempt == retries || ctx.Err() != nil {
			break
		}
		if c.logger != nil {
			c.logger.Printf("remote retry method=%s path=%s attempt=%d err=%v", method, path, attempt+1, callErr)
		}

		timer := time.NewTimer(c.retryBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(timeoutCtx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create %s %s request: %w", method, path, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s %s timeout: %w", method, path, err)
		}
		return fmt.Errorf("%s %s transport error: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read %s %s body: %w", method, path, err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: response.StatusCode,
			Message:    errorMessage(body),
		}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
