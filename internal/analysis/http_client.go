package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/observability"
	"github.com/lexiqai/interview-gateway/internal/resilience"
)

const maxResponseBytes = 1 << 20

// HTTPClient calls the analysis service with a JSON POST
type HTTPClient struct {
	url            string
	healthURL      string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewHTTPClient creates an HTTP analysis client. Timeouts come from the
// caller's context, so httpClient should not set one.
func NewHTTPClient(url, healthURL string, httpClient *http.Client, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		url:            url,
		healthURL:      healthURL,
		httpClient:     httpClient,
		circuitBreaker: breaker,
		logger:         logger.With().Str("component", "analysis_http").Logger(),
	}
}

// Analyze performs one analysis call. It is never retried.
func (c *HTTPClient) Analyze(ctx context.Context, req Request) (*Payload, error) {
	var payload *Payload

	call := func() error {
		var err error
		payload, err = c.post(ctx, req)
		return err
	}

	var err error
	if c.circuitBreaker != nil {
		err = c.circuitBreaker.Call(call)
		observability.UpdateCircuitBreakerState(c.circuitBreaker.Name(), int(c.circuitBreaker.GetState()))
		if err != nil {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
	} else {
		err = call()
	}

	if err != nil {
		if errors.Is(err, interview.ErrRemoteCallFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", interview.ErrRemoteCallFailed, err)
	}
	return payload, nil
}

func (c *HTTPClient) post(ctx context.Context, req Request) (*Payload, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", observability.NewCorrelationID())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("analysis service returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && decoded.Error == nil {
		return nil, fmt.Errorf("analysis service returned status %d", resp.StatusCode)
	}

	return unwrapResponse(&decoded)
}

// HealthCheck calls the configured health URL
func (c *HTTPClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.healthURL == "" {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("analysis service health returned status %d", resp.StatusCode)
	}
	return true, nil
}
