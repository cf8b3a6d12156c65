package diarization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/audio"
	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/observability"
	"github.com/lexiqai/interview-gateway/internal/resilience"
)

const maxResponseBytes = 1 << 20

// HTTPConfig holds settings for the HTTP diarization client
type HTTPConfig struct {
	URL          string
	HealthURL    string
	Timeout      time.Duration // per attempt
	RetryBackoff time.Duration
}

// HTTPClient posts chunks to a diarization service as JSON
type HTTPClient struct {
	config         HTTPConfig
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewHTTPClient creates an HTTP diarization client
func NewHTTPClient(cfg HTTPConfig, httpClient *http.Client, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPClient{
		config:         cfg,
		httpClient:     httpClient,
		circuitBreaker: breaker,
		logger:         logger.With().Str("component", "diarization_http").Logger(),
	}
}

// Submit sends one chunk. A failed attempt is retried once.
func (c *HTTPClient) Submit(ctx context.Context, sessionID string, chunk audio.Chunk) (*Response, error) {
	body, err := json.Marshal(NewChunkRequest(sessionID, chunk))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk: %w", err)
	}

	var resp *Response
	attempt := 0
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.logger.Debug().Uint64("seq", chunk.Seq).Int("attempt", attempt).Msg("Retrying chunk submission")
		}

		call := func() error {
			var err error
			resp, err = c.post(ctx, body)
			return err
		}
		if c.circuitBreaker == nil {
			return call()
		}

		err := c.circuitBreaker.Call(call)
		observability.UpdateCircuitBreakerState(c.circuitBreaker.Name(), int(c.circuitBreaker.GetState()))
		if err != nil {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
		return err
	}, resilience.SingleRetryConfig(c.config.RetryBackoff), resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, fmt.Errorf("%w: diarization chunk %d: %v", interview.ErrRemoteCallFailed, chunk.Seq, err)
	}
	return resp, nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", observability.NewCorrelationID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.NewRetryableError(fmt.Errorf("diarization service returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("diarization service returned status %d", resp.StatusCode)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &decoded, nil
}

// HealthCheck calls the configured health URL
func (c *HTTPClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.config.HealthURL == "" {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.HealthURL, nil)
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
		return false, fmt.Errorf("diarization service health returned status %d", resp.StatusCode)
	}
	return true, nil
}
