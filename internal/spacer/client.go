package spacer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker in front of the HTTP client.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
}

// HTTPClient implements Queue against the compute service's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a client for the compute service at baseURL.
func NewHTTPClient(baseURL, token string, timeout time.Duration, bs BreakerSettings) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "spacer",
			MaxRequests: bs.MaxRequests,
			Interval:    bs.Interval,
			Timeout:     bs.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= bs.FailureRatio
			},
			// Rejections are the service answering; only transport trouble
			// counts against the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrSpacerRejected)
			},
		}),
	}
}

func (c *HTTPClient) Submit(ctx context.Context, msg *JobMsg) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	_, err = c.do(ctx, http.MethodPost, "/v1/jobs", body, http.StatusAccepted, http.StatusCreated)
	return err
}

func (c *HTTPClient) Next(ctx context.Context) (*JobReturnMsg, error) {
	data, err := c.do(ctx, http.MethodPost, "/v1/results/next", nil, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var res JobReturnMsg
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding spacer result: %w", err)
	}
	return &res, nil
}

// Ready checks that the compute service is up.
func (c *HTTPClient) Ready(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ready", nil, http.StatusOK)
	if errors.Is(err, ErrSpacerRejected) {
		return fmt.Errorf("%w: %v", ErrSpacerUnreachable, err)
	}
	return err
}

// do sends the request through the circuit breaker and returns the response
// body when the status is one of okStatuses.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, okStatuses ...int) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, classifyError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classifyError(err)
		}
		for _, s := range okStatuses {
			if resp.StatusCode == s {
				return data, nil
			}
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d", ErrSpacerUnreachable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrSpacerRejected, resp.StatusCode, bytes.TrimSpace(data))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrSpacerUnreachable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrSpacerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrSpacerTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrSpacerUnreachable, err)
}
