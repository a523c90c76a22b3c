package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrRejected indicates a definitive rejection from an external collaborator.
// It is never retried; the transaction takes its error exit.
var ErrRejected = errors.New("request rejected by external service")

const (
	defaultRequestTimeout = 5 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 200 * time.Millisecond
)

// httpClient is the shared base for collaborator wrappers. Transient network
// failures and 5xx responses are retried with exponential backoff; any 4xx is
// a definitive rejection.
type httpClient struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	logger      *zap.Logger
	maxAttempts int
	backoffBase time.Duration
}

func newHTTPClient(baseURL, apiKey string, logger *zap.Logger) httpClient {
	return httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

func (c *httpClient) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = c.doOnce(ctx, path, data, out)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrRejected) {
			return lastErr
		}
		c.logger.Warn("external request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (c *httpClient) doOnce(ctx context.Context, path string, data []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", c.baseURL, path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, payload.Error)
	default:
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
}
