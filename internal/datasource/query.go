package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ixedge/sigcore/internal/config"
)

// queryRequest is the JSON body posted to a backend's tabular query
// endpoint.
type queryRequest struct {
	Query string `json:"query"`
}

// queryResponse is the envelope every backend query returns: status 1
// means OK, and results[0].data holds the row/column values.
type queryResponse struct {
	Status  int `json:"status"`
	Results []struct {
		Data [][]any `json:"data"`
	} `json:"results"`
}

const queryResponseStatusOK = 1

// queryClient issues JSON-over-HTTP queries against one backend (cam_db or
// signal_db) and retries failed attempts a fixed number of times with a
// fixed delay between attempts, per the backend's RetryConfig.
type queryClient struct {
	httpClient *http.Client
	baseURL    string
	backend    string
	retry      config.RetryConfig
}

func newQueryClient(backendName, baseURL string, retry config.RetryConfig) *queryClient {
	return &queryClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		backend:    backendName,
		retry:      retry,
	}
}

// query issues a single query with retry and returns the first result row,
// or ErrQueryFailed if every attempt fails.
func (c *queryClient) query(ctx context.Context, sql string) ([]any, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		row, err := c.doOnce(ctx, sql)
		if err == nil {
			return row, nil
		}
		lastErr = err

		if attempt < c.retry.MaxAttempts {
			queryRetriesTotal.WithLabelValues(c.backend).Inc()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrQueryFailed, ctx.Err())
			case <-time.After(c.retry.Delay()):
			}
		}
	}
	return nil, fmt.Errorf("%w: after %d attempts: %w", ErrQueryFailed, c.retry.MaxAttempts, lastErr)
}

func (c *queryClient) doOnce(ctx context.Context, sql string) ([]any, error) {
	body, err := json.Marshal(queryRequest{Query: sql})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Status != queryResponseStatusOK {
		return nil, fmt.Errorf("backend returned status %d", out.Status)
	}
	if len(out.Results) == 0 || len(out.Results[0].Data) == 0 {
		return nil, fmt.Errorf("empty result set")
	}
	return out.Results[0].Data[0], nil
}

// ping issues a cheap no-op query to check connectivity.
func (c *queryClient) ping(ctx context.Context) error {
	_, err := c.doOnce(ctx, "SELECT 1")
	return err
}
