package gateway

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
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

var debugGateway = os.Getenv("OBSYNC_DEBUG_GATEWAY") != ""

// HTTPClient talks to the reminders bridge, a local companion service
// exposing the platform reminders store over JSON. Transient transport
// failures and 5xx responses are retried with bounded exponential
// backoff; 4xx responses are not.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetry   time.Duration
}

// NewHTTPClient creates a bridge client. timeout bounds each call
// including retries.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		// the bridge is local; the timeout covers the whole call chain
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(20), 40),
		maxRetry:   timeout,
	}
}

// statusError marks responses that must not be retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.code, e.body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		if debugGateway {
			log.Printf("[gateway] %s %s", method, path)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode, body: truncate(respBody)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: truncate(respBody)})
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(c.maxRetry),
	), ctx)
	return backoff.Retry(attempt, policy)
}

type listItemsResponse struct {
	Items  []Item      `json:"items"`
	Errors []ListError `json:"errors"`
}

func (c *HTTPClient) ListItems(ctx context.Context, listIDs []string) ([]Item, []ListError, error) {
	var all []Item
	var listErrs []ListError
	for _, listID := range listIDs {
		var resp listItemsResponse
		err := c.do(ctx, http.MethodGet, "/lists/"+url.PathEscape(listID)+"/items", nil, &resp)
		if err != nil {
			// the list stays enumerable next run; record and continue
			listErrs = append(listErrs, ListError{ListID: listID, Message: err.Error()})
			continue
		}
		all = append(all, resp.Items...)
		listErrs = append(listErrs, resp.Errors...)
	}
	return all, listErrs, nil
}

func (c *HTTPClient) FindItem(ctx context.Context, itemID, listID string) (*Item, error) {
	path := "/items/" + url.PathEscape(itemID)
	if listID != "" {
		path += "?list=" + url.QueryEscape(listID)
	}
	var item Item
	err := c.do(ctx, http.MethodGet, path, nil, &item)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (c *HTTPClient) CreateItem(ctx context.Context, listID string, fields Fields) (*Item, error) {
	var item Item
	err := c.do(ctx, http.MethodPost, "/lists/"+url.PathEscape(listID)+"/items", fields, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

type updateRequest struct {
	Fields Fields `json:"fields"`
	DryRun bool   `json:"dry_run"`
}

type updateResponse struct {
	Changes []AppliedChange `json:"changes"`
}

func (c *HTTPClient) UpdateItem(ctx context.Context, itemID string, fields Fields, dryRun bool) ([]AppliedChange, error) {
	var resp updateResponse
	err := c.do(ctx, http.MethodPatch, "/items/"+url.PathEscape(itemID), updateRequest{Fields: fields, DryRun: dryRun}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

func (c *HTTPClient) DeleteItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/items/"+url.PathEscape(itemID), nil, nil)
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
