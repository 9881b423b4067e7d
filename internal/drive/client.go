// Package drive talks to the external file-hosting metadata API. Records come
// back as raw maps; the mirror validates and normalizes them downstream.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPError reports a non-retryable upstream response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ListQuery selects a page of file records.
type ListQuery struct {
	PageSize  int
	PageToken string
	Query     string
	Fields    string
}

// ListResult is one page of raw records plus the continuation token.
type ListResult struct {
	Files         []map[string]any
	NextPageToken string
}

// Client is the listing surface the sync core consumes.
type Client interface {
	List(ctx context.Context, q ListQuery) (ListResult, error)
	Get(ctx context.Context, fileID, fields string) (map[string]any, error)
}

// HTTPClient is the production Client. Transient upstream failures (429, 5xx,
// transport errors) are retried with exponential backoff capped at maxDelay;
// a Retry-After header overrides the computed delay.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.googleapis.com/drive/v3"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

func (c *HTTPClient) List(ctx context.Context, q ListQuery) (ListResult, error) {
	params := url.Values{}
	if q.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if strings.TrimSpace(q.PageToken) != "" {
		params.Set("pageToken", strings.TrimSpace(q.PageToken))
	}
	if strings.TrimSpace(q.Query) != "" {
		params.Set("q", q.Query)
	}
	if strings.TrimSpace(q.Fields) != "" {
		params.Set("fields", q.Fields)
	}
	var payload struct {
		Files         []map[string]any `json:"files"`
		NextPageToken string           `json:"nextPageToken"`
	}
	if err := c.doJSON(ctx, "/files?"+params.Encode(), &payload); err != nil {
		return ListResult{}, err
	}
	return ListResult{Files: payload.Files, NextPageToken: payload.NextPageToken}, nil
}

func (c *HTTPClient) Get(ctx context.Context, fileID, fields string) (map[string]any, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, fmt.Errorf("empty file id")
	}
	params := url.Values{}
	if strings.TrimSpace(fields) != "" {
		params.Set("fields", fields)
	}
	requestPath := "/files/" + url.PathEscape(fileID)
	if encoded := params.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var payload map[string]any
	if err := c.doJSON(ctx, requestPath, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, requestPath string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
