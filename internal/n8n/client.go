// Package n8n is the remote API boundary: the Client contract the sync core
// consumes, and an HTTP implementation against the n8n public REST API.
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/n8nkit/n8nsync/internal/workflow"
)

// ErrNotFound signals that the remote record does not exist. On fetch this is
// a legitimate state signal (remote deletion); on update it triggers the
// create-and-migrate fallback.
var ErrNotFound = errors.New("workflow not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Summary is the lightweight listing entry used for poll gating; full content
// is only fetched when UpdatedAt moves.
type Summary struct {
	ID        string
	Name      string
	Active    bool
	Tags      []string
	UpdatedAt string
}

// Client is the remote contract the sync core consumes.
type Client interface {
	List(ctx context.Context) ([]Summary, error)
	// Get returns (nil, nil) when the workflow does not exist.
	Get(ctx context.Context, id string) (*workflow.Workflow, error)
	Create(ctx context.Context, payload map[string]any) (*workflow.Workflow, error)
	Update(ctx context.Context, id string, payload map[string]any) (*workflow.Workflow, error)
	Delete(ctx context.Context, id string) error
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5678"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type apiTag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type apiWorkflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Active      bool           `json:"active"`
	Nodes       []any          `json:"nodes"`
	Connections map[string]any `json:"connections"`
	Settings    map[string]any `json:"settings"`
	Tags        []apiTag       `json:"tags"`
	UpdatedAt   string         `json:"updatedAt"`
}

func (a apiWorkflow) toWorkflow() *workflow.Workflow {
	tags := make([]string, 0, len(a.Tags))
	for _, tag := range a.Tags {
		if strings.TrimSpace(tag.Name) == "" {
			continue
		}
		tags = append(tags, tag.Name)
	}
	return &workflow.Workflow{
		ID:          a.ID,
		Name:        a.Name,
		Active:      a.Active,
		Nodes:       a.Nodes,
		Connections: a.Connections,
		Settings:    a.Settings,
		Tags:        tags,
		UpdatedAt:   a.UpdatedAt,
	}
}

type listResponse struct {
	Data       []apiWorkflow `json:"data"`
	NextCursor *string       `json:"nextCursor"`
}

func (c *HTTPClient) List(ctx context.Context) ([]Summary, error) {
	var summaries []Summary
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", "100")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page listResponse
		if err := c.doJSON(ctx, http.MethodGet, "/api/v1/workflows?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for _, entry := range page.Data {
			w := entry.toWorkflow()
			summaries = append(summaries, Summary{
				ID:        w.ID,
				Name:      w.Name,
				Active:    w.Active,
				Tags:      w.Tags,
				UpdatedAt: w.UpdatedAt,
			})
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		cursor = *page.NextCursor
	}
	return summaries, nil
}

func (c *HTTPClient) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	var out apiWorkflow
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil, &out)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out.toWorkflow(), nil
}

func (c *HTTPClient) Create(ctx context.Context, payload map[string]any) (*workflow.Workflow, error) {
	var out apiWorkflow
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/workflows", payload, &out); err != nil {
		return nil, err
	}
	return out.toWorkflow(), nil
}

func (c *HTTPClient) Update(ctx context.Context, id string, payload map[string]any) (*workflow.Workflow, error) {
	var out apiWorkflow
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/workflows/"+url.PathEscape(id), payload, &out); err != nil {
		return nil, err
	}
	return out.toWorkflow(), nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-N8N-API-KEY", c.apiKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

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
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
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
