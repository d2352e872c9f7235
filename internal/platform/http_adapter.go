package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxResponseSize bounds a single adapter response body.
const DefaultMaxResponseSize = 10 * 1024 * 1024

// HTTPAdapter calls an adapter gateway that speaks the page protocol as JSON:
// POST {BaseURL}/execute with the request, answering with a page or an error.
type HTTPAdapter struct {
	platform        Platform
	baseURL         string
	client          *http.Client
	maxResponseSize int64
}

// NewHTTPAdapter creates an adapter for p served at baseURL.
func NewHTTPAdapter(p Platform, baseURL string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPAdapter{
		platform:        p,
		baseURL:         strings.TrimRight(baseURL, "/"),
		client:          client,
		maxResponseSize: DefaultMaxResponseSize,
	}
}

type executeRequest struct {
	Action   string  `json:"action"`
	Filters  Filters `json:"filters,omitempty"`
	Cursor   string  `json:"cursor,omitempty"`
	PageSize int     `json:"page_size,omitempty"`
}

type executeResponse struct {
	Items      []Record `json:"items"`
	Value      any      `json:"value"`
	NextCursor string   `json:"next_cursor"`
	Truncated  bool     `json:"truncated"`
	Error      *struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
	} `json:"error"`
}

// Execute implements Adapter.
func (a *HTTPAdapter) Execute(ctx context.Context, req Request) (*Page, error) {
	body, err := json.Marshal(executeRequest{
		Action:   req.Action,
		Filters:  req.Filters,
		Cursor:   req.Cursor,
		PageSize: req.PageSize,
	})
	if err != nil {
		return nil, NewAdapterError(a.platform, KindAdapterError, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, NewAdapterError(a.platform, KindAdapterError, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.Credentials.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credentials.Token)
	}
	for k, v := range req.Credentials.Extra {
		httpReq.Header.Set("X-Credential-"+k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewAdapterError(a.platform, KindTimeout, "request deadline exceeded", err)
		}
		return nil, NewAdapterError(a.platform, KindAdapterError, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxResponseSize+1))
	if err != nil {
		return nil, NewAdapterError(a.platform, KindAdapterError, "failed to read response", err)
	}
	if int64(len(data)) > a.maxResponseSize {
		return nil, NewAdapterError(a.platform, KindAdapterError,
			fmt.Sprintf("response exceeds %d bytes", a.maxResponseSize), nil)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewAdapterError(a.platform, KindRateLimited, "upstream rate limit", nil)
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return nil, NewAdapterError(a.platform, KindTimeout, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return nil, NewAdapterError(a.platform, KindAdapterError, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg), nil)
	}

	var out executeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, NewAdapterError(a.platform, KindAdapterError, "failed to decode response", err)
	}
	if out.Error != nil {
		kind := out.Error.Kind
		if kind == "" {
			kind = KindAdapterError
		}
		return nil, NewAdapterError(a.platform, kind, out.Error.Message, nil)
	}
	return &Page{
		Items:      out.Items,
		Scalar:     out.Value,
		NextCursor: out.NextCursor,
		Truncated:  out.Truncated,
	}, nil
}
