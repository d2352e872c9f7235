package main

import (
	"bufio"
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

	"datadesk.io/query-orchestrator/internal/api"
	"datadesk.io/query-orchestrator/internal/core"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxLineBytes = 4 << 20

// Client talks to the query server's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger,
	}
}

// Ask streams a query and calls onEvent for every line. It returns the terminal payload.
func (c *Client) Ask(ctx context.Context, text, platform string, onEvent func(core.StreamEvent)) (*core.ResultPayload, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/query/stream", api.QueryRequest{Text: text, Platform: platform})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result *core.ResultPayload
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	for sc.Scan() {
		var ev core.StreamEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode stream line: %w", err)
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Type == core.EventResult {
			result = ev.Payload
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	if result == nil {
		return nil, errors.New("stream ended without a result")
	}
	return result, nil
}

func (c *Client) Suggest(ctx context.Context, partial string, limit int) ([]core.Suggestion, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/suggestions", api.SuggestionsRequest{PartialText: partial, Limit: limit})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out api.SuggestionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode suggestions: %w", err)
	}
	return out.Suggestions, nil
}

func (c *Client) History(ctx context.Context, limit int) ([]store.QueryHistoryEntry, error) {
	path := "/api/history?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []store.QueryHistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("request", zap.String("method", method), zap.String("path", path), zap.String("request_id", requestID))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
