package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAdapter_Execute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stripe/execute", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "list_invoices", body["action"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"in_1","amount":120}],"next_cursor":"2"}`))
	}))
	defer server.Close()

	a := NewHTTPAdapter(Stripe, server.URL+"/stripe/", server.Client())
	page, err := a.Execute(context.Background(), Request{
		Action:      "list_invoices",
		Filters:     Filters{"status": "open"},
		Credentials: Credentials{Token: "sk_test"},
		PageSize:    10,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "in_1", page.Items[0]["id"])
	assert.Equal(t, "2", page.NextCursor)
}

func TestHTTPAdapter_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, KindRateLimited},
		{"gateway timeout", http.StatusGatewayTimeout, ``, KindTimeout},
		{"server error", http.StatusInternalServerError, `boom`, KindAdapterError},
		{"error envelope", http.StatusOK, `{"error":{"kind":"RateLimited","message":"slow down"}}`, KindRateLimited},
		{"bad json", http.StatusOK, `not json`, KindAdapterError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPAdapter(Stripe, server.URL, nil).Execute(context.Background(), Request{Action: "list_invoices"})
			var aerr *AdapterError
			require.True(t, errors.As(err, &aerr))
			assert.Equal(t, tt.want, aerr.Kind)
			assert.Equal(t, Stripe, aerr.Platform)
		})
	}
}

func TestHTTPAdapter_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":"` + strings.Repeat("x", 64) + `"}]}`))
	}))
	defer server.Close()

	a := NewHTTPAdapter(GitHub, server.URL, nil)
	a.maxResponseSize = 16
	_, err := a.Execute(context.Background(), Request{Action: "list_repos"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestHTTPAdapter_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPAdapter(GitHub, server.URL, nil).Execute(ctx, Request{Action: "list_repos"})
	var aerr *AdapterError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, KindTimeout, aerr.Kind)
}

func TestFixtureAdapter(t *testing.T) {
	a := NewFixtureAdapter(Stripe, map[string][]Record{
		"list_invoices": {
			{"id": "in_1", "status": "open", "amount": 100.0},
			{"id": "in_2", "status": "paid", "amount": 900.0},
			{"id": "in_3", "status": "open", "amount": 700.0},
			{"id": "in_4", "status": "open", "amount": 50},
		},
	}, map[string]any{"get_balance": 1520.5})
	ctx := context.Background()

	page, err := a.Execute(ctx, Request{Action: "list_invoices", Filters: Filters{"status": "open"}, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "2", page.NextCursor)

	page, err = a.Execute(ctx, Request{Action: "list_invoices", Filters: Filters{"status": "open"}, Cursor: "2", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)

	page, err = a.Execute(ctx, Request{Action: "list_invoices", Filters: Filters{"amount_gt": 500.0}})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	page, err = a.Execute(ctx, Request{Action: "get_balance"})
	require.NoError(t, err)
	assert.Equal(t, 1520.5, page.Scalar)

	_, err = a.Execute(ctx, Request{Action: "list_charges"})
	assert.Error(t, err)
}

func TestFixtureAdapter_DateRange(t *testing.T) {
	a := NewFixtureAdapter(Stripe, map[string][]Record{
		"list_invoices": {
			{"id": "in_1", "created": "2024-05-07"},
			{"id": "in_2", "created": "2024-01-01"},
			{"id": "in_3", "created": "2024-05-12T23:59:00Z"},
			{"id": "in_4", "created": "2024-05-13"},
			{"id": "in_5", "created": float64(1715212800)}, // 2024-05-09
			{"id": "in_6"},
		},
	}, nil)
	week := DateRange{
		Start: time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC),
	}

	page, err := a.Execute(context.Background(), Request{Action: "list_invoices", Filters: Filters{"created": week}})
	require.NoError(t, err)

	var ids []any
	for _, r := range page.Items {
		ids = append(ids, r["id"])
	}
	assert.Equal(t, []any{"in_1", "in_3", "in_5", "in_6"}, ids)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 7, 0, 0, 0, 0, time.UTC)
	for _, v := range []any{"2024-05-07", "2024-05-07T00:00:00Z", "2024-05-07 00:00:00", float64(1715040000), int64(1715040000), want} {
		got, ok := ParseTimestamp(v)
		require.True(t, ok, "%v", v)
		assert.True(t, want.Equal(got), "%v", v)
	}
	for _, v := range []any{"next tuesday", 42.0, nil, true} {
		_, ok := ParseTimestamp(v)
		assert.False(t, ok, "%v", v)
	}
}

func TestParseConnections(t *testing.T) {
	doc := `
adapters:
  stripe:
    type: fixture
    records:
      list_invoices:
        - {id: in_1, status: open, amount: 120}
    scalars:
      get_balance: 99.5
  github:
    type: http
    url: http://localhost:9100/github
users:
  demo:
    stripe: {token: sk_test}
    github: {token: ghp_test}
`
	f, err := ParseConnections([]byte(doc))
	require.NoError(t, err)

	conns, err := StaticConnections(f.Users).Connections(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, []Platform{GitHub, Stripe}, conns.Platforms())
	assert.Equal(t, "sk_test", conns[Stripe].Token)

	none, err := StaticConnections(f.Users).Connections(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	reg := f.BuildRegistry(10*time.Second, map[Platform]time.Duration{Stripe: 5 * time.Second}, nil)
	assert.Equal(t, []Platform{GitHub, Stripe}, reg.Registered())
	assert.Equal(t, 5*time.Second, reg.Timeout(Stripe))
	assert.Equal(t, 10*time.Second, reg.Timeout(GitHub))

	a, err := reg.Adapter(Stripe)
	require.NoError(t, err)
	page, err := a.Execute(context.Background(), Request{Action: "list_invoices"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	_, err = reg.Adapter(Zendesk)
	assert.Error(t, err)

	_, err = ParseConnections([]byte("adapters:\n  stripe: {type: carrier-pigeon}\n"))
	assert.Error(t, err)
}
