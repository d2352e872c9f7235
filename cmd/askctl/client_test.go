package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"datadesk.io/query-orchestrator/internal/api"
	"datadesk.io/query-orchestrator/internal/auth"
	"datadesk.io/query-orchestrator/internal/core"
	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	logger := zap.NewNop()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	catalog := platform.MustDefaultCatalog()
	registry := platform.NewRegistry(time.Second)
	registry.Register(platform.Stripe, platform.NewFixtureAdapter(platform.Stripe, map[string][]platform.Record{
		"list_invoices": {
			{"id": "in_1", "status": "open", "amount": 100.0, "currency": "usd"},
			{"id": "in_2", "status": "open", "amount": 250.0, "currency": "usd"},
			{"id": "in_3", "status": "paid", "amount": 75.0, "currency": "usd"},
		},
	}, nil))
	kb, err := core.DefaultKnowledgeBase()
	require.NoError(t, err)

	conns := platform.StaticConnections{"demo": {platform.Stripe: {Token: "sk_test"}}}
	pipeline := core.NewPipelineService(core.Stages{
		Intent:  core.NewIntentService(catalog, st, nil, core.DefaultMinScore, logger),
		Planner: core.NewPlannerService(catalog, nil, time.Now, logger),
		Fetch:   core.NewFetchService(catalog, registry, 0, 0, logger),
		Chart:   core.NewChartService(),
		Summary: core.NewSummaryService(core.NewKnowledgeService(kb, logger), nil, 0, logger),
	}, conns, st, 0, logger)

	issuer := auth.NewIssuer("secret", time.Hour)
	h := api.NewAPIHandler(api.Services{
		Pipeline:    pipeline,
		Suggestions: core.NewSuggestionService(st, st, logger),
		Queries:     st,
		Catalog:     catalog,
		Connections: conns,
		Issuer:      issuer,
		Logger:      logger,
	})
	srv := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(srv.Close)

	tok, err := issuer.GenerateJWT("demo")
	require.NoError(t, err)
	return srv, tok
}

func TestClient_AskEndToEnd(t *testing.T) {
	srv, tok := newServer(t)
	c := NewClient(srv.URL+"/", tok, srv.Client(), zap.NewNop())

	var logs []string
	result, err := c.Ask(context.Background(), "Show unpaid invoices", "", func(ev core.StreamEvent) {
		if ev.Type == core.EventLog {
			logs = append(logs, ev.Agent)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{core.AgentPlanner, core.AgentFetcher, core.AgentAnalyst, core.AgentSummarizer}, logs)
	assert.True(t, result.Success)
	assert.Equal(t, platform.Stripe, result.Platform)
	assert.Equal(t, "Found 2 invoices on Stripe totaling 350.00 USD (2 open).", result.Summary)

	history, err := c.History(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Show unpaid invoices", history[0].QueryText)

	suggestions, err := c.Suggest(context.Background(), "show unpaid", 3)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, core.SuggestionHistory, suggestions[0].Type)
}

func TestClient_ReportsServerErrors(t *testing.T) {
	srv, _ := newServer(t)
	c := NewClient(srv.URL, "bad-token", srv.Client(), zap.NewNop())

	_, err := c.Ask(context.Background(), "Show unpaid invoices", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClient_StreamWithoutResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		fmt.Fprintln(w, `{"type":"log","agent":"Planner","message":"Planned","status":"info"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", srv.Client(), zap.NewNop()).Ask(context.Background(), "hi", "", nil)
	assert.ErrorContains(t, err, "without a result")
}

func TestFormatLog(t *testing.T) {
	assert.Equal(t, "✓ [Fetcher] Fetched 3 items",
		formatLog(core.StreamEvent{Type: core.EventLog, Agent: core.AgentFetcher, Message: "Fetched 3 items", Status: core.StatusSuccess}))
	assert.Equal(t, "· [Planner] No platform matched",
		formatLog(core.StreamEvent{Type: core.EventLog, Agent: core.AgentPlanner, Message: "No platform matched", Status: core.StatusInfo}))
}
