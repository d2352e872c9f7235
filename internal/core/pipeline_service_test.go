package core

import (
	"context"
	"testing"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipelineFixture struct {
	svc      *PipelineService
	store    *store.SQLiteStore
	registry *platform.Registry
}

func newPipelineFixture(t *testing.T, conns platform.ConnectionSource, llm TextGenerator) *pipelineFixture {
	t.Helper()
	catalog := platform.MustDefaultCatalog()
	st := newMemoryStore(t)
	registry := platform.NewRegistry(time.Second)
	logger := zap.NewNop()

	stages := Stages{
		Intent:  NewIntentService(catalog, st, llm, DefaultMinScore, logger),
		Planner: NewPlannerService(catalog, llm, clock, logger),
		Fetch:   NewFetchService(catalog, registry, 0, 0, logger),
		Chart:   NewChartService(),
		Summary: NewSummaryService(newKnowledge(t), llm, 0, logger),
	}
	return &pipelineFixture{
		svc:      NewPipelineService(stages, conns, st, 0, logger),
		store:    st,
		registry: registry,
	}
}

func userConns(ps ...platform.Platform) platform.StaticConnections {
	return platform.StaticConnections{"u1": connectionsFor(ps...)}
}

func collect(t *testing.T, ch <-chan StreamEvent) ([]StreamEvent, ResultPayload) {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				require.NotEmpty(t, events)
				last := events[len(events)-1]
				require.Equal(t, EventResult, last.Type)
				require.NotNil(t, last.Payload)
				return events, *last.Payload
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("pipeline did not finish")
		}
	}
}

func agents(events []StreamEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventLog {
			out = append(out, ev.Agent)
		}
	}
	return out
}

func TestRun_UnpaidInvoices(t *testing.T) {
	f := newPipelineFixture(t, userConns(platform.Stripe), nil)
	f.registry.Register(platform.Stripe, platform.NewFixtureAdapter(platform.Stripe,
		map[string][]platform.Record{"list_invoices": invoiceFixtures()}, nil))

	events, payload := collect(t, f.svc.Run(context.Background(), Query{Text: "Show unpaid invoices", UserID: "u1"}))

	assert.Equal(t, []string{AgentPlanner, AgentFetcher, AgentAnalyst, AgentSummarizer}, agents(events))
	assert.Len(t, events, 5)
	assert.True(t, payload.Success)
	assert.Equal(t, platform.Stripe, payload.Platform)
	assert.Empty(t, payload.Type)
	assert.Nil(t, payload.Chart)
	assert.True(t, payload.UsedFallback)
	assert.Contains(t, payload.Summary, "3 invoices")
	assert.Contains(t, payload.Summary, "1,150.00")
	assert.Len(t, payload.Logs, 4)

	items, ok := payload.Data.([]platform.Record)
	require.True(t, ok)
	assert.Len(t, items, 3)

	history, err := f.store.RecentHistory(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "stripe", history[0].Platform)
	assert.True(t, history[0].Succeeded)
}

func TestRun_CorrelationWithZeroDeals(t *testing.T) {
	f := newPipelineFixture(t, userConns(platform.Stripe, platform.Zoho), nil)
	f.registry.Register(platform.Zoho, platform.NewFixtureAdapter(platform.Zoho,
		map[string][]platform.Record{"list_deals": {}}, nil))
	f.registry.Register(platform.Stripe, platform.NewFixtureAdapter(platform.Stripe,
		map[string][]platform.Record{"list_invoices": invoiceFixtures()}, nil))

	_, payload := collect(t, f.svc.Run(context.Background(), Query{Text: "Show deals and linked invoices for Acme Corp", UserID: "u1"}))

	assert.True(t, payload.Success)
	assert.Equal(t, ResponseTypeBulk, payload.Type)
	entries, ok := payload.Data.([]BulkEntry)
	require.True(t, ok)
	require.Len(t, entries, 2)

	assert.Equal(t, platform.Stripe, entries[0].Platform)
	assert.True(t, entries[0].Success)
	assert.Empty(t, entries[0].Data)
	assert.Empty(t, entries[0].Error)

	assert.Equal(t, platform.Zoho, entries[1].Platform)
	assert.True(t, entries[1].Success)
	assert.Equal(t, "No deals matched on Zoho.", entries[1].Summary)
}

func TestRun_CloneRepositoryFallback(t *testing.T) {
	llm := &fakeLLM{replies: []string{"should not be used"}}
	f := newPipelineFixture(t, userConns(platform.GitHub), llm)

	events, payload := collect(t, f.svc.Run(context.Background(), Query{Text: "How do I clone a repository?", UserID: "u1"}))

	assert.Equal(t, []string{AgentPlanner, AgentFetcher, AgentAnalyst, AgentSummarizer}, agents(events))
	assert.True(t, payload.Success)
	assert.True(t, payload.UsedFallback)
	assert.Contains(t, payload.Summary, "git clone")
	assert.Zero(t, llm.calls())
}

func TestRun_PartialFailureStillCompletes(t *testing.T) {
	f := newPipelineFixture(t, userConns(platform.Stripe, platform.GitHub), nil)
	f.registry.Register(platform.Stripe, platform.AdapterFunc(func(ctx context.Context, req platform.Request) (*platform.Page, error) {
		return nil, platform.NewAdapterError(platform.Stripe, platform.KindRateLimited, "", nil)
	}))
	f.registry.Register(platform.GitHub, platform.NewFixtureAdapter(platform.GitHub,
		map[string][]platform.Record{"list_repos": {{"name": "api", "stars": 10.0}, {"name": "web", "stars": 4.0}}}, nil))

	events, payload := collect(t, f.svc.Run(context.Background(), Query{Text: "Compare Stripe charges with GitHub repos", UserID: "u1"}))

	for _, ev := range events {
		if ev.Agent == AgentFetcher {
			assert.Equal(t, StatusInfo, ev.Status)
		}
	}
	assert.True(t, payload.Success)
	assert.Equal(t, ResponseTypeBulk, payload.Type)
	entries := payload.Data.([]BulkEntry)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "rate limited", entries[0].Error)
	assert.True(t, entries[1].Success)
	assert.Len(t, entries[1].Data, 2)
	assert.Contains(t, payload.Summary, "Stripe data unavailable: rate limited.")
	require.NotNil(t, payload.Chart)
	assert.Equal(t, ChartBar, payload.Chart.Type)
}

func TestRun_PlanningFailureIsFolded(t *testing.T) {
	f := newPipelineFixture(t, userConns(platform.Stripe), nil)
	_, payload := collect(t, f.svc.Run(context.Background(), Query{Text: "Refund the last invoice", UserID: "u1"}))

	assert.False(t, payload.Success)
	assert.Equal(t, platform.Stripe, payload.Platform)
	assert.Contains(t, payload.Error, "Stripe data unavailable")
	assert.Contains(t, payload.Summary, "write operation")
}

func TestRun_NoConnectionsFallsBackToKnowledge(t *testing.T) {
	f := newPipelineFixture(t, platform.StaticConnections{}, nil)
	_, payload := collect(t, f.svc.Run(context.Background(), Query{Text: "Show unpaid invoices", UserID: "u1"}))

	assert.True(t, payload.Success)
	assert.True(t, payload.UsedFallback)
	assert.Contains(t, payload.Summary, "Try one of")
	assert.Equal(t, []platform.Record{}, payload.Data)
}

type panickingConnections struct{}

func (panickingConnections) Connections(context.Context, string) (platform.Connections, error) {
	panic("credential vault exploded")
}

func TestRun_PanicEndsInFailed(t *testing.T) {
	f := newPipelineFixture(t, panickingConnections{}, nil)
	events, payload := collect(t, f.svc.Run(context.Background(), Query{Text: "Show unpaid invoices", UserID: "u1"}))

	results := 0
	for _, ev := range events {
		if ev.Type == EventResult {
			results++
		}
	}
	assert.Equal(t, 1, results)
	assert.False(t, payload.Success)
	assert.Contains(t, payload.Error, "internal error")

	history, err := f.store.RecentHistory(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRun_CancelledClientStillRecordsHistory(t *testing.T) {
	f := newPipelineFixture(t, userConns(platform.Stripe), nil)
	f.registry.Register(platform.Stripe, platform.NewFixtureAdapter(platform.Stripe,
		map[string][]platform.Record{"list_invoices": invoiceFixtures()}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	payload := f.svc.Answer(ctx, Query{Text: "Show unpaid invoices", UserID: "u1"})
	assert.True(t, payload.Success)

	history, err := f.store.RecentHistory(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDescribeFetch_CountsSuccessfulItems(t *testing.T) {
	agg := AggregateResult{Results: []FetchResult{
		{Platform: platform.GitHub, Kind: "repo", Success: true, Items: []platform.Record{{"name": "api"}}},
		{Platform: platform.Stripe, Kind: "charge", Success: false, Items: []platform.Record{{"id": "ch_stale"}},
			Error: &FetchError{Kind: platform.KindRateLimited}},
	}}
	assert.Equal(t, 1, agg.ItemCount())
	assert.Equal(t, "Fetched 1 item: GitHub: 1 repos; Stripe: rate limited", describeFetch(agg))
	assert.Equal(t, "Nothing to fetch", describeFetch(AggregateResult{}))
}
