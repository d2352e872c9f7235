package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedSuggestions(t *testing.T) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	st := newMemoryStore(t)
	require.NoError(t, st.CreateSavedQuery(ctx, &store.SavedQuery{UserID: "u1", Name: "Unpaid this week", QueryText: "Show unpaid invoices this week", Platform: "stripe"}))
	require.NoError(t, st.CreateSavedQuery(ctx, &store.SavedQuery{UserID: "u1", Name: "Urgent tickets", QueryText: "Show urgent Zendesk tickets"}))

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	history := []store.QueryHistoryEntry{
		{QueryText: "show open pull requests in repo web", Platform: "github", Succeeded: true},
		{QueryText: "show unpaid invoices from last month", Platform: "stripe", Succeeded: true},
		{QueryText: "show unpaid invoices from last month", Platform: "stripe", Succeeded: true},
		{QueryText: "show unpaid payouts", Platform: "stripe", Succeeded: false},
		{QueryText: "show unpaid invoices over $500", Platform: "stripe", Succeeded: true},
	}
	for i, e := range history {
		e.UserID = "u1"
		e.Timestamp = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, st.AppendHistory(ctx, &e, 50))
	}
	return st
}

func TestSuggest_RankingOrder(t *testing.T) {
	st := seedSuggestions(t)
	svc := NewSuggestionService(st, st, zap.NewNop())

	got := svc.Suggest(context.Background(), "u1", "show unpaid", 10)
	require.NotEmpty(t, got)

	var texts []string
	for _, s := range got {
		texts = append(texts, fmt.Sprintf("%s:%s", s.Type, s.Text))
	}
	assert.Equal(t, []string{
		"saved:Show unpaid invoices this week",
		"history:show unpaid invoices over $500",
		"history:show unpaid invoices from last month",
		"pattern:Show unpaid invoices from last week",
	}, texts)
	assert.Equal(t, platform.Stripe, got[0].Platform)
}

func TestSuggest_ExactSavedNameFirst(t *testing.T) {
	st := seedSuggestions(t)
	got := NewSuggestionService(st, st, zap.NewNop()).Suggest(context.Background(), "u1", "urgent tickets", 3)
	require.NotEmpty(t, got)
	assert.Equal(t, SuggestionSaved, got[0].Type)
	assert.Equal(t, "Urgent tickets", got[0].Label)
}

func TestSuggest_EmptyInputReturnsDefaults(t *testing.T) {
	svc := NewSuggestionService(nil, nil, zap.NewNop())
	got := svc.Suggest(context.Background(), "", "", 0)
	require.Len(t, got, DefaultSuggestionLimit)
	for _, s := range got {
		assert.Equal(t, SuggestionPattern, s.Type)
	}
}

func TestSuggest_Limit(t *testing.T) {
	st := seedSuggestions(t)
	svc := NewSuggestionService(st, st, zap.NewNop())
	assert.Len(t, svc.Suggest(context.Background(), "u1", "", 2), 2)
	assert.LessOrEqual(t, len(svc.Suggest(context.Background(), "u1", "", 1000)), MaxSuggestionLimit)
}

func TestSuggest_PatternKeywords(t *testing.T) {
	got := NewSuggestionService(nil, nil, zap.NewNop()).Suggest(context.Background(), "", "kanban card", 5)
	require.NotEmpty(t, got)
	assert.Equal(t, platform.Trello, got[0].Platform)
}

type failingSaved struct{}

func (failingSaved) ListSavedQueries(context.Context, string) ([]store.SavedQuery, error) {
	return nil, errors.New("db locked")
}

func TestSuggest_StoreErrorsDegrade(t *testing.T) {
	got := NewSuggestionService(failingSaved{}, nil, zap.NewNop()).Suggest(context.Background(), "u1", "", 3)
	assert.Len(t, got, 3)
}

func TestSuggest_KnowledgeExamples(t *testing.T) {
	svc := NewSuggestionService(nil, nil, zap.NewNop()).WithExamples(newKnowledge(t).Examples())

	got := svc.Suggest(context.Background(), "", "clone", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "How do I clone a repository?", got[0].Text)
	assert.Equal(t, "Example", got[0].Label)
	assert.Empty(t, got[0].Platform)

	// Examples repeating a built-in pattern are offered once.
	all := svc.Suggest(context.Background(), "", "", MaxSuggestionLimit)
	seen := map[string]int{}
	for _, s := range all {
		seen[strings.ToLower(s.Text)]++
	}
	assert.Equal(t, 1, seen["show unpaid invoices from last week"])
	assert.Contains(t, seen, "when should i retry a failed payment?")
}
