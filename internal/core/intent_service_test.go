package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newIntent(t *testing.T, history HistoryStore, llm TextGenerator) *IntentService {
	t.Helper()
	return NewIntentService(platform.MustDefaultCatalog(), history, llm, DefaultMinScore, zap.NewNop())
}

func TestClassify_ExplicitHintWins(t *testing.T) {
	svc := newIntent(t, nil, nil)
	connected := []platform.Platform{platform.Stripe, platform.GitHub, platform.Zendesk}

	texts := []string{
		"Show unpaid invoices",
		"list open pull requests in repo api",
		"How do I clone a repository?",
		"stripe and zendesk tickets for Acme Corp",
		"",
		"asdf qwerty",
	}
	for _, text := range texts {
		for _, hint := range connected {
			c, err := svc.Classify(context.Background(), "u1", text, hint, connected)
			require.NoError(t, err, text)
			assert.Equal(t, []platform.Platform{hint}, c.Targets, text)
			assert.Equal(t, ModeSingle, c.Mode, text)
			assert.Equal(t, "hint", c.Source)
		}
	}
}

func TestClassify_HintForUnconnectedPlatformIsIgnored(t *testing.T) {
	svc := newIntent(t, nil, nil)
	c, err := svc.Classify(context.Background(), "u1", "Show unpaid invoices", platform.GitHub, []platform.Platform{platform.Stripe})
	require.NoError(t, err)
	assert.Equal(t, []platform.Platform{platform.Stripe}, c.Targets)
	assert.Equal(t, "keyword", c.Source)
}

func TestClassify_Keywords(t *testing.T) {
	all := platform.All
	tests := []struct {
		name  string
		text  string
		want  []platform.Platform
		mode  Mode
		isErr bool
	}{
		{"single stripe", "Show unpaid invoices", []platform.Platform{platform.Stripe}, ModeSingle, false},
		{"single github", "list commits in repo api-server", []platform.Platform{platform.GitHub}, ModeSingle, false},
		{"two platform names", "Compare Zendesk tickets with Stripe charges", []platform.Platform{platform.Stripe, platform.Zendesk}, ModeBulk, false},
		{"cross reference", "Show deals and linked invoices for Acme Corp", []platform.Platform{platform.Stripe, platform.Zoho}, ModeBulk, false},
		{"no signal", "what's the weather like", nil, "", true},
	}
	svc := newIntent(t, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := svc.Classify(context.Background(), "u1", tt.text, "", all)
			if tt.isErr {
				assert.ErrorIs(t, err, ErrAmbiguousIntent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Targets)
			assert.Equal(t, tt.mode, c.Mode)
		})
	}
}

func TestClassify_OnlyConnectedPlatformsAreCandidates(t *testing.T) {
	svc := newIntent(t, nil, nil)
	_, err := svc.Classify(context.Background(), "u1", "Show unpaid invoices", "", []platform.Platform{platform.GitHub})
	assert.ErrorIs(t, err, ErrAmbiguousIntent)

	_, err = svc.Classify(context.Background(), "u1", "Show unpaid invoices", "", nil)
	assert.ErrorIs(t, err, ErrAmbiguousIntent)
}

func TestClassify_KnowledgeQuestion(t *testing.T) {
	svc := newIntent(t, nil, nil)
	c, err := svc.Classify(context.Background(), "u1", "How do I clone a repository?", "", platform.All)
	require.NoError(t, err)
	assert.True(t, c.Knowledge)
	assert.Empty(t, c.Targets)

	assert.False(t, IsKnowledgeQuestion("how many invoices are unpaid"))
	assert.True(t, IsKnowledgeQuestion("When should I retry a failed payment?"))
}

func TestClassify_ExtractsEntity(t *testing.T) {
	svc := newIntent(t, nil, nil)
	c, err := svc.Classify(context.Background(), "u1", "Show deals for Acme Corp", "", platform.All)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", c.Entity)
}

func TestExtractEntity_SkipsPeriods(t *testing.T) {
	tests := map[string]string{
		"Show unpaid invoices from January":         "",
		"List invoices for March":                   "",
		"Show Zoho deals from Q3":                   "",
		"tickets from Monday":                       "",
		"deals for FY2024":                          "",
		"invoices from Last Week":                   "",
		"Show invoices for Acme Corp from March":    "Acme Corp",
		"Show deals for Acme Corp March":            "Acme Corp",
		"open deals with Globex":                    "Globex",
		"Show charges from January for Initech Inc": "Initech Inc",
	}
	for text, want := range tests {
		assert.Equal(t, want, extractEntity(text), text)
	}
}

func TestClassify_TieBreak(t *testing.T) {
	connected := []platform.Platform{platform.Zoho, platform.Salesforce}

	t.Run("priority then alphabetical", func(t *testing.T) {
		svc := newIntent(t, nil, nil)
		for i := 0; i < 5; i++ {
			c, err := svc.Classify(context.Background(), "u1", "List leads", "", connected)
			require.NoError(t, err)
			assert.Equal(t, []platform.Platform{platform.Salesforce}, c.Targets)
		}
	})

	t.Run("recent similar success", func(t *testing.T) {
		st := newMemoryStore(t)
		require.NoError(t, st.AppendHistory(context.Background(), &store.QueryHistoryEntry{
			UserID: "u1", QueryText: "list leads", Platform: "zoho", Succeeded: true, Timestamp: time.Now(),
		}, 10))
		svc := newIntent(t, st, nil)

		c, err := svc.Classify(context.Background(), "u1", "List leads", "", connected)
		require.NoError(t, err)
		assert.Equal(t, []platform.Platform{platform.Zoho}, c.Targets)

		c, err = svc.Classify(context.Background(), "u2", "List leads", "", connected)
		require.NoError(t, err)
		assert.Equal(t, []platform.Platform{platform.Salesforce}, c.Targets)
	})
}

func TestClassify_ModelAndFallback(t *testing.T) {
	connected := []platform.Platform{platform.Stripe, platform.Zendesk}

	t.Run("model routing", func(t *testing.T) {
		llm := &fakeLLM{replies: []string{"```json\n{\"platforms\": [\"zendesk\"], \"confidence\": 0.9}\n```"}}
		c, err := newIntent(t, nil, llm).Classify(context.Background(), "u1", "anything about customers", "", connected)
		require.NoError(t, err)
		assert.Equal(t, []platform.Platform{platform.Zendesk}, c.Targets)
		assert.Equal(t, "llm", c.Source)
		assert.InDelta(t, 0.9, c.Confidence, 1e-9)
	})

	t.Run("unconnected choice falls back", func(t *testing.T) {
		llm := &fakeLLM{replies: []string{`{"platforms": ["github"]}`}}
		c, err := newIntent(t, nil, llm).Classify(context.Background(), "u1", "Show unpaid invoices", "", connected)
		require.NoError(t, err)
		assert.Equal(t, []platform.Platform{platform.Stripe}, c.Targets)
		assert.Equal(t, "keyword", c.Source)
	})

	t.Run("model error falls back", func(t *testing.T) {
		llm := &fakeLLM{err: errors.New("quota exceeded")}
		c, err := newIntent(t, nil, llm).Classify(context.Background(), "u1", "Show unpaid invoices", "", connected)
		require.NoError(t, err)
		assert.Equal(t, []platform.Platform{platform.Stripe}, c.Targets)
	})

	t.Run("knowledge questions skip the model", func(t *testing.T) {
		llm := &fakeLLM{replies: []string{`{"platforms": ["stripe"]}`}}
		c, err := newIntent(t, nil, llm).Classify(context.Background(), "u1", "How do I clone a repository?", "", connected)
		require.NoError(t, err)
		assert.True(t, c.Knowledge)
		assert.Zero(t, llm.calls())
	})
}
