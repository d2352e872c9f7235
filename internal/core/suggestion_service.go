package core

import (
	"context"
	"slices"
	"strings"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"datadesk.io/query-orchestrator/internal/utils"
	"go.uber.org/zap"
)

const (
	DefaultSuggestionLimit = 8
	MaxSuggestionLimit     = 25
	suggestionHistoryScan  = 100
	// similarHistoryScore is the word overlap above which a past query counts as related.
	similarHistoryScore = 0.3
)

type SuggestionType string

const (
	SuggestionSaved   SuggestionType = "saved"
	SuggestionHistory SuggestionType = "history"
	SuggestionPattern SuggestionType = "pattern"
)

type Suggestion struct {
	Type     SuggestionType    `json:"type"`
	Label    string            `json:"label"`
	Text     string            `json:"text"`
	Platform platform.Platform `json:"platform,omitempty"`
}

// SavedQueryStore lists a user's saved queries.
type SavedQueryStore interface {
	ListSavedQueries(ctx context.Context, userID string) ([]store.SavedQuery, error)
}

type queryPattern struct {
	Text     string
	Platform platform.Platform
	Keywords []string
}

var defaultPatterns = []queryPattern{
	{Text: "Show unpaid invoices from last week", Platform: platform.Stripe, Keywords: []string{"invoice", "unpaid", "stripe", "billing"}},
	{Text: "What is my Stripe balance?", Platform: platform.Stripe, Keywords: []string{"balance", "stripe", "payout"}},
	{Text: "List failed charges this month", Platform: platform.Stripe, Keywords: []string{"charge", "payment", "failed"}},
	{Text: "Show open pull requests in repo api-server", Platform: platform.GitHub, Keywords: []string{"pull", "pr", "github", "review"}},
	{Text: "List recent commits in repo api-server", Platform: platform.GitHub, Keywords: []string{"commit", "github", "repo"}},
	{Text: "Show urgent Zendesk tickets", Platform: platform.Zendesk, Keywords: []string{"ticket", "zendesk", "support", "urgent"}},
	{Text: "List open opportunities in Salesforce", Platform: platform.Salesforce, Keywords: []string{"opportunity", "salesforce", "pipeline"}},
	{Text: "Show deals and linked invoices for Acme Corp", Platform: platform.Zoho, Keywords: []string{"deal", "zoho", "crm", "customer"}},
	{Text: "List cards on my Trello boards", Platform: platform.Trello, Keywords: []string{"card", "trello", "board", "task"}},
}

// SuggestionService ranks type-ahead candidates. It only reads from its stores.
type SuggestionService struct {
	saved    SavedQueryStore
	history  HistoryStore
	patterns []queryPattern
	logger   *zap.Logger
}

func NewSuggestionService(saved SavedQueryStore, history HistoryStore, logger *zap.Logger) *SuggestionService {
	return &SuggestionService{
		saved:    saved,
		history:  history,
		patterns: defaultPatterns,
		logger:   logger.Named("suggest"),
	}
}

// WithExamples appends example questions, such as the knowledge catalog's, to the
// pattern candidates. Examples carry no platform.
func (s *SuggestionService) WithExamples(examples []string) *SuggestionService {
	patterns := slices.Clone(s.patterns)
	for _, ex := range examples {
		if ex = strings.TrimSpace(ex); ex != "" {
			patterns = append(patterns, queryPattern{Text: ex})
		}
	}
	s.patterns = patterns
	return s
}

// Suggest returns saved queries matching partial by exact name or text first, then
// by prefix, then matching history (most recent first, one per text), then static
// patterns. Empty input yields the default patterns after any saved and history entries.
func (s *SuggestionService) Suggest(ctx context.Context, userID, partial string, limit int) []Suggestion {
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}
	limit = min(limit, MaxSuggestionLimit)
	needle := strings.ToLower(strings.TrimSpace(partial))

	out := make([]Suggestion, 0, limit)
	seen := map[string]bool{}
	add := func(sg Suggestion) bool {
		key := strings.ToLower(strings.TrimSpace(sg.Text))
		if seen[key] {
			return len(out) < limit
		}
		seen[key] = true
		out = append(out, sg)
		return len(out) < limit
	}

	for _, sg := range s.savedMatches(ctx, userID, needle) {
		if !add(sg) {
			return out
		}
	}
	for _, sg := range s.historyMatches(ctx, userID, needle) {
		if !add(sg) {
			return out
		}
	}
	for _, sg := range s.patternMatches(needle) {
		if !add(sg) {
			return out
		}
	}
	return out
}

func (s *SuggestionService) savedMatches(ctx context.Context, userID, needle string) []Suggestion {
	if s.saved == nil || userID == "" {
		return nil
	}
	saved, err := s.saved.ListSavedQueries(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to list saved queries", zap.String("user", userID), zap.Error(err))
		return nil
	}
	var exact, prefix []Suggestion
	for _, q := range saved {
		name, text := strings.ToLower(q.Name), strings.ToLower(q.QueryText)
		sg := Suggestion{Type: SuggestionSaved, Label: q.Name, Text: q.QueryText, Platform: platform.Platform(q.Platform)}
		switch {
		case needle != "" && (name == needle || text == needle):
			exact = append(exact, sg)
		case strings.HasPrefix(name, needle) || strings.HasPrefix(text, needle):
			prefix = append(prefix, sg)
		}
	}
	return append(exact, prefix...)
}

func (s *SuggestionService) historyMatches(ctx context.Context, userID, needle string) []Suggestion {
	if s.history == nil || userID == "" {
		return nil
	}
	entries, err := s.history.RecentHistory(ctx, userID, suggestionHistoryScan)
	if err != nil {
		s.logger.Warn("failed to read query history", zap.String("user", userID), zap.Error(err))
		return nil
	}
	var out []Suggestion
	for _, e := range entries {
		if !e.Succeeded {
			continue
		}
		text := strings.ToLower(e.QueryText)
		if needle != "" && !strings.Contains(text, needle) && utils.Jaccard(needle, text) <= similarHistoryScore {
			continue
		}
		out = append(out, Suggestion{
			Type:     SuggestionHistory,
			Label:    "Recent",
			Text:     e.QueryText,
			Platform: platform.Platform(e.Platform),
		})
	}
	return out
}

func (s *SuggestionService) patternMatches(needle string) []Suggestion {
	normalized := utils.Normalize(needle)
	var out []Suggestion
	for _, p := range s.patterns {
		if needle != "" && !strings.Contains(strings.ToLower(p.Text), needle) && !anyPhrase(normalized, p.Keywords) {
			continue
		}
		label := p.Platform.Title()
		if label == "" {
			label = "Example"
		}
		out = append(out, Suggestion{
			Type:     SuggestionPattern,
			Label:    label,
			Text:     p.Text,
			Platform: p.Platform,
		})
	}
	return out
}

func anyPhrase(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if utils.ContainsPhrase(normalized, p) {
			return true
		}
	}
	return false
}
