package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"datadesk.io/query-orchestrator/internal/utils"
	"go.uber.org/zap"
)

const (
	// DefaultMinScore is the keyword score a platform needs to be routed to.
	DefaultMinScore = 1.0
	// recentSimilarity is the cosine similarity at which a past query counts as the same question.
	recentSimilarity = 0.8
	historyLookback  = 50
)

var knowledgePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhow\s+(?:do|can|should)\s+(?:i|we|you)\b`),
	regexp.MustCompile(`\bhow\s+to\b`),
	regexp.MustCompile(`\bwhen\s+should\s+(?:i|we)\b`),
	regexp.MustCompile(`^\s*what\s+(?:is|are|does)\s+(?:a|an)\b`),
	regexp.MustCompile(`^\s*what\s+does\b`),
	regexp.MustCompile(`\btell\s+me\s+about\b`),
	regexp.MustCompile(`^\s*(?:can\s+you\s+)?explain\b`),
	regexp.MustCompile(`\b(?:policy|manual|guide|best\s+practices?)\b`),
}

// Data requests phrased as questions ("how many invoices...") stay data requests.
var dataRequestPattern = regexp.MustCompile(`\b(?:show|list|fetch|get|find|count|how\s+many|how\s+much)\b`)

var entityPattern = regexp.MustCompile(`\b(?:for|of|from|about|with)\s+([A-Z][\w&.'-]*(?:\s+(?:[A-Z][\w&.'-]*|&))*)`)

// HistoryStore is the query history the classifier and suggestions read and the pipeline appends to.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry *store.QueryHistoryEntry, maxEntries int) error
	RecentHistory(ctx context.Context, userID string, limit int) ([]store.QueryHistoryEntry, error)
}

type classifyInput struct {
	Text      string
	Connected []platform.Platform
	Recent    []store.QueryHistoryEntry
}

type classifier interface {
	classify(ctx context.Context, in classifyInput) (Classification, error)
}

type IntentService struct {
	catalog  *platform.Catalog
	history  HistoryStore
	strategy classifier
	logger   *zap.Logger
}

// NewIntentService composes the classifier strategies once. With a nil llm the
// keyword scorer is the only strategy; otherwise it is the fallback.
func NewIntentService(catalog *platform.Catalog, history HistoryStore, llm TextGenerator, minScore float64, logger *zap.Logger) *IntentService {
	logger = logger.Named("intent")
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	var strategy classifier = &keywordClassifier{catalog: catalog, minScore: minScore}
	if llm != nil {
		strategy = &fallbackClassifier{
			primary:   &llmClassifier{catalog: catalog, llm: llm},
			secondary: strategy,
			logger:    logger,
		}
	}
	return &IntentService{catalog: catalog, history: history, strategy: strategy, logger: logger}
}

// Classify routes a query to one or more connected platforms. An explicit connected
// hint is authoritative. ErrAmbiguousIntent is returned, together with a
// Classification carrying any extracted entity, when nothing matches.
func (s *IntentService) Classify(ctx context.Context, userID, text string, explicit platform.Platform, connected []platform.Platform) (Classification, error) {
	entity := extractEntity(text)

	if explicit != "" {
		if slices.Contains(connected, explicit) {
			return Classification{
				Targets:    []platform.Platform{explicit},
				Mode:       ModeSingle,
				Confidence: 1,
				Entity:     entity,
				Source:     "hint",
			}, nil
		}
		s.logger.Info("ignoring hint for unconnected platform", zap.String("platform", string(explicit)))
	}

	if IsKnowledgeQuestion(text) {
		return Classification{Knowledge: true, Entity: entity, Source: "knowledge"}, nil
	}

	if len(connected) == 0 {
		return Classification{Entity: entity, Source: "none"}, ErrAmbiguousIntent
	}

	var recent []store.QueryHistoryEntry
	if s.history != nil && userID != "" {
		var err error
		recent, err = s.history.RecentHistory(ctx, userID, historyLookback)
		if err != nil {
			s.logger.Warn("failed to load history for tie-break", zap.Error(err))
		}
	}

	c, err := s.strategy.classify(ctx, classifyInput{Text: text, Connected: connected, Recent: recent})
	c.Entity = entity
	if err != nil {
		return c, err
	}
	s.logger.Debug("classified query",
		zap.Strings("targets", platformStrings(c.Targets)),
		zap.String("mode", string(c.Mode)),
		zap.String("source", c.Source))
	return c, nil
}

// IsKnowledgeQuestion reports whether text asks how to do something rather than for data.
func IsKnowledgeQuestion(text string) bool {
	lower := strings.ToLower(text)
	if dataRequestPattern.MatchString(lower) && !strings.Contains(lower, "how to") && !strings.Contains(lower, "how do") {
		return false
	}
	for _, p := range knowledgePatterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

// calendarWords never name a customer or account: "invoices from January",
// "deals for Q3", "tickets from Monday".
var calendarWords = map[string]bool{
	"january": true, "february": true, "march": true, "april": true, "may": true, "june": true,
	"july": true, "august": true, "september": true, "october": true, "november": true, "december": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true, "jul": true, "aug": true,
	"sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true, "weekend": true,
	"today": true, "yesterday": true, "tomorrow": true,
}

var periodToken = regexp.MustCompile(`^(?:q[1-4]|h[12]|fy\d{2,4}|\d{4})$`)

func isCalendarWord(word string) bool {
	w := strings.ToLower(strings.Trim(word, ".,;:!?'"))
	return calendarWords[w] || periodToken.MatchString(w)
}

// isDatePhrase reports whether s is, or starts with, a period rather than a name.
func isDatePhrase(s string, now time.Time) bool {
	fields := strings.Fields(s)
	if len(fields) > 0 && isCalendarWord(fields[0]) {
		return true
	}
	_, _, ok := platform.ResolveRelativeRange(s, now)
	return ok
}

func extractEntity(text string) string {
	for _, m := range entityPattern.FindAllStringSubmatch(text, -1) {
		var words []string
		for _, w := range strings.Fields(m[1]) {
			if isCalendarWord(w) {
				break
			}
			words = append(words, w)
		}
		candidate := strings.TrimRight(strings.Join(words, " "), ".,;:!?&")
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, _, ok := platform.ResolveRelativeRange(candidate, time.Now()); ok {
			continue
		}
		if _, err := platform.Parse(candidate); err == nil {
			continue
		}
		return candidate
	}
	return ""
}

type keywordClassifier struct {
	catalog  *platform.Catalog
	minScore float64
}

type platformScore struct {
	platform  platform.Platform
	score     float64
	mentioned bool
}

func (k *keywordClassifier) score(text string, connected []platform.Platform) []platformScore {
	tokens := utils.Tokenize(text)
	normalized := utils.Normalize(text)
	scores := make([]platformScore, 0, len(connected))
	for _, p := range connected {
		spec, ok := k.catalog.Platform(p)
		if !ok {
			continue
		}
		ps := platformScore{platform: p}
		for kw, weight := range spec.Keywords {
			if strings.Contains(kw, " ") {
				if utils.ContainsPhrase(normalized, kw) {
					ps.score += weight
				}
				continue
			}
			if slices.Contains(tokens, utils.Singular(kw)) {
				ps.score += weight
			}
		}
		ps.mentioned = slices.Contains(tokens, string(p)) || utils.ContainsPhrase(normalized, strings.ToLower(spec.Name))
		scores = append(scores, ps)
	}
	return scores
}

func (k *keywordClassifier) classify(_ context.Context, in classifyInput) (Classification, error) {
	scores := k.score(in.Text, in.Connected)

	var total float64
	var mentioned, above []platform.Platform
	for _, s := range scores {
		total += s.score
		if s.mentioned {
			mentioned = append(mentioned, s.platform)
		}
		if s.score >= k.minScore {
			above = append(above, s.platform)
		}
	}

	if len(mentioned) >= 2 {
		k.catalog.SortByPriority(mentioned)
		return Classification{Targets: mentioned, Mode: ModeBulk, Confidence: 1, Source: "keyword"}, nil
	}
	if len(above) >= 2 && k.hasCrossReference(in.Text) {
		k.catalog.SortByPriority(above)
		return Classification{Targets: above, Mode: ModeBulk, Confidence: sumScores(scores, above) / total, Source: "keyword"}, nil
	}
	if len(above) == 0 {
		return Classification{Source: "keyword"}, ErrAmbiguousIntent
	}

	best := 0.0
	for _, s := range scores {
		best = max(best, s.score)
	}
	var tied []platform.Platform
	for _, s := range scores {
		if s.score == best {
			tied = append(tied, s.platform)
		}
	}
	target := k.breakTie(in, tied)
	return Classification{
		Targets:    []platform.Platform{target},
		Mode:       ModeSingle,
		Confidence: best / total,
		Source:     "keyword",
	}, nil
}

func (k *keywordClassifier) hasCrossReference(text string) bool {
	normalized := utils.Normalize(text)
	for _, phrase := range k.catalog.CrossReference {
		if utils.ContainsPhrase(normalized, phrase) {
			return true
		}
	}
	return false
}

// breakTie prefers the platform that last answered the same question for this
// user, then catalog priority, then alphabetical order.
func (k *keywordClassifier) breakTie(in classifyInput, tied []platform.Platform) platform.Platform {
	if len(tied) == 1 {
		return tied[0]
	}
	for _, e := range in.Recent {
		if !e.Succeeded {
			continue
		}
		p := platform.Platform(e.Platform)
		if !slices.Contains(tied, p) {
			continue
		}
		if utils.TextSimilarity(in.Text, e.QueryText) >= recentSimilarity {
			return p
		}
	}
	k.catalog.SortByPriority(tied)
	return tied[0]
}

func sumScores(scores []platformScore, selected []platform.Platform) float64 {
	var sum float64
	for _, s := range scores {
		if slices.Contains(selected, s.platform) {
			sum += s.score
		}
	}
	return sum
}

type llmClassifier struct {
	catalog *platform.Catalog
	llm     TextGenerator
}

const classifierSystemInstruction = "You route business questions to the data platforms that can answer them. " +
	"Only choose from the connected platforms listed. Reply with JSON only, no prose."

type llmRouting struct {
	Platforms  []string `json:"platforms"`
	Confidence float64  `json:"confidence"`
}

func (l *llmClassifier) classify(ctx context.Context, in classifyInput) (Classification, error) {
	var b strings.Builder
	b.WriteString("Connected platforms:\n")
	for _, p := range in.Connected {
		spec, ok := l.catalog.Platform(p)
		if !ok {
			continue
		}
		actions := make([]string, 0, len(spec.Actions))
		for _, a := range spec.Actions {
			actions = append(actions, a.Name)
		}
		fmt.Fprintf(&b, "- %s: %s\n", p, strings.Join(actions, ", "))
	}
	fmt.Fprintf(&b, "\nQuestion: %q\n\n", in.Text)
	b.WriteString(`Answer {"platforms": ["<id>", ...], "confidence": <0..1>}. ` +
		`List more than one platform only when the question combines their data. ` +
		`Use an empty list when no platform fits.`)

	reply, err := l.llm.Generate(ctx, classifierSystemInstruction, b.String())
	if err != nil {
		return Classification{}, err
	}
	raw, err := extractJSON(reply)
	if err != nil {
		return Classification{}, err
	}
	var routing llmRouting
	if err := json.Unmarshal([]byte(raw), &routing); err != nil {
		return Classification{}, fmt.Errorf("failed to decode routing reply: %w", err)
	}
	if len(routing.Platforms) == 0 {
		return Classification{}, errors.New("model chose no platform")
	}

	var targets []platform.Platform
	for _, name := range routing.Platforms {
		p, err := platform.Parse(name)
		if err != nil {
			return Classification{}, err
		}
		if !slices.Contains(in.Connected, p) {
			return Classification{}, fmt.Errorf("model chose unconnected platform %s", p)
		}
		if !slices.Contains(targets, p) {
			targets = append(targets, p)
		}
	}
	l.catalog.SortByPriority(targets)

	mode := ModeSingle
	if len(targets) > 1 {
		mode = ModeBulk
	}
	confidence := routing.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	return Classification{Targets: targets, Mode: mode, Confidence: confidence, Source: "llm"}, nil
}

type fallbackClassifier struct {
	primary   classifier
	secondary classifier
	logger    *zap.Logger
}

func (f *fallbackClassifier) classify(ctx context.Context, in classifyInput) (Classification, error) {
	c, err := f.primary.classify(ctx, in)
	if err == nil {
		return c, nil
	}
	f.logger.Warn("model classification failed, using keyword scoring", zap.Error(err))
	fallbacksTotal.WithLabelValues("classifier").Inc()
	return f.secondary.classify(ctx, in)
}

func platformStrings(ps []platform.Platform) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
