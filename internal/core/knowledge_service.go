package core

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"datadesk.io/query-orchestrator/internal/utils"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultKnowledgeYAML []byte

// MaxFallbackSuggestions caps the "try one of" list.
const MaxFallbackSuggestions = 3

type KnowledgeEntry struct {
	ID       string   `yaml:"id"`
	Topic    string   `yaml:"topic"`
	Platform string   `yaml:"platform"`
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
}

// KnowledgeBase is an immutable, versioned table of canned answers.
type KnowledgeBase struct {
	version     string
	entries     []KnowledgeEntry
	suggestions []string
}

type knowledgeDocument struct {
	Version     string           `yaml:"version"`
	Suggestions []string         `yaml:"suggestions"`
	Entries     []KnowledgeEntry `yaml:"entries"`
}

// DefaultKnowledgeBase parses the embedded knowledge catalog.
func DefaultKnowledgeBase() (*KnowledgeBase, error) {
	return ParseKnowledgeBase(defaultKnowledgeYAML)
}

func ParseKnowledgeBase(data []byte) (*KnowledgeBase, error) {
	var doc knowledgeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge base: %w", err)
	}
	if doc.Version == "" {
		return nil, errors.New("knowledge base has no version")
	}
	seen := map[string]bool{}
	for _, e := range doc.Entries {
		if e.ID == "" || strings.TrimSpace(e.Answer) == "" || len(e.Keywords) == 0 {
			return nil, fmt.Errorf("knowledge entry %q needs an id, keywords and an answer", e.ID)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("knowledge entry %q declared twice", e.ID)
		}
		seen[e.ID] = true
	}
	return &KnowledgeBase{
		version:     doc.Version,
		entries:     doc.Entries,
		suggestions: doc.Suggestions,
	}, nil
}

func (kb *KnowledgeBase) Version() string {
	return kb.version
}

// Len is the number of entries.
func (kb *KnowledgeBase) Len() int {
	return len(kb.entries)
}

// Match scores every entry by keyword overlap with text; a multi-word keyword
// counts once per word. The highest score wins and ties go to the earlier entry.
func (kb *KnowledgeBase) Match(text string) (KnowledgeEntry, bool) {
	normalized := utils.Normalize(text)
	bestScore := 0
	bestIdx := -1
	for i, e := range kb.entries {
		score := 0
		for _, kw := range e.Keywords {
			if utils.ContainsPhrase(normalized, kw) {
				score += len(strings.Fields(kw))
			}
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return KnowledgeEntry{}, false
	}
	return kb.entries[bestIdx], true
}

// Suggestions returns up to limit example queries.
func (kb *KnowledgeBase) Suggestions(limit int) []string {
	if limit <= 0 || limit > len(kb.suggestions) {
		limit = len(kb.suggestions)
	}
	out := make([]string, limit)
	copy(out, kb.suggestions[:limit])
	return out
}

// KnowledgeService answers questions from the knowledge base without any model call.
type KnowledgeService struct {
	kb     *KnowledgeBase
	logger *zap.Logger
}

func NewKnowledgeService(kb *KnowledgeBase, logger *zap.Logger) *KnowledgeService {
	logger = logger.Named("knowledge")
	logger.Info("knowledge base loaded", zap.String("version", kb.Version()), zap.Int("entries", kb.Len()))
	return &KnowledgeService{kb: kb, logger: logger}
}

// Answer returns the best canned answer, or a short "try one of" message. The
// boolean reports whether an entry matched.
func (s *KnowledgeService) Answer(text string) (string, bool) {
	if e, ok := s.kb.Match(text); ok {
		s.logger.Debug("knowledge match", zap.String("entry", e.ID))
		return strings.TrimSpace(e.Answer), true
	}
	var b strings.Builder
	b.WriteString("I couldn't tell which connected service this question is about.")
	if examples := s.kb.Suggestions(MaxFallbackSuggestions); len(examples) > 0 {
		b.WriteString(" Try one of: ")
		for i, ex := range examples {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%q", ex)
		}
		b.WriteString(".")
	}
	return b.String(), false
}

// Examples exposes the catalog's example queries; the suggestion engine offers them
// after its built-in patterns.
func (s *KnowledgeService) Examples() []string {
	return s.kb.Suggestions(0)
}
