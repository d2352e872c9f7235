package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/utils"
	"go.uber.org/zap"
)

var (
	amountPattern = regexp.MustCompile(`\b(?:over|above|more than|greater than|exceeding|at least|larger than)\s*\$?\s*([\d,]+(?:\.\d+)?k?)\b|>\s*\$?\s*([\d,]+(?:\.\d+)?k?)`)
	countPattern  = regexp.MustCompile(`\b(?:top|first|last|latest|recent)\s+(\d{1,3})\b(\s+(?:day|week|month|year)s?)?`)
	emailPattern  = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
	ownerRepo     = regexp.MustCompile(`\b([A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+)\b`)
	repoAfter     = regexp.MustCompile(`(?i)\b(?:repo|repository)\s+([A-Za-z0-9_.-]+)`)
	repoBefore    = regexp.MustCompile(`(?i)\b([A-Za-z0-9_.-]+)\s+(?:repo|repository)\b`)
)

// Leading words skipped when looking for an imperative write verb.
var fillerWords = map[string]bool{
	"please": true, "can": true, "could": true, "would": true, "you": true, "i": true,
	"we": true, "want": true, "need": true, "to": true, "kindly": true, "go": true,
	"ahead": true, "and": true, "let": true, "u": true, "help": true, "me": true,
}

var notRepoNames = map[string]bool{
	"the": true, "my": true, "our": true, "a": true, "this": true, "that": true,
	"each": true, "every": true, "any": true, "which": true, "what": true, "your": true,
	"of": true, "in": true, "for": true,
}

type planInput struct {
	Text     string
	Platform platform.Platform
	Entity   string
	Now      time.Time
}

type actionPlanner interface {
	plan(ctx context.Context, in planInput) (platform.ActionDescriptor, error)
}

// PlannedTarget is the planning outcome for one classified target.
type PlannedTarget struct {
	Platform   platform.Platform
	Descriptor *platform.ActionDescriptor
	Err        *PlanError
}

type PlannerService struct {
	catalog  *platform.Catalog
	strategy actionPlanner
	now      func() time.Time
	logger   *zap.Logger
}

// NewPlannerService composes the planning strategies. now is the clock relative
// dates resolve against; nil means time.Now.
func NewPlannerService(catalog *platform.Catalog, llm TextGenerator, now func() time.Time, logger *zap.Logger) *PlannerService {
	logger = logger.Named("planner")
	if now == nil {
		now = time.Now
	}
	var strategy actionPlanner = &keywordPlanner{catalog: catalog}
	if llm != nil {
		strategy = &fallbackPlanner{
			primary:   &llmPlanner{catalog: catalog, llm: llm},
			secondary: strategy,
			logger:    logger,
		}
	}
	return &PlannerService{catalog: catalog, strategy: strategy, now: now, logger: logger}
}

// Plan turns the query into one validated descriptor for p. Failures are *PlanError.
func (s *PlannerService) Plan(ctx context.Context, text string, p platform.Platform, entity string) (platform.ActionDescriptor, error) {
	return s.plan(ctx, planInput{Text: text, Platform: p, Entity: entity, Now: s.now()})
}

func (s *PlannerService) plan(ctx context.Context, in planInput) (platform.ActionDescriptor, error) {
	if _, ok := s.catalog.Platform(in.Platform); !ok {
		return platform.ActionDescriptor{}, &PlanError{Platform: in.Platform, Kind: platform.KindUnsupportedAction, Message: "platform is not in the catalog"}
	}
	if verb, ok := s.writeVerb(in.Text); ok {
		return platform.ActionDescriptor{}, &PlanError{
			Platform: in.Platform,
			Kind:     platform.KindUnsupportedAction,
			Message:  fmt.Sprintf("%q is a write operation; only read actions are supported", verb),
		}
	}

	d, err := s.strategy.plan(ctx, in)
	if err != nil {
		var perr *PlanError
		if errors.As(err, &perr) {
			return platform.ActionDescriptor{}, perr
		}
		return platform.ActionDescriptor{}, &PlanError{Platform: in.Platform, Kind: platform.KindUnsupportedAction, Message: err.Error()}
	}
	if err := s.catalog.Validate(&d, in.Now); err != nil {
		var aerr *platform.AdapterError
		if errors.As(err, &aerr) {
			return platform.ActionDescriptor{}, &PlanError{Platform: in.Platform, Kind: aerr.Kind, Message: aerr.Message}
		}
		return platform.ActionDescriptor{}, fmt.Errorf("failed to validate plan: %w", err)
	}
	s.logger.Debug("planned action", zap.Stringer("descriptor", d))
	return d, nil
}

// PlanCorrelated plans every target of a classification. In bulk mode with an
// entity, catalog links turn the dependent descriptor into a seeded one.
func (s *PlannerService) PlanCorrelated(ctx context.Context, text string, c Classification) []PlannedTarget {
	now := s.now()
	out := make([]PlannedTarget, 0, len(c.Targets))
	for _, p := range c.Targets {
		d, err := s.plan(ctx, planInput{Text: text, Platform: p, Entity: c.Entity, Now: now})
		if err != nil {
			var perr *PlanError
			if !errors.As(err, &perr) {
				perr = &PlanError{Platform: p, Kind: platform.KindUnsupportedAction, Message: err.Error()}
			}
			out = append(out, PlannedTarget{Platform: p, Err: perr})
			continue
		}
		out = append(out, PlannedTarget{Platform: p, Descriptor: &d})
	}
	if c.Mode == ModeBulk && c.Entity != "" && !isDatePhrase(c.Entity, now) {
		s.correlate(out, c.Entity)
	}
	return out
}

func (s *PlannerService) correlate(targets []PlannedTarget, entity string) {
	for i := range targets {
		seed := targets[i].Descriptor
		if seed == nil || seed.Seed != nil {
			continue
		}
		for j := range targets {
			dep := targets[j].Descriptor
			if i == j || dep == nil || dep.Seed != nil {
				continue
			}
			link, ok := s.catalog.LinkBetween(seed.Platform, dep.Platform)
			if !ok || link.Seed.Action != seed.Action || link.Dependent.Action != dep.Action {
				continue
			}
			seed.Filters[link.Seed.EntityFilter] = entity
			delete(dep.Filters, link.Dependent.Filter)
			dep.Seed = &platform.SeedRef{
				Platform: seed.Platform,
				Field:    link.Seed.Field,
				Filter:   link.Dependent.Filter,
			}
			s.logger.Debug("correlated targets",
				zap.String("seed", string(seed.Platform)),
				zap.String("dependent", string(dep.Platform)),
				zap.String("field", link.Seed.Field))
		}
	}
}

func (s *PlannerService) writeVerb(text string) (string, bool) {
	for _, tok := range utils.Tokenize(text) {
		if fillerWords[tok] {
			continue
		}
		if slices.Contains(s.catalog.UnsupportedVerbs, tok) {
			return tok, true
		}
		return "", false
	}
	return "", false
}

// keywordPlanner selects actions and filters from the catalog keyword table.
type keywordPlanner struct {
	catalog *platform.Catalog
}

func (k *keywordPlanner) plan(_ context.Context, in planInput) (platform.ActionDescriptor, error) {
	spec, _ := k.catalog.Platform(in.Platform)
	tokens := utils.Tokenize(in.Text)

	var chosen *platform.ActionSpec
	best := 0
	for i := range spec.Actions {
		a := &spec.Actions[i]
		hits := 0
		for _, kw := range a.Keywords {
			if slices.Contains(tokens, utils.Singular(kw)) {
				hits++
			}
		}
		if hits > best {
			best = hits
			chosen = a
		}
	}
	if chosen == nil {
		generic := spec.GenericAction()
		return platform.ActionDescriptor{Platform: in.Platform, Action: generic.Name, Filters: platform.Filters{}}, nil
	}

	filters := platform.Filters{}
	for _, f := range chosen.Filters {
		if v, ok := extractFilter(f, in, tokens); ok {
			filters[f.Name] = v
		}
	}
	return platform.ActionDescriptor{Platform: in.Platform, Action: chosen.Name, Filters: filters}, nil
}

func extractFilter(f platform.FilterSpec, in planInput, tokens []string) (any, bool) {
	switch f.Type {
	case platform.FilterEnum:
		for i := 0; i+1 < len(tokens); i++ {
			if v, ok := f.MatchEnum(tokens[i] + "_" + tokens[i+1]); ok {
				return v, true
			}
		}
		for _, tok := range tokens {
			if v, ok := f.MatchEnum(tok); ok {
				return v, true
			}
		}
	case platform.FilterDateRange:
		if r, _, ok := platform.ResolveRelativeRange(in.Text, in.Now); ok {
			return r, true
		}
	}

	switch f.Extract {
	case "entity":
		if in.Entity != "" && !isDatePhrase(in.Entity, in.Now) {
			return in.Entity, true
		}
	case "email":
		if m := emailPattern.FindString(in.Text); m != "" {
			return m, true
		}
	case "amount":
		if m := amountPattern.FindStringSubmatch(strings.ToLower(in.Text)); m != nil {
			raw := m[1]
			if raw == "" {
				raw = m[2]
			}
			if v, err := platform.ParseAmount(raw); err == nil {
				return v, true
			}
		}
	case "count":
		for _, m := range countPattern.FindAllStringSubmatch(strings.ToLower(in.Text), -1) {
			if m[2] != "" {
				continue // "last 7 days" is a period, not a count
			}
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil && n > 0 {
				return n, true
			}
		}
	case "repo":
		if m := ownerRepo.FindStringSubmatch(in.Text); m != nil {
			return m[1], true
		}
		for _, re := range []*regexp.Regexp{repoAfter, repoBefore} {
			for _, m := range re.FindAllStringSubmatch(in.Text, -1) {
				if !notRepoNames[strings.ToLower(m[1])] {
					return m[1], true
				}
			}
		}
	}
	return nil, false
}

type llmPlanner struct {
	catalog *platform.Catalog
	llm     TextGenerator
}

const plannerSystemInstruction = "You translate business questions into a single read-only API action. " +
	"Use only the actions and filters listed. Never invent actions or filter values. Reply with JSON only."

type llmPlan struct {
	Action  string         `json:"action"`
	Filters map[string]any `json:"filters"`
}

func (l *llmPlanner) plan(ctx context.Context, in planInput) (platform.ActionDescriptor, error) {
	spec, _ := l.catalog.Platform(in.Platform)

	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\nToday: %s\n\nActions:\n", spec.Name, in.Now.Format(time.DateOnly))
	for _, a := range spec.Actions {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Description)
		for _, f := range a.Filters {
			fmt.Fprintf(&b, "    %s (%s", f.Name, f.Type)
			if len(f.Values) > 0 {
				fmt.Fprintf(&b, ": %s", strings.Join(f.Values, "|"))
			}
			if f.Required {
				b.WriteString(", required")
			}
			b.WriteString(")\n")
		}
	}
	if in.Entity != "" {
		fmt.Fprintf(&b, "\nThe question is about %q.\n", in.Entity)
	}
	fmt.Fprintf(&b, "\nQuestion: %q\n\n", in.Text)
	b.WriteString(`Answer {"action": "<name>", "filters": {...}}. ` +
		`Express periods as a phrase such as "last_week" or {"start": "YYYY-MM-DD", "end": "YYYY-MM-DD"}. ` +
		`If no listed action can answer, answer {"action": "unsupported"}.`)

	reply, err := l.llm.Generate(ctx, plannerSystemInstruction, b.String())
	if err != nil {
		return platform.ActionDescriptor{}, err
	}
	raw, err := extractJSON(reply)
	if err != nil {
		return platform.ActionDescriptor{}, err
	}
	var p llmPlan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return platform.ActionDescriptor{}, fmt.Errorf("failed to decode plan reply: %w", err)
	}
	if p.Action == "unsupported" {
		return platform.ActionDescriptor{}, &PlanError{Platform: in.Platform, Kind: platform.KindUnsupportedAction, Message: "no supported action answers this question"}
	}
	action, ok := spec.Action(p.Action)
	if !ok {
		return platform.ActionDescriptor{}, fmt.Errorf("model chose unknown action %q", p.Action)
	}

	filters := platform.Filters{}
	for name, rawValue := range p.Filters {
		f, ok := action.Filter(name)
		if !ok || rawValue == nil {
			continue
		}
		v, err := f.Coerce(rawValue, in.Now)
		if err != nil {
			continue
		}
		filters[name] = v
	}
	return platform.ActionDescriptor{Platform: in.Platform, Action: action.Name, Filters: filters}, nil
}

type fallbackPlanner struct {
	primary   actionPlanner
	secondary actionPlanner
	logger    *zap.Logger
}

func (f *fallbackPlanner) plan(ctx context.Context, in planInput) (platform.ActionDescriptor, error) {
	d, err := f.primary.plan(ctx, in)
	if err == nil {
		return d, nil
	}
	var perr *PlanError
	if errors.As(err, &perr) {
		return d, err
	}
	f.logger.Warn("model planning failed, using keyword planner", zap.String("platform", string(in.Platform)), zap.Error(err))
	fallbacksTotal.WithLabelValues("planner").Inc()
	return f.secondary.plan(ctx, in)
}
