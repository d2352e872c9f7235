package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"datadesk.io/query-orchestrator/internal/platform"
	"go.uber.org/zap"
)

// DefaultMaxDataChars bounds the serialized result set sent to the model.
const DefaultMaxDataChars = 6000

const summarySystemInstruction = "You summarize business data for the person who asked about it. " +
	"Use only the data provided. Do not invent records, totals or trends that are not in the data. " +
	"If a platform failed, say its data is unavailable. Keep the answer to a short paragraph."

type summaryInput struct {
	Query Query
	Agg   AggregateResult
}

type narrator interface {
	narrate(ctx context.Context, in summaryInput) (string, error)
}

type SummaryService struct {
	knowledge *KnowledgeService
	model     narrator
	logger    *zap.Logger
}

// NewSummaryService wires the model narrator when llm is non-nil. The knowledge
// service is consulted for questions that no fetched data can answer.
func NewSummaryService(knowledge *KnowledgeService, llm TextGenerator, maxDataChars int, logger *zap.Logger) *SummaryService {
	if maxDataChars <= 0 {
		maxDataChars = DefaultMaxDataChars
	}
	s := &SummaryService{knowledge: knowledge, logger: logger.Named("summary")}
	if llm != nil {
		s.model = &llmNarrator{llm: llm, maxDataChars: maxDataChars}
	}
	return s
}

// Summarize produces the narrative for a run. It never fails: when the model is
// unavailable or errors it falls back to the knowledge base or a data narrative.
func (s *SummaryService) Summarize(ctx context.Context, q Query, agg AggregateResult, c Classification) Summary {
	if c.Knowledge || len(c.Targets) == 0 || len(agg.Results) == 0 {
		text, _ := s.knowledge.Answer(q.Text)
		return Summary{Text: withFailureNotes(text, agg), UsedFallback: true}
	}

	if s.model == nil {
		fallbacksTotal.WithLabelValues("summarizer").Inc()
		if len(agg.Successful()) == 0 {
			text, matched := s.knowledge.Answer(q.Text)
			if !matched {
				text = ""
			}
			return Summary{Text: withFailureNotes(text, agg), UsedFallback: true}
		}
		return Summary{Text: withFailureNotes(dataNarrative(agg), agg), UsedFallback: true}
	}

	text, err := s.model.narrate(ctx, summaryInput{Query: q, Agg: agg})
	if err != nil {
		s.logger.Warn("model summary failed, using data narrative", zap.Error(err))
		fallbacksTotal.WithLabelValues("summarizer").Inc()
		return Summary{Text: withFailureNotes(dataNarrative(agg), agg), UsedFallback: true}
	}
	return Summary{Text: withFailureNotes(strings.TrimSpace(text), agg)}
}

// withFailureNotes appends "<Platform> data unavailable: <reason>." for every failed
// result the text does not already mention.
func withFailureNotes(text string, agg AggregateResult) string {
	var notes []string
	for _, r := range agg.Failed() {
		note := fmt.Sprintf("%s data unavailable: %s.", r.Platform.Title(), failureReason(r))
		if !strings.Contains(text, strings.TrimSuffix(note, ".")) {
			notes = append(notes, note)
		}
	}
	if len(notes) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(notes, " ")
	}
	return text + "\n\n" + strings.Join(notes, " ")
}

func failureReason(r FetchResult) string {
	if r.Error == nil {
		return platform.KindAdapterError.Describe()
	}
	switch r.Error.Kind {
	case platform.KindUnsupportedAction, platform.KindMissingRequiredFilter, platform.KindAdapterError:
		if r.Error.Message != "" {
			return r.Error.Message
		}
	}
	return r.Error.Kind.Describe()
}

// dataNarrative describes each successful result by count, total amount and
// status breakdown without any model call.
func dataNarrative(agg AggregateResult) string {
	var parts []string
	for _, r := range agg.Successful() {
		parts = append(parts, describeResult(r))
	}
	return strings.Join(parts, " ")
}

func describeResult(r FetchResult) string {
	noun := strings.ToLower(kindTitle(r.Kind))
	where := r.Platform.Title()

	if len(r.Items) == 1 {
		if v, ok := r.Items[0]["value"]; ok && len(r.Items[0]) == 1 {
			return fmt.Sprintf("%s %s: %s.", where, strings.ToLower(humanize(r.Kind)), formatValue(v))
		}
	}
	if len(r.Items) == 0 {
		return fmt.Sprintf("No %s matched on %s.", noun, where)
	}

	var b strings.Builder
	if len(r.Items) == 1 {
		fmt.Fprintf(&b, "Found 1 %s on %s", strings.ToLower(humanize(r.Kind)), where)
	} else {
		fmt.Fprintf(&b, "Found %d %s on %s", len(r.Items), noun, where)
	}
	if total, currency, ok := totalAmount(r.Items); ok {
		fmt.Fprintf(&b, " totaling %s", formatMoney(total))
		if currency != "" {
			b.WriteString(" " + currency)
		}
	}
	if breakdown := statusBreakdown(r.Items); breakdown != "" {
		fmt.Fprintf(&b, " (%s)", breakdown)
	}
	b.WriteString(".")
	if r.Truncated {
		fmt.Fprintf(&b, " Only the first %d are included.", len(r.Items))
	}
	return b.String()
}

func totalAmount(items []platform.Record) (float64, string, bool) {
	key := findField(items, numericFields[:3], func(v any) bool { _, ok := toFloat(v); return ok })
	if key == "" {
		return 0, "", false
	}
	var total float64
	for _, item := range items {
		v, _ := toFloat(item[key])
		total += v
	}
	currency := ""
	if ck := findField(items, []string{"currency"}, func(v any) bool { _, ok := v.(string); return ok }); ck != "" {
		currency = strings.ToUpper(items[0][ck].(string))
		for _, item := range items[1:] {
			if !strings.EqualFold(item[ck].(string), currency) {
				currency = ""
				break
			}
		}
	}
	return total, currency, true
}

func statusBreakdown(items []platform.Record) string {
	key := findField(items, categoryFields[:5], func(v any) bool { return categoryLabel(v) != "" })
	if key == "" {
		return ""
	}
	var order []string
	counts := map[string]int{}
	for _, item := range items {
		label := categoryLabel(item[key])
		if _, seen := counts[label]; !seen {
			order = append(order, label)
		}
		counts[label]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	parts := make([]string, len(order))
	for i, label := range order {
		parts[i] = fmt.Sprintf("%d %s", counts[label], strings.ReplaceAll(label, "_", " "))
	}
	return strings.Join(parts, ", ")
}

func formatMoney(v float64) string {
	neg := v < 0
	cents := int64(math.Round(math.Abs(v) * 100))
	whole := strconv.FormatInt(cents/100, 10)
	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := fmt.Sprintf("%s.%02d", b.String(), cents%100)
	if neg {
		return "-" + out
	}
	return out
}

func formatValue(v any) string {
	if f, ok := toFloat(v); ok {
		return formatMoney(f)
	}
	return fmt.Sprint(v)
}

type llmNarrator struct {
	llm          TextGenerator
	maxDataChars int
}

func (n *llmNarrator) narrate(ctx context.Context, in summaryInput) (string, error) {
	data, err := json.Marshal(in.Agg.Results)
	if err != nil {
		return "", fmt.Errorf("failed to serialize results: %w", err)
	}
	payload := string(data)
	if len(payload) > n.maxDataChars {
		payload = payload[:n.maxDataChars] + "... [truncated]"
	}

	prompt := fmt.Sprintf("Question: %q\n\n--- DATA START ---\n%s\n--- DATA END ---\n\n"+
		"Summarize what the data says about the question. Mention counts and totals where relevant.",
		in.Query.Text, payload)
	reply, err := n.llm.Generate(ctx, summarySystemInstruction, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return reply, nil
}
