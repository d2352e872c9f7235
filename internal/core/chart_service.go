package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
)

const (
	minTimeBuckets    = 3
	maxDoughnutSlices = 12
	maxBarItems       = 10
)

var chartPalette = []string{
	"#6366f1", "#8b5cf6", "#ec4899", "#f43f5e", "#f97316",
	"#eab308", "#22c55e", "#06b6d4", "#3b82f6",
}

// Field names checked, case-insensitively and in order, for each chart role.
var (
	timeFields     = []string{"created", "created_at", "date", "closing_date", "close_date", "due_date", "arrival_date", "updated_at", "timestamp"}
	numericFields  = []string{"amount", "total", "grand_total", "value", "revenue", "annual_revenue", "stars", "count"}
	categoryFields = []string{"stage", "deal_stage", "status", "state", "priority", "type", "category", "language"}
	labelFields    = []string{"deal_name", "full_name", "name", "title", "subject"}
)

// ChartService decides whether a result set is worth visualizing.
type ChartService struct{}

func NewChartService() *ChartService {
	return &ChartService{}
}

// Analyze returns a chart for a single successful result with at least two items
// and a chartable dimension, or nil. Rules are tried in order: time series (line),
// categorical breakdown (doughnut, or bar beyond twelve categories), per-item comparison (bar).
func (s *ChartService) Analyze(agg AggregateResult) *ChartSpec {
	ok := agg.Successful()
	if len(ok) != 1 || len(ok[0].Items) < 2 {
		return nil
	}
	res := ok[0]
	title := kindTitle(res.Kind)

	if spec := timeSeries(res.Items, title); spec != nil {
		return spec
	}
	if spec := breakdown(res.Items, title); spec != nil {
		return spec
	}
	return comparison(res.Items, title)
}

func timeSeries(items []platform.Record, title string) *ChartSpec {
	tf := findField(items, timeFields, func(v any) bool { _, ok := platform.ParseTimestamp(v); return ok })
	nf := findField(items, numericFields, func(v any) bool { _, ok := toFloat(v); return ok })
	if tf == "" || nf == "" {
		return nil
	}

	sums := map[string]float64{}
	for _, item := range items {
		t, ok := platform.ParseTimestamp(item[tf])
		if !ok {
			continue
		}
		v, _ := toFloat(item[nf])
		sums[t.UTC().Format(time.DateOnly)] += v
	}
	if len(sums) < minTimeBuckets {
		return nil
	}

	labels := make([]string, 0, len(sums))
	for day := range sums {
		labels = append(labels, day)
	}
	sort.Strings(labels)
	values := make([]float64, len(labels))
	for i, day := range labels {
		values[i] = sums[day]
	}
	return &ChartSpec{
		Type:   ChartLine,
		Title:  fmt.Sprintf("%s %s over time", title, humanize(nf)),
		Labels: labels,
		Datasets: []Dataset{{
			Label:  humanize(nf),
			Values: values,
			Colors: []string{chartPalette[0]},
		}},
	}
}

func breakdown(items []platform.Record, title string) *ChartSpec {
	cf := findField(items, categoryFields, func(v any) bool { return categoryLabel(v) != "" })
	if cf == "" {
		return nil
	}

	var labels []string
	counts := map[string]float64{}
	for _, item := range items {
		label := categoryLabel(item[cf])
		if _, seen := counts[label]; !seen {
			labels = append(labels, label)
		}
		counts[label]++
	}
	// a single category, or one category per item, is not a breakdown
	if len(labels) < 2 || len(labels) == len(items) {
		return nil
	}

	values := make([]float64, len(labels))
	for i, l := range labels {
		values[i] = counts[l]
	}
	chartType := ChartDoughnut
	if len(labels) > maxDoughnutSlices {
		chartType = ChartBar
	}
	return &ChartSpec{
		Type:   chartType,
		Title:  fmt.Sprintf("%s by %s", title, humanize(cf)),
		Labels: labels,
		Datasets: []Dataset{{
			Label:  "Count",
			Values: values,
			Colors: paletteFor(len(labels)),
		}},
	}
}

func comparison(items []platform.Record, title string) *ChartSpec {
	lf := findField(items, labelFields, func(v any) bool { _, ok := v.(string); return ok })
	nf := findField(items, numericFields, func(v any) bool { _, ok := toFloat(v); return ok })
	if lf == "" || nf == "" {
		return nil
	}

	seen := map[string]bool{}
	var labels []string
	var values []float64
	for _, item := range items {
		label, _ := item[lf].(string)
		v, ok := toFloat(item[nf])
		if label == "" || !ok {
			continue
		}
		if seen[label] {
			return nil // labels must identify items
		}
		seen[label] = true
		labels = append(labels, label)
		values = append(values, v)
		if len(labels) == maxBarItems {
			break
		}
	}
	if len(labels) < 2 {
		return nil
	}
	return &ChartSpec{
		Type:   ChartBar,
		Title:  fmt.Sprintf("%s %s", title, humanize(nf)),
		Labels: labels,
		Datasets: []Dataset{{
			Label:  humanize(nf),
			Values: values,
			Colors: paletteFor(len(labels)),
		}},
	}
}

// findField returns the first candidate present in every item with an accepted value.
func findField(items []platform.Record, candidates []string, accept func(any) bool) string {
	for _, c := range candidates {
		key := matchKey(items[0], c)
		if key == "" {
			continue
		}
		all := true
		for _, item := range items {
			v, ok := item[key]
			if !ok || !accept(v) {
				all = false
				break
			}
		}
		if all {
			return key
		}
	}
	return ""
}

func matchKey(item platform.Record, name string) string {
	if _, ok := item[name]; ok {
		return name
	}
	for k := range item {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return ""
}

func categoryLabel(v any) string {
	switch c := v.(type) {
	case string:
		return strings.TrimSpace(c)
	case map[string]any:
		if name, ok := c["name"].(string); ok {
			return name
		}
		if value, ok := c["value"].(string); ok {
			return value
		}
	case bool:
		return strconv.FormatBool(c)
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func paletteFor(n int) []string {
	colors := make([]string, n)
	for i := range colors {
		colors[i] = chartPalette[i%len(chartPalette)]
	}
	return colors
}

func humanize(field string) string {
	words := strings.Fields(strings.ReplaceAll(strings.ToLower(field), "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func kindTitle(kind string) string {
	if kind == "" {
		return "Items"
	}
	name := humanize(kind)
	switch {
	case strings.HasSuffix(name, "y") && !strings.HasSuffix(name, "ay") && !strings.HasSuffix(name, "ey"):
		return name[:len(name)-1] + "ies"
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "ch"), strings.HasSuffix(name, "sh"), strings.HasSuffix(name, "x"):
		return name + "es"
	}
	return name + "s"
}
