package platform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FilterType is the declared type of an action filter.
type FilterType string

const (
	FilterString    FilterType = "string"
	FilterEnum      FilterType = "enum"
	FilterInt       FilterType = "int"
	FilterNumber    FilterType = "number"
	FilterBool      FilterType = "bool"
	FilterDateRange FilterType = "date_range"
)

// Filters holds canonical filter values keyed by filter name. Values are one of
// string, int64, float64, bool or DateRange.
type Filters map[string]any

// Clone returns a shallow copy.
func (f Filters) Clone() Filters {
	out := make(Filters, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DateRange is a half-open interval [Start, End).
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r DateRange) String() string {
	return r.Start.Format(time.DateOnly) + ".." + r.End.Format(time.DateOnly)
}

var lastNDays = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d{1,3})\s+(day|week|month)s?\b`)

// relativePhrases is checked in order; the first phrase present wins.
var relativePhrases = []string{
	"this quarter", "last quarter",
	"this month", "last month",
	"this week", "last week",
	"this year", "last year",
	"yesterday", "today",
}

// ResolveRelativeRange finds the first relative date phrase in text and resolves it
// against now. Weeks start on Monday; all boundaries are midnight in now's location.
// The matched phrase is returned so callers can explain the interpretation.
func ResolveRelativeRange(text string, now time.Time) (DateRange, string, bool) {
	lower := strings.ToLower(text)
	today := startOfDay(now)

	if m := lastNDays.FindStringSubmatchIndex(lower); m != nil {
		n, _ := strconv.Atoi(lower[m[2]:m[3]])
		if n > 0 {
			unit := lower[m[4]:m[5]]
			end := today.AddDate(0, 0, 1)
			var start time.Time
			switch unit {
			case "day":
				start = today.AddDate(0, 0, -(n - 1))
			case "week":
				start = end.AddDate(0, 0, -7*n)
			case "month":
				start = end.AddDate(0, -n, 0)
			}
			return DateRange{Start: start, End: end}, lower[m[0]:m[1]], true
		}
	}

	for _, phrase := range relativePhrases {
		if !containsWord(lower, phrase) {
			continue
		}
		r, ok := resolvePhrase(phrase, now)
		if ok {
			return r, phrase, true
		}
	}
	return DateRange{}, "", false
}

func resolvePhrase(phrase string, now time.Time) (DateRange, bool) {
	today := startOfDay(now)
	switch phrase {
	case "today":
		return DateRange{Start: today, End: today.AddDate(0, 0, 1)}, true
	case "yesterday":
		return DateRange{Start: today.AddDate(0, 0, -1), End: today}, true
	case "this week":
		start := startOfWeek(today)
		return DateRange{Start: start, End: start.AddDate(0, 0, 7)}, true
	case "last week":
		start := startOfWeek(today).AddDate(0, 0, -7)
		return DateRange{Start: start, End: start.AddDate(0, 0, 7)}, true
	case "this month":
		start := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return DateRange{Start: start, End: start.AddDate(0, 1, 0)}, true
	case "last month":
		end := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return DateRange{Start: end.AddDate(0, -1, 0), End: end}, true
	case "this quarter", "last quarter":
		q := (int(today.Month()) - 1) / 3
		start := time.Date(today.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, today.Location())
		if phrase == "last quarter" {
			start = start.AddDate(0, -3, 0)
		}
		return DateRange{Start: start, End: start.AddDate(0, 3, 0)}, true
	case "this year":
		start := time.Date(today.Year(), 1, 1, 0, 0, 0, 0, today.Location())
		return DateRange{Start: start, End: start.AddDate(1, 0, 0)}, true
	case "last year":
		start := time.Date(today.Year()-1, 1, 1, 0, 0, 0, 0, today.Location())
		return DateRange{Start: start, End: start.AddDate(1, 0, 0)}, true
	}
	return DateRange{}, false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfWeek(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func containsWord(lower, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		if (start == 0 || !isWordByte(lower[start-1])) && (end == len(lower) || !isWordByte(lower[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// Coerce converts a raw value (typically decoded from LLM JSON) to the canonical Go
// representation for the filter type. Enum values are matched against declared values
// and synonyms; an unknown enum value is an error so callers can drop it.
func (s FilterSpec) Coerce(raw any, now time.Time) (any, error) {
	switch s.Type {
	case FilterString:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("filter %s: expected string, got %T", s.Name, raw)
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return nil, fmt.Errorf("filter %s: empty string", s.Name)
		}
		return str, nil
	case FilterEnum:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("filter %s: expected enum string, got %T", s.Name, raw)
		}
		if v, ok := s.MatchEnum(str); ok {
			return v, nil
		}
		return nil, fmt.Errorf("filter %s: %q is not one of %v", s.Name, str, s.Values)
	case FilterInt:
		switch v := raw.(type) {
		case float64:
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case json.Number:
			return v.Int64()
		case string:
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
		return nil, fmt.Errorf("filter %s: expected integer, got %T", s.Name, raw)
	case FilterNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			return ParseAmount(v)
		}
		return nil, fmt.Errorf("filter %s: expected number, got %T", s.Name, raw)
	case FilterBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}
		return nil, fmt.Errorf("filter %s: expected bool, got %T", s.Name, raw)
	case FilterDateRange:
		return coerceDateRange(s.Name, raw, now)
	}
	return nil, fmt.Errorf("filter %s: unknown type %q", s.Name, s.Type)
}

// MatchEnum resolves a value or synonym to its declared enum value.
func (s FilterSpec) MatchEnum(value string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, declared := range s.Values {
		if v == strings.ToLower(declared) {
			return declared, true
		}
	}
	for _, declared := range s.Values {
		for _, syn := range s.Synonyms[declared] {
			if v == strings.ToLower(syn) {
				return declared, true
			}
		}
	}
	return "", false
}

func coerceDateRange(name string, raw any, now time.Time) (any, error) {
	switch v := raw.(type) {
	case DateRange:
		return v, nil
	case string:
		phrase := strings.ReplaceAll(v, "_", " ")
		if r, _, ok := ResolveRelativeRange(phrase, now); ok {
			return r, nil
		}
		return nil, fmt.Errorf("filter %s: unrecognised period %q", name, v)
	case map[string]any:
		start, err := parseBound(v["start"], now.Location())
		if err != nil {
			return nil, fmt.Errorf("filter %s: start: %w", name, err)
		}
		end, err := parseBound(v["end"], now.Location())
		if err != nil {
			return nil, fmt.Errorf("filter %s: end: %w", name, err)
		}
		if !start.Before(end) {
			return nil, fmt.Errorf("filter %s: empty range", name)
		}
		return DateRange{Start: start, End: end}, nil
	}
	return nil, fmt.Errorf("filter %s: expected period, got %T", name, raw)
}

func parseBound(raw any, loc *time.Location) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected date string, got %T", raw)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, s, loc)
}

// ParseTimestamp reads a record timestamp: RFC 3339, date-only or
// "2006-01-02 15:04:05" strings, or unix seconds as adapters like Stripe report them.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, time.DateOnly, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	case float64:
		if t > 1e9 {
			return time.Unix(int64(t), 0).UTC(), true
		}
	case int64:
		if t > 1e9 {
			return time.Unix(t, 0).UTC(), true
		}
	case int:
		if t > 1e9 {
			return time.Unix(int64(t), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseAmount parses "$1,200", "5k" or "99.5" into a float.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "$")
	mult := 1.0
	if strings.HasSuffix(s, "k") {
		mult = 1000
		s = strings.TrimSuffix(s, "k")
	}
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return f * mult, nil
}
