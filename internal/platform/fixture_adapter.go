package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FixtureAdapter serves canned records from memory. It applies string, enum, date
// range and amount_gt filters against same-named record fields and paginates by offset.
type FixtureAdapter struct {
	platform Platform
	records  map[string][]Record
	scalars  map[string]any
}

// NewFixtureAdapter creates a fixture adapter. records is keyed by action name;
// scalars holds the value returned by single-value actions.
func NewFixtureAdapter(p Platform, records map[string][]Record, scalars map[string]any) *FixtureAdapter {
	if records == nil {
		records = map[string][]Record{}
	}
	if scalars == nil {
		scalars = map[string]any{}
	}
	return &FixtureAdapter{platform: p, records: records, scalars: scalars}
}

// Execute implements Adapter.
func (a *FixtureAdapter) Execute(ctx context.Context, req Request) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewAdapterError(a.platform, KindTimeout, "context done", err)
	}
	if v, ok := a.scalars[req.Action]; ok {
		return &Page{Scalar: v}, nil
	}
	all, ok := a.records[req.Action]
	if !ok {
		return nil, NewAdapterError(a.platform, KindAdapterError,
			fmt.Sprintf("no fixture for action %s", req.Action), nil)
	}

	matched := make([]Record, 0, len(all))
	for _, r := range all {
		if matches(r, req.Filters) {
			matched = append(matched, r)
		}
	}

	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return nil, NewAdapterError(a.platform, KindAdapterError, "invalid cursor "+req.Cursor, err)
		}
		offset = n
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	size := req.PageSize
	if size <= 0 {
		size = len(matched)
	}
	end := min(offset+size, len(matched))

	page := &Page{Items: matched[offset:end]}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func matches(r Record, filters Filters) bool {
	for name, want := range filters {
		if name == "amount_gt" {
			threshold, ok := want.(float64)
			amount, has := numeric(r["amount"])
			if ok && has && amount <= threshold {
				return false
			}
			continue
		}
		got, present := r[name]
		if !present {
			continue
		}
		if dr, ok := want.(DateRange); ok {
			if t, ok := ParseTimestamp(got); ok && !dr.Contains(t) {
				return false
			}
			continue
		}
		s, ok := want.(string)
		if !ok {
			continue
		}
		if !strings.EqualFold(fmt.Sprint(got), s) {
			return false
		}
	}
	return true
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
