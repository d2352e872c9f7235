package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday.
var fixedNow = time.Date(2024, time.May, 15, 14, 30, 0, 0, time.UTC)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolveRelativeRange(t *testing.T) {
	tests := []struct {
		text   string
		phrase string
		want   DateRange
	}{
		{"invoices from today", "today", DateRange{day(time.May, 15), day(time.May, 16)}},
		{"charges yesterday", "yesterday", DateRange{day(time.May, 14), day(time.May, 15)}},
		{"tickets this week", "this week", DateRange{day(time.May, 13), day(time.May, 20)}},
		{"unpaid invoices from last week", "last week", DateRange{day(time.May, 6), day(time.May, 13)}},
		{"deals this month", "this month", DateRange{day(time.May, 1), day(time.June, 1)}},
		{"payouts last month", "last month", DateRange{day(time.April, 1), day(time.May, 1)}},
		{"revenue last quarter", "last quarter", DateRange{day(time.January, 1), day(time.April, 1)}},
		{"commits in the last 7 days", "last 7 days", DateRange{day(time.May, 9), day(time.May, 16)}},
		{"leads this year", "this year", DateRange{day(time.January, 1), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, phrase, ok := ResolveRelativeRange(tt.text, fixedNow)
			require.True(t, ok)
			assert.Equal(t, tt.phrase, phrase)
			assert.True(t, tt.want.Start.Equal(got.Start), "start %s", got.Start)
			assert.True(t, tt.want.End.Equal(got.End), "end %s", got.End)
		})
	}
}

func TestResolveRelativeRange_IsDeterministic(t *testing.T) {
	a, _, ok := ResolveRelativeRange("invoices last week", fixedNow)
	require.True(t, ok)
	b, _, _ := ResolveRelativeRange("invoices last week", fixedNow)
	assert.Equal(t, a, b)
}

func TestResolveRelativeRange_NoPhrase(t *testing.T) {
	_, _, ok := ResolveRelativeRange("weekly todays list", fixedNow)
	assert.False(t, ok)
}

func TestDateRangeContains(t *testing.T) {
	r := DateRange{day(time.May, 6), day(time.May, 13)}
	assert.True(t, r.Contains(day(time.May, 6)))
	assert.True(t, r.Contains(day(time.May, 12).Add(23*time.Hour)))
	assert.False(t, r.Contains(day(time.May, 13)))
}

func TestCoerce(t *testing.T) {
	status := FilterSpec{
		Name:     "status",
		Type:     FilterEnum,
		Values:   []string{"draft", "open", "paid"},
		Synonyms: map[string][]string{"open": {"unpaid", "overdue"}},
	}

	v, err := status.Coerce("Unpaid", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "open", v)

	_, err = status.Coerce("refunded", fixedNow)
	assert.Error(t, err)

	amount := FilterSpec{Name: "amount_gt", Type: FilterNumber}
	v, err = amount.Coerce("$1,500", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, v)

	limit := FilterSpec{Name: "limit", Type: FilterInt}
	v, err = limit.Coerce(float64(10), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	created := FilterSpec{Name: "created", Type: FilterDateRange}
	v, err = created.Coerce("last_week", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, DateRange{day(time.May, 6), day(time.May, 13)}, v)

	v, err = created.Coerce(map[string]any{"start": "2024-05-01", "end": "2024-05-10"}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, DateRange{day(time.May, 1), day(time.May, 10)}, v)

	_, err = created.Coerce(map[string]any{"start": "2024-05-10", "end": "2024-05-01"}, fixedNow)
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	for in, want := range map[string]float64{"500": 500, "$1,200": 1200, "5k": 5000, "99.5": 99.5} {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseAmount("lots")
	assert.Error(t, err)
}
