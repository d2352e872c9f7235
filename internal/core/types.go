package core

import (
	"errors"
	"fmt"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
)

var (
	// ErrAmbiguousIntent means no connected platform matched the query.
	ErrAmbiguousIntent = errors.New("could not determine which platform the query is about")
	// ErrLLMUnavailable is returned by stages whose model is not configured.
	ErrLLMUnavailable = errors.New("language model unavailable")
)

// Query is one user question. It is immutable once issued.
type Query struct {
	Text             string
	ExplicitPlatform platform.Platform
	UserID           string
	IssuedAt         time.Time
}

type Mode string

const (
	ModeSingle Mode = "single"
	ModeBulk   Mode = "bulk"
)

// Classification is the routing decision for a query.
type Classification struct {
	Targets    []platform.Platform `json:"targets"`
	Mode       Mode                `json:"mode"`
	Confidence float64             `json:"confidence"`
	// Entity is a proper noun the question is scoped to ("Acme Corp").
	Entity string `json:"entity,omitempty"`
	// Knowledge marks how-to questions answered from the knowledge catalog.
	Knowledge bool   `json:"knowledge,omitempty"`
	Source    string `json:"source"`
}

// PlanError is a planning failure attached to the target it concerns.
type PlanError struct {
	Platform platform.Platform
	Kind     platform.ErrorKind
	Message  string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Platform, e.Kind, e.Message)
}

// FetchError is the serialisable failure on a FetchResult.
type FetchError struct {
	Kind    platform.ErrorKind `json:"kind"`
	Message string             `json:"message"`
}

// FetchResult is the outcome of one dispatched descriptor.
type FetchResult struct {
	Platform  platform.Platform `json:"platform"`
	Action    string            `json:"action"`
	Kind      string            `json:"kind"`
	Success   bool              `json:"success"`
	Items     []platform.Record `json:"items"`
	Error     *FetchError       `json:"error,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
}

func failedResult(p platform.Platform, action string, kind platform.ErrorKind, msg string) FetchResult {
	return FetchResult{
		Platform: p,
		Action:   action,
		Items:    []platform.Record{},
		Error:    &FetchError{Kind: kind, Message: msg},
	}
}

// AggregateResult holds the fetch results in target priority order.
type AggregateResult struct {
	Results []FetchResult `json:"results"`
}

// Successful returns the results that succeeded.
func (a AggregateResult) Successful() []FetchResult {
	var out []FetchResult
	for _, r := range a.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the results that failed.
func (a AggregateResult) Failed() []FetchResult {
	var out []FetchResult
	for _, r := range a.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// ItemCount is the total number of items across successful results.
func (a AggregateResult) ItemCount() int {
	n := 0
	for _, r := range a.Results {
		if r.Success {
			n += len(r.Items)
		}
	}
	return n
}

type ChartType string

const (
	ChartBar      ChartType = "bar"
	ChartLine     ChartType = "line"
	ChartPie      ChartType = "pie"
	ChartDoughnut ChartType = "doughnut"
	ChartScatter  ChartType = "scatter"
)

// ChartSpec is a renderer-agnostic chart description.
type ChartSpec struct {
	Type     ChartType `json:"type"`
	Title    string    `json:"title"`
	Labels   []string  `json:"labels"`
	Datasets []Dataset `json:"datasets"`
}

type Dataset struct {
	Label  string    `json:"label"`
	Values []float64 `json:"data"`
	Colors []string  `json:"backgroundColor"`
}

// Summary is the narrative for a pipeline run.
type Summary struct {
	Text         string
	UsedFallback bool
}
