package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultHistoryCap is the number of history entries kept per user.
	DefaultHistoryCap = 200
	streamBuffer      = 16
)

// Stages are the services a pipeline run goes through, in order.
type Stages struct {
	Intent  *IntentService
	Planner *PlannerService
	Fetch   *FetchService
	Chart   *ChartService
	Summary *SummaryService
}

type PipelineService struct {
	stages     Stages
	conns      platform.ConnectionSource
	history    HistoryStore
	historyCap int
	logger     *zap.Logger
}

func NewPipelineService(stages Stages, conns platform.ConnectionSource, history HistoryStore, historyCap int, logger *zap.Logger) *PipelineService {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &PipelineService{
		stages:     stages,
		conns:      conns,
		history:    history,
		historyCap: historyCap,
		logger:     logger.Named("pipeline"),
	}
}

// Run starts the pipeline for q and returns its event stream. The channel carries
// one log event per completed stage and exactly one result event, then closes.
// The caller must drain it; the run does not stop when ctx is cancelled.
func (s *PipelineService) Run(ctx context.Context, q Query) <-chan StreamEvent {
	if q.IssuedAt.IsZero() {
		q.IssuedAt = time.Now()
	}
	ch := make(chan StreamEvent, streamBuffer)
	go func() {
		defer close(ch)
		s.run(ctx, q, &emitter{out: ch, logger: s.logger})
	}()
	return ch
}

// Answer runs the pipeline to completion and returns the terminal payload.
func (s *PipelineService) Answer(ctx context.Context, q Query) ResultPayload {
	var payload ResultPayload
	for ev := range s.Run(ctx, q) {
		if ev.Type == EventResult && ev.Payload != nil {
			payload = *ev.Payload
		}
	}
	return payload
}

func (s *PipelineService) run(ctx context.Context, q Query, em *emitter) {
	start := time.Now()
	mode := ModeSingle
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pipeline run panicked",
				zap.String("user", q.UserID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			em.fail(fmt.Sprintf("internal error: %v", r))
		}
		pipelineRunsTotal.WithLabelValues(string(mode), string(em.stage)).Inc()
		pipelineDuration.WithLabelValues(string(mode)).Observe(float64(time.Since(start).Milliseconds()))
	}()

	em.advance(StagePlanning)
	conns, err := s.conns.Connections(ctx, q.UserID)
	if err != nil {
		s.logger.Warn("failed to resolve connections", zap.String("user", q.UserID), zap.Error(err))
		conns = platform.Connections{}
	}
	c, err := s.stages.Intent.Classify(ctx, q.UserID, q.Text, q.ExplicitPlatform, conns.Platforms())
	if err != nil && !errors.Is(err, ErrAmbiguousIntent) {
		s.logger.Warn("classification failed", zap.Error(err))
	}
	if err != nil {
		c.Targets = nil
	}
	if c.Mode != "" {
		mode = c.Mode
	}

	var planned []PlannedTarget
	switch {
	case c.Knowledge:
		em.log(AgentPlanner, StatusInfo, "This looks like a how-to question; answering from the knowledge base")
	case len(c.Targets) == 0:
		em.log(AgentPlanner, StatusInfo, "Could not match the question to a connected platform")
	default:
		planned = s.stages.Planner.PlanCorrelated(ctx, q.Text, c)
		em.log(AgentPlanner, planStatus(planned), describePlan(planned))
	}

	em.advance(StageFetching)
	agg := s.dispatch(ctx, planned, conns)
	em.log(AgentFetcher, fetchStatus(agg), describeFetch(agg))

	em.advance(StageAnalyzing)
	chart := s.stages.Chart.Analyze(agg)
	if chart != nil {
		em.log(AgentAnalyst, StatusSuccess, fmt.Sprintf("Prepared a %s chart: %s", chart.Type, chart.Title))
	} else {
		em.log(AgentAnalyst, StatusInfo, "No chart for this result")
	}

	em.advance(StageSummarizing)
	summary := s.stages.Summary.Summarize(ctx, q, agg, c)
	if summary.UsedFallback {
		em.log(AgentSummarizer, StatusInfo, "Summary written without the language model")
	} else {
		em.log(AgentSummarizer, StatusSuccess, "Summary ready")
	}

	em.advance(StageDone)
	s.recordHistory(ctx, q, c, agg)
	em.result(buildPayload(c, agg, chart, summary))
}

// dispatch fetches every planned descriptor and folds planning failures into the
// aggregate at their target's position.
func (s *PipelineService) dispatch(ctx context.Context, planned []PlannedTarget, conns platform.Connections) AggregateResult {
	var descriptors []platform.ActionDescriptor
	for _, t := range planned {
		if t.Descriptor != nil {
			descriptors = append(descriptors, *t.Descriptor)
		}
	}
	var fetched AggregateResult
	if len(descriptors) > 0 {
		fetched = s.stages.Fetch.Execute(ctx, descriptors, conns)
	}

	results := make([]FetchResult, 0, len(planned))
	next := 0
	for _, t := range planned {
		if t.Err != nil {
			results = append(results, failedResult(t.Platform, "", t.Err.Kind, t.Err.Message))
			continue
		}
		results = append(results, fetched.Results[next])
		next++
	}
	return AggregateResult{Results: results}
}

func (s *PipelineService) recordHistory(ctx context.Context, q Query, c Classification, agg AggregateResult) {
	if s.history == nil || q.UserID == "" {
		return
	}
	entry := &store.QueryHistoryEntry{
		UserID:    q.UserID,
		QueryText: q.Text,
		Succeeded: c.Knowledge || len(agg.Successful()) > 0,
		Timestamp: q.IssuedAt,
	}
	if len(c.Targets) > 0 {
		entry.Platform = string(c.Targets[0])
	}
	// the client may be gone by now; the entry is still written
	if err := s.history.AppendHistory(context.WithoutCancel(ctx), entry, s.historyCap); err != nil {
		s.logger.Warn("failed to record query history", zap.String("user", q.UserID), zap.Error(err))
	}
}

func buildPayload(c Classification, agg AggregateResult, chart *ChartSpec, summary Summary) ResultPayload {
	p := ResultPayload{
		Success:      true,
		Summary:      summary.Text,
		Chart:        chart,
		UsedFallback: summary.UsedFallback,
	}

	failed := agg.Failed()
	if len(agg.Results) > 0 && len(failed) == len(agg.Results) {
		p.Success = false
		p.Error = withFailureNotes("", AggregateResult{Results: failed})
	}

	if c.Mode == ModeBulk || len(agg.Results) > 1 {
		entries := make([]BulkEntry, len(agg.Results))
		for i, r := range agg.Results {
			entries[i] = BulkEntry{Platform: r.Platform, Success: r.Success, Data: r.Items}
			if r.Success {
				entries[i].Summary = describeResult(r)
			} else {
				entries[i].Error = failureReason(r)
				entries[i].Summary = fmt.Sprintf("%s data unavailable: %s.", r.Platform.Title(), entries[i].Error)
			}
		}
		p.Type = ResponseTypeBulk
		p.Data = entries
		return p
	}

	if len(agg.Results) == 1 {
		p.Platform = agg.Results[0].Platform
		p.Data = agg.Results[0].Items
		return p
	}
	p.Data = []platform.Record{}
	return p
}

func planStatus(planned []PlannedTarget) LogStatus {
	failed := 0
	for _, t := range planned {
		if t.Err != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == len(planned):
		return StatusError
	}
	return StatusInfo
}

func describePlan(planned []PlannedTarget) string {
	parts := make([]string, len(planned))
	for i, t := range planned {
		switch {
		case t.Err != nil:
			parts[i] = fmt.Sprintf("%s (%s)", t.Platform.Title(), t.Err.Kind.Describe())
		case t.Descriptor.Seed != nil:
			parts[i] = fmt.Sprintf("%s.%s after %s", t.Platform, t.Descriptor.Action, t.Descriptor.Seed.Platform.Title())
		default:
			parts[i] = fmt.Sprintf("%s.%s", t.Platform, t.Descriptor.Action)
		}
	}
	return "Planned " + strings.Join(parts, ", ")
}

func fetchStatus(agg AggregateResult) LogStatus {
	failed := len(agg.Failed())
	switch {
	case len(agg.Results) == 0:
		return StatusInfo
	case failed == 0:
		return StatusSuccess
	case failed == len(agg.Results):
		return StatusError
	}
	return StatusInfo
}

func describeFetch(agg AggregateResult) string {
	if len(agg.Results) == 0 {
		return "Nothing to fetch"
	}
	parts := make([]string, len(agg.Results))
	for i, r := range agg.Results {
		if r.Success {
			parts[i] = fmt.Sprintf("%s: %d %s", r.Platform.Title(), len(r.Items), strings.ToLower(kindTitle(r.Kind)))
			if r.Truncated {
				parts[i] += " (truncated)"
			}
		} else {
			parts[i] = fmt.Sprintf("%s: %s", r.Platform.Title(), failureReason(r))
		}
	}
	noun := "items"
	if agg.ItemCount() == 1 {
		noun = "item"
	}
	return fmt.Sprintf("Fetched %d %s: %s", agg.ItemCount(), noun, strings.Join(parts, "; "))
}
