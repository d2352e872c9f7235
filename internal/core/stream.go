package core

import (
	"datadesk.io/query-orchestrator/internal/platform"
	"go.uber.org/zap"
)

// Stage is the pipeline state reported through the stream.
type Stage string

const (
	StagePlanning    Stage = "planning"
	StageFetching    Stage = "fetching"
	StageAnalyzing   Stage = "analyzing"
	StageSummarizing Stage = "summarizing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

type EventType string

const (
	EventLog    EventType = "log"
	EventResult EventType = "result"
)

type LogStatus string

const (
	StatusInfo    LogStatus = "info"
	StatusSuccess LogStatus = "success"
	StatusError   LogStatus = "error"
)

// Agents named in log events, one per stage.
const (
	AgentPlanner    = "Planner"
	AgentFetcher    = "Fetcher"
	AgentAnalyst    = "Analyst"
	AgentSummarizer = "Summarizer"
)

// ResponseTypeBulk marks a payload whose data is one entry per platform.
const ResponseTypeBulk = "bulk_response"

type LogEntry struct {
	Agent   string    `json:"agent"`
	Message string    `json:"message"`
	Status  LogStatus `json:"status"`
}

// StreamEvent is one NDJSON line: a log entry or the terminal result.
type StreamEvent struct {
	Type    EventType      `json:"type"`
	Agent   string         `json:"agent,omitempty"`
	Message string         `json:"message,omitempty"`
	Status  LogStatus      `json:"status,omitempty"`
	Payload *ResultPayload `json:"payload,omitempty"`
}

type ResultPayload struct {
	Success      bool              `json:"success"`
	Summary      string            `json:"summary"`
	Platform     platform.Platform `json:"platform,omitempty"`
	Type         string            `json:"type,omitempty"`
	Data         any               `json:"data"`
	Chart        *ChartSpec        `json:"chart,omitempty"`
	Logs         []LogEntry        `json:"logs"`
	Error        string            `json:"error,omitempty"`
	UsedFallback bool              `json:"used_fallback"`
}

// BulkEntry is the per-platform element of a bulk payload's data.
type BulkEntry struct {
	Platform platform.Platform `json:"platform"`
	Success  bool              `json:"success"`
	Summary  string            `json:"summary"`
	Data     []platform.Record `json:"data"`
	Error    string            `json:"error,omitempty"`
}

// emitter is the only producer on a run's channel. It tracks the stage and keeps
// every log entry for the terminal payload.
type emitter struct {
	out    chan<- StreamEvent
	stage  Stage
	logs   []LogEntry
	done   bool
	logger *zap.Logger
}

func (e *emitter) advance(next Stage) {
	e.logger.Debug("stage transition", zap.String("from", string(e.stage)), zap.String("to", string(next)))
	e.stage = next
}

func (e *emitter) log(agent string, status LogStatus, message string) {
	entry := LogEntry{Agent: agent, Message: message, Status: status}
	e.logs = append(e.logs, entry)
	e.out <- StreamEvent{Type: EventLog, Agent: agent, Message: message, Status: status}
}

// result sends the single terminal event. Later calls are ignored.
func (e *emitter) result(p ResultPayload) {
	if e.done {
		return
	}
	e.done = true
	p.Logs = append([]LogEntry{}, e.logs...)
	e.out <- StreamEvent{Type: EventResult, Payload: &p}
}

func (e *emitter) fail(message string) {
	e.stage = StageFailed
	e.result(ResultPayload{
		Success: false,
		Summary: "Something went wrong while answering this question. Please try again.",
		Data:    []platform.Record{},
		Error:   message,
	})
}
