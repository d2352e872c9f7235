package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultItemCap  = 100
	DefaultPageSize = 50
)

type FetchService struct {
	catalog  *platform.Catalog
	registry *platform.Registry
	itemCap  int
	pageSize int
	logger   *zap.Logger
}

func NewFetchService(catalog *platform.Catalog, registry *platform.Registry, itemCap, pageSize int, logger *zap.Logger) *FetchService {
	if itemCap <= 0 {
		itemCap = DefaultItemCap
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &FetchService{
		catalog:  catalog,
		registry: registry,
		itemCap:  itemCap,
		pageSize: pageSize,
		logger:   logger.Named("fetch"),
	}
}

// Execute dispatches every descriptor concurrently, one result slot each, and
// returns once all have finished. Results keep the order of descriptors.
// A descriptor with a Seed waits for the seed platform's result.
//
// Fetches run detached from ctx cancellation so a disconnecting client does not
// abort in-flight upstream calls; each call is still bounded by its platform deadline.
func (s *FetchService) Execute(ctx context.Context, descriptors []platform.ActionDescriptor, conns platform.Connections) AggregateResult {
	ctx = context.WithoutCancel(ctx)
	results := make([]FetchResult, len(descriptors))
	done := make([]chan struct{}, len(descriptors))
	for i := range done {
		done[i] = make(chan struct{})
	}

	var g errgroup.Group
	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			defer close(done[i])
			if d.Seed == nil {
				results[i] = s.fetch(ctx, d, d.Filters, conns)
				return nil
			}

			seedIdx := -1
			for j, other := range descriptors {
				if j != i && other.Platform == d.Seed.Platform {
					seedIdx = j
					break
				}
			}
			if seedIdx < 0 {
				results[i] = failedResult(d.Platform, d.Action, platform.KindAdapterError,
					fmt.Sprintf("correlated %s lookup was not dispatched", d.Seed.Platform.Title()))
				return nil
			}
			<-done[seedIdx]
			results[i] = s.fetchSeeded(ctx, d, results[seedIdx], conns)
			return nil
		})
	}
	// Every slot returns nil so one failure never cancels its siblings.
	_ = g.Wait()

	return AggregateResult{Results: results}
}

func (s *FetchService) fetchSeeded(ctx context.Context, d platform.ActionDescriptor, seed FetchResult, conns platform.Connections) FetchResult {
	if !seed.Success {
		return failedResult(d.Platform, d.Action, platform.KindAdapterError,
			fmt.Sprintf("correlated %s lookup failed", seed.Platform.Title()))
	}
	value, ok := firstFieldValue(seed.Items, d.Seed.Field)
	if !ok {
		s.logger.Debug("seed returned no matches, skipping dependent",
			zap.String("seed", string(d.Seed.Platform)),
			zap.String("platform", string(d.Platform)))
		return FetchResult{
			Platform: d.Platform,
			Action:   d.Action,
			Kind:     s.kindOf(d),
			Success:  true,
			Items:    []platform.Record{},
		}
	}
	filters := d.Filters.Clone()
	filters[d.Seed.Filter] = value
	return s.fetch(ctx, d, filters, conns)
}

func firstFieldValue(items []platform.Record, field string) (string, bool) {
	for _, item := range items {
		v, ok := item[field]
		if !ok {
			for k, candidate := range item {
				if strings.EqualFold(k, field) {
					v, ok = candidate, true
					break
				}
			}
		}
		if !ok || v == nil {
			continue
		}
		// CRM lookups are often objects such as {"name": "Acme Corp", "id": "..."}.
		if m, isMap := v.(map[string]any); isMap {
			v = m["name"]
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" && s != "<nil>" {
			return s, true
		}
	}
	return "", false
}

func (s *FetchService) kindOf(d platform.ActionDescriptor) string {
	if a, ok := s.catalog.Action(d.Platform, d.Action); ok {
		return a.Kind
	}
	return d.Action
}

type pageResult struct {
	items     []platform.Record
	truncated bool
	err       error
}

// fetch runs the pagination loop for one descriptor under the platform deadline.
// The deadline holds even when the adapter ignores its context.
func (s *FetchService) fetch(ctx context.Context, d platform.ActionDescriptor, filters platform.Filters, conns platform.Connections) FetchResult {
	creds, ok := conns[d.Platform]
	if !ok {
		return failedResult(d.Platform, d.Action, platform.KindAdapterError, d.Platform.Title()+" is not connected")
	}
	adapter, err := s.registry.Adapter(d.Platform)
	if err != nil {
		return failedResult(d.Platform, d.Action, platform.KindAdapterError, err.Error())
	}

	// One deadline covers every page requested for this platform.
	timeout := s.registry.Timeout(d.Platform)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan pageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- pageResult{err: platform.NewAdapterError(d.Platform, platform.KindAdapterError,
					fmt.Sprintf("adapter panicked: %v", r), nil)}
			}
		}()
		items, truncated, err := s.paginate(callCtx, adapter, d, filters, creds)
		ch <- pageResult{items: items, truncated: truncated, err: err}
	}()

	var res pageResult
	select {
	case res = <-ch:
	case <-callCtx.Done():
		res = pageResult{err: platform.NewAdapterError(d.Platform, platform.KindTimeout,
			fmt.Sprintf("no response within %s", timeout), callCtx.Err())}
	}

	if res.err != nil {
		kind, msg := classifyFetchError(res.err)
		s.logger.Warn("fetch failed",
			zap.String("platform", string(d.Platform)),
			zap.String("action", d.Action),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(res.err))
		return failedResult(d.Platform, d.Action, kind, msg)
	}

	s.logger.Info("fetch complete",
		zap.String("platform", string(d.Platform)),
		zap.String("action", d.Action),
		zap.Int("items", len(res.items)),
		zap.Bool("truncated", res.truncated),
		zap.Duration("elapsed", time.Since(start)))
	return FetchResult{
		Platform:  d.Platform,
		Action:    d.Action,
		Kind:      s.kindOf(d),
		Success:   true,
		Items:     res.items,
		Truncated: res.truncated,
	}
}

func (s *FetchService) paginate(ctx context.Context, adapter platform.Adapter, d platform.ActionDescriptor, filters platform.Filters, creds platform.Credentials) ([]platform.Record, bool, error) {
	items := []platform.Record{}
	truncated := false
	cursor := ""
	for {
		start := time.Now()
		page, err := adapter.Execute(ctx, platform.Request{
			Action:      d.Action,
			Filters:     filters,
			Credentials: creds,
			Cursor:      cursor,
			PageSize:    min(s.pageSize, s.itemCap-len(items)),
		})
		adapterCallDuration.WithLabelValues(string(d.Platform)).Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			kind, _ := classifyFetchError(err)
			adapterCallsTotal.WithLabelValues(string(d.Platform), string(kind)).Inc()
			return nil, false, err
		}
		adapterCallsTotal.WithLabelValues(string(d.Platform), "ok").Inc()
		if page == nil {
			return items, truncated, nil
		}

		if page.Scalar != nil && len(page.Items) == 0 {
			return []platform.Record{{"value": page.Scalar}}, false, nil
		}
		items = append(items, page.Items...)
		truncated = truncated || page.Truncated

		if len(items) >= s.itemCap {
			if len(items) > s.itemCap || page.NextCursor != "" {
				truncated = true
			}
			return items[:s.itemCap], truncated, nil
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return items, truncated, nil
		}
		cursor = page.NextCursor
	}
}

func classifyFetchError(err error) (platform.ErrorKind, string) {
	var aerr *platform.AdapterError
	if errors.As(err, &aerr) {
		msg := aerr.Message
		if msg == "" {
			msg = aerr.Kind.Describe()
		}
		return aerr.Kind, msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return platform.KindTimeout, "deadline exceeded"
	}
	return platform.KindAdapterError, err.Error()
}
