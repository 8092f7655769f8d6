package sources

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/eventbus"
)

// runner fans a query out across the sources of one kind. Each source runs
// in its own goroutine with full isolation: a failing or panicking source
// yields a failed SourceResult for that source only.
type runner struct {
	bus    eventbus.EventBus
	logger *zap.Logger
}

type executeFunc func(ctx context.Context, src queryhive.SourceDescriptor) queryhive.SourceResult

// run executes the primary sources of the kind; when none of them produces
// data, the fallback tier of the same kind runs as a second wave.
func (r runner) run(ctx context.Context, q queryhive.QueryContext, kind queryhive.SourceKind, strategy queryhive.SourceStrategy, exec executeFunc) []queryhive.SourceResult {
	results := r.wave(ctx, q, strategy.PrimaryByKind(kind), exec)
	if hasData(results) {
		return results
	}

	var fallbacks []queryhive.SourceDescriptor
	for _, src := range strategy.Fallback {
		if src.Kind == kind {
			fallbacks = append(fallbacks, src)
		}
	}
	if len(fallbacks) == 0 {
		return results
	}
	return append(results, r.wave(ctx, q, fallbacks, exec)...)
}

func (r runner) wave(ctx context.Context, q queryhive.QueryContext, srcs []queryhive.SourceDescriptor, exec executeFunc) []queryhive.SourceResult {
	if len(srcs) == 0 {
		return nil
	}
	results := make([]queryhive.SourceResult, len(srcs))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		i, src := i, src
		group.Go(func() error {
			r.publish(groupCtx, eventbus.EventSourceExecutionStarted, q.RequestID, src.ID, nil)
			results[i] = r.isolated(groupCtx, src, exec)
			if results[i].Success {
				r.publish(groupCtx, eventbus.EventSourceExecutionSuccess, q.RequestID, src.ID, nil)
			} else {
				r.publish(groupCtx, eventbus.EventSourceExecutionFailure, q.RequestID, src.ID, map[string]any{
					"error": results[i].Error,
				})
			}
			// Source failures never abort the sibling goroutines.
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// isolated runs one source, converting a panic into a failed result.
func (r runner) isolated(ctx context.Context, src queryhive.SourceDescriptor, exec executeFunc) (result queryhive.SourceResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("source execution panicked",
				zap.String("source_id", src.ID),
				zap.Any("panic", rec))
			result = queryhive.SourceResult{
				SourceID: src.ID,
				Success:  false,
				Error:    fmt.Sprintf("panic: %v", rec),
			}
		}
	}()
	return exec(ctx, src)
}

func (r runner) publish(ctx context.Context, eventType eventbus.EventType, requestID, sourceID string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, payload, "sources", map[string]any{
		"request_id": requestID,
		"source_id":  sourceID,
	})
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Debug("event publish failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}

func hasData(results []queryhive.SourceResult) bool {
	for _, res := range results {
		if res.Success && res.HasData() {
			return true
		}
	}
	return false
}
