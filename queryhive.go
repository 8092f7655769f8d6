// Package queryhive provides the core runtime for answering natural-language
// data questions: query planning, staged agent execution, multi-source
// fan-out and answer aggregation.
package queryhive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queryhive/queryhive/internal/eventbus"
)

// Engine is the main entry point into the queryhive runtime. It encapsulates
// the components required to answer a query end to end.
type Engine struct {
	// Core components
	planner    Planner
	executor   StageExecutor
	aggregator Aggregator
	cache      Cache
	catalog    SourceCatalog
	telemetry  TelemetrySink
	eventBus   eventbus.EventBus
	logger     *zap.Logger

	// Configuration
	config Config

	// Async processing
	asyncRuns      map[string]*RunContext
	asyncRunsMutex sync.RWMutex
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(e *Engine) {
		e.planner = planner
	}
}

// WithExecutor sets the stage executor component.
func WithExecutor(executor StageExecutor) Option {
	return func(e *Engine) {
		e.executor = executor
	}
}

// WithAggregator sets the aggregator component.
func WithAggregator(aggregator Aggregator) Option {
	return func(e *Engine) {
		e.aggregator = aggregator
	}
}

// WithCache sets the cache component.
func WithCache(cache Cache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithCatalog sets the source discovery service.
func WithCatalog(catalog SourceCatalog) Option {
	return func(e *Engine) {
		e.catalog = catalog
	}
}

// WithTelemetry sets the usage telemetry sink.
func WithTelemetry(sink TelemetrySink) Option {
	return func(e *Engine) {
		e.telemetry = sink
	}
}

// WithEventBus sets a custom event bus.
func WithEventBus(eb eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = eb
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates a new Engine with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:    DefaultConfig(),
		logger:    zap.NewNop(),
		asyncRuns: make(map[string]*RunContext),
	}

	for _, option := range options {
		option(e)
	}

	if e.planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}
	if e.executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}
	if e.aggregator == nil {
		return nil, NewConfigurationError("aggregator is required", nil)
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
			eventbus.WithLogger(e.logger),
		)
	}

	return e, nil
}

// Answer handles an end-to-end query execution using a pushdown automaton
// state machine. The overall deadline is enforced here: exceeding it returns
// whatever has completed rather than hanging.
func (e *Engine) Answer(ctx context.Context, q QueryContext) (*Answer, error) {
	if q.RequestID == "" {
		q.RequestID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.OverallTimeout)
	defer cancel()

	sm := e.newStateMachine()
	rc := NewRunContext(q)
	return sm.Execute(ctx, rc)
}

// newStateMachine builds a state machine wired to the engine's components.
func (e *Engine) newStateMachine() *StateMachine {
	var eb eventbus.EventBus
	if e.config.EnableEventBus {
		eb = e.eventBus
	}

	components := engineComponents{
		Planner:    e.planner,
		Executor:   e.executor,
		Aggregator: e.aggregator,
		Catalog:    e.catalog,
		Telemetry:  e.telemetry,
		Config:     e.config,
		Logger:     e.logger,
	}

	return newRunStateMachine(components, eb)
}

// AnswerAsync starts an asynchronous query execution and returns a unique
// execution ID for status/result polling.
func (e *Engine) AnswerAsync(ctx context.Context, q QueryContext) (string, error) {
	executionID := uuid.New().String()
	if q.RequestID == "" {
		q.RequestID = executionID
	}

	sm := e.newStateMachine()
	rc := NewRunContext(q)

	e.asyncRunsMutex.Lock()
	e.asyncRuns[executionID] = rc
	e.asyncRunsMutex.Unlock()

	// The run outlives the caller's context; cancellation is tracked per run.
	asyncCtx, cancel := context.WithTimeout(context.Background(), e.config.OverallTimeout)
	rc.StateData["cancel"] = cancel

	if e.config.EnableEventBus && e.eventBus != nil {
		e.eventBus.Publish(ctx, eventbus.NewEvent(
			eventbus.EventQueryAsyncProcessingStarted,
			q.Query,
			"Engine.AnswerAsync",
			map[string]any{
				"timestamp":    time.Now().Format(time.RFC3339),
				"execution_id": executionID,
			},
		))
	}

	go func() {
		defer cancel()

		answer, err := sm.Execute(asyncCtx, rc)

		e.asyncRunsMutex.Lock()
		if tracked, exists := e.asyncRuns[executionID]; exists {
			tracked.Answer = answer
			if err != nil && !tracked.IsTerminal() {
				tracked.SetError(err, string(tracked.CurrentState))
			}
		}
		e.asyncRunsMutex.Unlock()

		if e.config.EnableEventBus && e.eventBus != nil {
			eventType := eventbus.EventQueryAsyncProcessingSuccess
			metadata := map[string]any{
				"execution_id": executionID,
				"duration_ms":  rc.GetTotalDuration().Milliseconds(),
			}
			if err != nil {
				eventType = eventbus.EventQueryAsyncProcessingFailure
				metadata["error"] = err.Error()
				metadata["error_stage"] = rc.ErrorStage
			}
			// Background context since the original may already be done.
			e.eventBus.Publish(context.Background(), eventbus.NewEvent(
				eventType,
				q.Query,
				"Engine.AnswerAsync",
				metadata,
			))
		}
	}()

	return executionID, nil
}

// Cache exposes the engine's cache, mainly for invalidation hooks at the
// request boundary.
func (e *Engine) Cache() Cache {
	return e.cache
}

// Close releases the engine's background resources.
func (e *Engine) Close() error {
	if e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}
