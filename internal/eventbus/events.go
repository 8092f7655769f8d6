package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Plan generation events
	EventPlanGenerationStarted  EventType = "plan_generation_started"
	EventPlanGenerationSuccess  EventType = "plan_generation_success"
	EventPlanGenerationFallback EventType = "plan_generation_fallback"
	EventPlanCacheHit           EventType = "plan_cache_hit"

	// Stage execution events
	EventStageStarted  EventType = "stage_started"
	EventStageFinished EventType = "stage_finished"
	EventStageTimedOut EventType = "stage_timed_out"
	EventStageSkipped  EventType = "stage_skipped"
	EventStageAborted  EventType = "stage_aborted"

	// Source execution events
	EventSourceExecutionStarted EventType = "source_execution_started"
	EventSourceExecutionSuccess EventType = "source_execution_success"
	EventSourceExecutionFailure EventType = "source_execution_failure"
	EventStatementRiskWarning   EventType = "statement_risk_warning"

	// Aggregation events
	EventAggregationStarted EventType = "aggregation_started"
	EventAggregationSuccess EventType = "aggregation_success"
	EventAnswerDegraded     EventType = "answer_degraded"
	EventAnswerRefused      EventType = "answer_refused"

	// Query processing events
	EventQueryProcessingStarted  EventType = "query_processing_started"
	EventQueryProcessingSuccess  EventType = "query_processing_success"
	EventQueryProcessingFailure  EventType = "query_processing_failure"
	EventQueryProcessingRejected EventType = "query_processing_rejected"

	// Async query processing events
	EventQueryAsyncProcessingStarted   EventType = "query_async_processing_started"
	EventQueryAsyncProcessingSuccess   EventType = "query_async_processing_success"
	EventQueryAsyncProcessingFailure   EventType = "query_async_processing_failure"
	EventQueryAsyncProcessingCancelled EventType = "query_async_processing_cancelled"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
	EventSystemInfo    EventType = "system_info"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the engine
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() any

	// Metadata returns additional information about the event
	Metadata() map[string]any

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types.
	// Returns a subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    any
	metadata   map[string]any
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(eventType EventType, payload any, source string, metadata map[string]any) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// Type returns the event type
func (e *BaseEvent) Type() EventType { return e.eventType }

// Payload returns the event data
func (e *BaseEvent) Payload() any { return e.payload }

// Metadata returns additional information about the event
func (e *BaseEvent) Metadata() map[string]any { return e.metadata }

// Timestamp returns when the event occurred
func (e *BaseEvent) Timestamp() int64 { return e.timestamp }

// Source returns information about what generated the event
func (e *BaseEvent) Source() string { return e.sourceInfo }

// WithMetadata adds or updates a metadata entry and returns the same event.
func (e *BaseEvent) WithMetadata(key string, value any) *BaseEvent {
	e.metadata[key] = value
	return e
}
