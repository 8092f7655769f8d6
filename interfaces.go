package queryhive

import (
	"context"
	"time"
)

// Agent is a single, stateless, idempotent orchestration step. Execute may
// return an error for internal plumbing, but the executor wraps every agent
// so a fault is converted into a degraded AgentResult and never crosses a
// stage boundary. Agents read prior-stage results from the input snapshot and
// must not mutate shared state.
type Agent interface {
	Kind() AgentKind
	Execute(ctx context.Context, input AgentInput) (AgentResult, error)
}

// Planner transforms a query context plus the discovered sources into an
// execution plan. Implementations must always return a runnable plan: on any
// internal failure they fall back to a fixed plan rather than erroring.
type Planner interface {
	BuildPlan(ctx context.Context, q QueryContext, sources []SourceDescriptor) (*ExecutionPlan, error)
}

// StageExecutor walks an execution plan, running each stage's agents with the
// declared concurrency and timeout policy.
type StageExecutor interface {
	ExecutePlan(ctx context.Context, q QueryContext, plan *ExecutionPlan) (*PipelineResult, error)
}

// Aggregator combines pipeline outputs into the final answer, applying the
// plan's validation intensity.
type Aggregator interface {
	Aggregate(ctx context.Context, q QueryContext, plan *ExecutionPlan, pr *PipelineResult) (*Answer, error)
}

// Cache stores plans, analyses and agent outputs. Keys are derived from
// semantically relevant inputs only; implementations must be safe for
// concurrent use by multiple in-flight requests.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
	Clear(ctx context.Context)
	Stats() CacheStats
}

// LLMClient is the opaque LLM invocation service. Calls may fail or time
// out; callers degrade to heuristic fallbacks on error.
type LLMClient interface {
	Call(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder produces a vector for semantic relevance ranking. Failures
// degrade to a fixed low-relevance default rather than aborting.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SourceCatalog is the source discovery service: the current descriptor list
// for a workspace, treated as read-only input per request.
type SourceCatalog interface {
	ListSources(ctx context.Context, workspaceID string) ([]SourceDescriptor, error)
}

// TelemetrySink persists usage/performance records. The engine functions in
// degraded form if writes fail.
type TelemetrySink interface {
	Record(ctx context.Context, rec UsageRecord) error
}

// StructuredStore executes a read statement against one structured source.
type StructuredStore interface {
	ExecuteQuery(ctx context.Context, sourceID, statement string, maxRows int) (columns []string, rows []map[string]any, err error)
}

// DocumentIndex searches one document source's index.
type DocumentIndex interface {
	Search(ctx context.Context, sourceID, query string, limit int) ([]Passage, error)
}

// ConnectorGateway fetches records from one external connector.
type ConnectorGateway interface {
	Fetch(ctx context.Context, sourceID, query string) ([]map[string]any, error)
}
