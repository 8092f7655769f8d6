package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/agents"
	"github.com/queryhive/queryhive/internal/cache"
	"github.com/queryhive/queryhive/internal/eventbus"
)

// Executor walks an execution plan stage by stage. Within a stage agents run
// concurrently, bounded by the configured goroutine ceiling; stages run in
// plan order. Agent results merge into an accumulating snapshot so every
// stage sees an immutable copy of all prior results.
type Executor struct {
	cfg     queryhive.Config
	agents  map[queryhive.AgentKind]queryhive.Agent
	cache   queryhive.Cache
	bus     eventbus.EventBus
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures the executor.
type Option func(*Executor)

// WithCache sets the short-TTL cache agent outputs are served from. Without
// one every agent runs on every request.
func WithCache(c queryhive.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithEventBus sets the bus stage lifecycle events are published on.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an executor over the given agent roster.
func New(cfg queryhive.Config, roster []queryhive.Agent, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		agents:  make(map[queryhive.AgentKind]queryhive.Agent, len(roster)),
		logger:  zap.NewNop(),
		metrics: NewMetrics(),
	}
	for _, agent := range roster {
		e.agents[agent.Kind()] = agent
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metrics returns the executor's live counters.
func (e *Executor) Metrics() *Metrics { return e.metrics }

// ExecutePlan implements queryhive.StageExecutor.
func (e *Executor) ExecutePlan(ctx context.Context, q queryhive.QueryContext, plan *queryhive.ExecutionPlan) (*queryhive.PipelineResult, error) {
	start := time.Now()
	pr := &queryhive.PipelineResult{
		Results:      make(map[queryhive.AgentKind]queryhive.AgentResult),
		StageStates:  make(map[string]queryhive.StageState, len(plan.Stages)),
		StageTimings: make(map[string]time.Duration, len(plan.Stages)),
	}
	for _, stage := range plan.Stages {
		pr.StageStates[stage.Name] = queryhive.StagePending
	}
	e.metrics.PlanStarted()

	for _, stage := range plan.Stages {
		if err := ctx.Err(); err != nil {
			// Overall deadline hit: return what resolved so far.
			e.abortFrom(ctx, pr, stage.Name, plan, "overall deadline exceeded")
			pr.Elapsed = time.Since(start)
			return pr, nil
		}

		runnable, reason := e.shouldRun(stage, pr)
		if !runnable {
			pr.StageStates[stage.Name] = queryhive.StageSkipped
			e.publish(ctx, eventbus.EventStageSkipped, q.RequestID, stage.Name, map[string]any{"reason": reason})
			continue
		}

		state := e.runStage(ctx, q, plan, stage, pr)
		pr.StageStates[stage.Name] = state

		if state == queryhive.StageTimedOut {
			e.metrics.StageTimedOut()
			e.publish(ctx, eventbus.EventStageTimedOut, q.RequestID, stage.Name, nil)
			if timeoutPolicy(plan, stage) == queryhive.TimeoutFailFast {
				e.abortFrom(ctx, pr, "", plan, fmt.Sprintf("stage %s timed out under fail-fast policy", stage.Name))
				break
			}
		} else {
			e.publish(ctx, eventbus.EventStageFinished, q.RequestID, stage.Name, map[string]any{
				"elapsed": pr.StageTimings[stage.Name].String(),
			})
		}

		// A screening rejection short-circuits the whole plan regardless of
		// the timeout policy: no further stages run.
		if rejection := screeningRejection(pr); rejection != nil {
			pr.Rejection = rejection
			e.abortFrom(ctx, pr, "", plan, fmt.Sprintf("query rejected by %s", rejection.Agent))
			break
		}
	}

	pr.Elapsed = time.Since(start)
	for _, res := range pr.Results {
		pr.ResourceUnits += res.ResourceUnits
	}
	return pr, nil
}

// runStage launches the stage's agents concurrently and collects results per
// the stage's timeout policy.
func (e *Executor) runStage(ctx context.Context, q queryhive.QueryContext, plan *queryhive.ExecutionPlan, stage queryhive.Stage, pr *queryhive.PipelineResult) queryhive.StageState {
	pr.StageStates[stage.Name] = queryhive.StageRunning
	e.publish(ctx, eventbus.EventStageStarted, q.RequestID, stage.Name, map[string]any{"agents": len(stage.Agents)})
	start := time.Now()

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StageTimeout
	}
	// Wait-all stages are bounded by the overall deadline only; the stage
	// timer must not cancel their agents.
	policy := timeoutPolicy(plan, stage)
	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if policy != queryhive.TimeoutWaitAll {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	input := queryhive.AgentInput{
		Query:    q,
		Analysis: plan.Analysis,
		Strategy: plan.Strategy,
		Prior:    snapshot(pr.Results),
	}

	type agentOutcome struct {
		kind   queryhive.AgentKind
		result queryhive.AgentResult
	}
	outcomes := make(chan agentOutcome, len(stage.Agents))

	workers := pool.New().WithMaxGoroutines(e.cfg.MaxConcurrentAgents)
	for _, kind := range stage.Agents {
		kind := kind
		workers.Go(func() {
			agent, ok := e.agents[kind]
			if !ok {
				outcomes <- agentOutcome{kind, queryhive.DegradedResult(kind, "agent not registered", 0)}
				return
			}
			if res, ok := e.cachedOutcome(stageCtx, kind, q, plan); ok {
				e.metrics.AgentCacheHit()
				outcomes <- agentOutcome{kind, res}
				return
			}
			res := agents.Run(stageCtx, agent, input, e.logger)
			if !res.Success {
				e.metrics.AgentDegraded()
			}
			e.storeOutcome(stageCtx, kind, q, plan, res)
			outcomes <- agentOutcome{kind, res}
		})
	}
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	received := make(map[queryhive.AgentKind]bool, len(stage.Agents))
	timedOut := false

	timer := time.NewTimer(timeout)
	defer timer.Stop()

collect:
	for len(received) < len(stage.Agents) {
		select {
		case out := <-outcomes:
			pr.Results[out.kind] = out.result
			received[out.kind] = true
		case <-timer.C:
			if policy == queryhive.TimeoutWaitAll {
				// Wait-all keeps collecting past the stage timer until every
				// agent resolves or the overall deadline fires.
				continue
			}
			timedOut = true
			break collect
		case <-ctx.Done():
			timedOut = true
			break collect
		}
	}

	if timedOut {
		cancel()
		// Merge stragglers that beat the cancellation, then degrade the rest.
	drain:
		for {
			select {
			case out := <-outcomes:
				pr.Results[out.kind] = out.result
				received[out.kind] = true
			case <-done:
				break drain
			case <-time.After(50 * time.Millisecond):
				break drain
			}
		}
		for _, kind := range stage.Agents {
			if !received[kind] {
				pr.Results[kind] = queryhive.DegradedResult(kind, "stage timed out", timeout)
			}
		}
	}

	pr.StageTimings[stage.Name] = time.Since(start)
	if timedOut {
		return queryhive.StageTimedOut
	}
	return queryhive.StageDone
}

// shouldRun checks the stage's dependencies and condition against the results
// accumulated so far.
func (e *Executor) shouldRun(stage queryhive.Stage, pr *queryhive.PipelineResult) (bool, string) {
	for _, dep := range stage.DependsOn {
		switch pr.StageStates[dep] {
		case queryhive.StageSkipped, queryhive.StageAborted:
			return false, fmt.Sprintf("dependency stage %s did not run", dep)
		}
	}
	if stage.Condition == "" {
		return true, ""
	}
	ok, err := evalCondition(stage.Condition, pr.Results)
	if err != nil {
		// An unevaluable condition runs the stage rather than silently
		// dropping planned work.
		e.logger.Warn("stage condition failed to evaluate, running stage",
			zap.String("stage", stage.Name),
			zap.String("condition", stage.Condition),
			zap.Error(err))
		return true, ""
	}
	if !ok {
		return false, fmt.Sprintf("condition %q is false", stage.Condition)
	}
	return true, ""
}

// abortFrom marks every not-yet-terminal stage aborted. When fromStage is
// non-empty, marking starts at that stage.
func (e *Executor) abortFrom(ctx context.Context, pr *queryhive.PipelineResult, fromStage string, plan *queryhive.ExecutionPlan, reason string) {
	marking := fromStage == ""
	for _, stage := range plan.Stages {
		if stage.Name == fromStage {
			marking = true
		}
		if !marking {
			continue
		}
		if pr.StageStates[stage.Name] == queryhive.StagePending {
			pr.StageStates[stage.Name] = queryhive.StageAborted
		}
	}
	pr.Aborted = true
	pr.AbortReason = reason
	e.publish(ctx, eventbus.EventStageAborted, "", "", map[string]any{"reason": reason})
}

func (e *Executor) publish(ctx context.Context, eventType eventbus.EventType, requestID, stageName string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	meta := map[string]any{"request_id": requestID}
	if stageName != "" {
		meta["stage"] = stageName
	}
	event := eventbus.NewEvent(eventType, payload, "executor", meta)
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Debug("event publish failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}

// screeningRejection returns the structured rejection when a screening agent
// resolved successfully and refused the query: a guardrail denial, or an
// intent check that judged the query unanswerable. Degraded screening results
// carry allow/valid fallbacks and never reject.
func screeningRejection(pr *queryhive.PipelineResult) *queryhive.Rejection {
	if res, ok := pr.Results[queryhive.AgentGuardrail]; ok && res.Success {
		if verdict, ok := res.Payload.(queryhive.GuardrailVerdict); ok && !verdict.Allowed {
			return &queryhive.Rejection{Agent: queryhive.AgentGuardrail, Reason: verdict.Reason}
		}
	}
	if res, ok := pr.Results[queryhive.AgentIntent]; ok && res.Success {
		if assessment, ok := res.Payload.(queryhive.IntentAssessment); ok && !assessment.Valid {
			reason := assessment.Reason
			if reason == "" {
				reason = "the query does not express an answerable question"
			}
			return &queryhive.Rejection{Agent: queryhive.AgentIntent, Reason: reason}
		}
	}
	return nil
}

// Agents whose output depends only on the query and the source catalog. Their
// results live under the short TTL class and a hit skips the agent entirely.
// Source execution and the post-hoc reviewers consume live data and are never
// cached.
var cacheableAgents = map[queryhive.AgentKind]bool{
	queryhive.AgentGuardrail:    true,
	queryhive.AgentIntent:       true,
	queryhive.AgentOptimizer:    true,
	queryhive.AgentSourceFilter: true,
}

func (e *Executor) cachedOutcome(ctx context.Context, kind queryhive.AgentKind, q queryhive.QueryContext, plan *queryhive.ExecutionPlan) (queryhive.AgentResult, bool) {
	if e.cache == nil || !cacheableAgents[kind] {
		return queryhive.AgentResult{}, false
	}
	cached, ok := e.cache.Get(ctx, cache.AgentKey(kind, q, strategySources(plan.Strategy)))
	if !ok {
		return queryhive.AgentResult{}, false
	}
	res, ok := cached.(queryhive.AgentResult)
	if !ok {
		return queryhive.AgentResult{}, false
	}
	// A cache hit consumed no model resources on this request.
	res.ResourceUnits = 0
	return res, true
}

// storeOutcome caches a successful result from a cacheable agent; degraded
// results always recompute.
func (e *Executor) storeOutcome(ctx context.Context, kind queryhive.AgentKind, q queryhive.QueryContext, plan *queryhive.ExecutionPlan, res queryhive.AgentResult) {
	if e.cache == nil || !cacheableAgents[kind] || !res.Success {
		return
	}
	e.cache.Set(ctx, cache.AgentKey(kind, q, strategySources(plan.Strategy)), res, e.cfg.ShortTTL)
}

func strategySources(strategy queryhive.SourceStrategy) []queryhive.SourceDescriptor {
	out := make([]queryhive.SourceDescriptor, 0, len(strategy.Primary)+len(strategy.Fallback))
	out = append(out, strategy.Primary...)
	return append(out, strategy.Fallback...)
}

// timeoutPolicy resolves the effective policy for a stage from the plan's
// source strategy.
func timeoutPolicy(plan *queryhive.ExecutionPlan, _ queryhive.Stage) queryhive.TimeoutPolicy {
	if plan.Strategy.Timeout != "" {
		return plan.Strategy.Timeout
	}
	return queryhive.TimeoutPartialResults
}

func snapshot(results map[queryhive.AgentKind]queryhive.AgentResult) map[queryhive.AgentKind]queryhive.AgentResult {
	out := make(map[queryhive.AgentKind]queryhive.AgentResult, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}
