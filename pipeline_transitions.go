package queryhive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive/internal/eventbus"
)

// engineComponents bundles the collaborators the state transitions need.
type engineComponents struct {
	Planner    Planner
	Executor   StageExecutor
	Aggregator Aggregator
	Catalog    SourceCatalog
	Telemetry  TelemetrySink
	Config     Config
	Logger     *zap.Logger
}

// newRunStateMachine builds the complete state machine for one query run.
func newRunStateMachine(components engineComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateInit, initTransition(components))
	sm.RegisterTransition(StatePlanning, planningTransition(components))
	sm.RegisterTransition(StateExecuting, executingTransition(components))
	sm.RegisterTransition(StateAggregating, aggregatingTransition(components))
	sm.RegisterTransition(StateError, terminalTransition(StateError))
	sm.RegisterTransition(StateRejected, terminalTransition(StateRejected))
	sm.RegisterTransition(StateCancelled, terminalTransition(StateCancelled))
	sm.RegisterTransition(StateComplete, terminalTransition(StateComplete))

	return sm
}

// initTransition discovers the workspace's sources. Discovery failure is not
// fatal: the planner still produces a valid plan for an empty source list.
func initTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventQueryProcessingStarted,
				rc.Query.Query,
				"StateMachine.Init",
				map[string]any{
					"request_id": rc.Query.RequestID,
					"workspace":  rc.Query.WorkspaceID,
				},
			))
		}

		if components.Catalog != nil {
			sources, err := components.Catalog.ListSources(ctx, rc.Query.WorkspaceID)
			if err != nil {
				components.Logger.Warn("source discovery failed, continuing with no sources",
					zap.String("request_id", rc.Query.RequestID),
					zap.Error(err))
			} else {
				rc.Sources = filterSelected(sources, rc.Query.SelectedSources)
			}
		}

		return StatePlanning, nil
	}
}

// filterSelected narrows the discovered sources to an explicit selection.
func filterSelected(sources []SourceDescriptor, selected []string) []SourceDescriptor {
	if len(selected) == 0 {
		return sources
	}
	want := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		want[id] = struct{}{}
	}
	var out []SourceDescriptor
	for _, src := range sources {
		if _, ok := want[src.ID]; ok {
			out = append(out, src)
		}
	}
	return out
}

// planningTransition obtains the execution plan. The planner owns its own
// fallback; an error here means even the fallback path is broken.
func planningTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		plan, err := components.Planner.BuildPlan(ctx, rc.Query, rc.Sources)
		if err != nil {
			if eb != nil {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventQueryProcessingFailure,
					rc.Query.Query,
					"StateMachine.Planning",
					map[string]any{"error": err.Error(), "stage": "plan_generation"},
				))
			}
			return StateError, NewPlanGenerationError(err)
		}

		if err := plan.Validate(); err != nil {
			return StateError, err
		}

		if eb != nil {
			eventType := eventbus.EventPlanGenerationSuccess
			if plan.Fallback {
				eventType = eventbus.EventPlanGenerationFallback
			}
			eb.Publish(ctx, eventbus.NewEvent(
				eventType,
				plan,
				"StateMachine.Planning",
				map[string]any{
					"stage_count": len(plan.Stages),
					"validation":  string(plan.Validation),
					"complexity":  string(plan.Analysis.Complexity),
				},
			))
		}

		rc.Plan = plan
		return StateExecuting, nil
	}
}

// executingTransition walks the plan's stages. A screening rejection, whether
// from the guardrail or the intent check, is terminal and mapped to the
// Rejected state.
func executingTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		pipeline, err := components.Executor.ExecutePlan(ctx, rc.Query, rc.Plan)
		if err != nil {
			return StateError, NewExecutionError("pipeline execution failed", err)
		}
		rc.Pipeline = pipeline

		if pipeline.Rejection != nil {
			if eb != nil {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventQueryProcessingRejected,
					rc.Query.Query,
					"StateMachine.Executing",
					map[string]any{
						"agent":  string(pipeline.Rejection.Agent),
						"reason": pipeline.Rejection.Reason,
					},
				))
			}
			rc.SetRejected(pipeline.Rejection)
			return StateRejected, nil
		}

		return StateAggregating, nil
	}
}

// aggregatingTransition validates and assembles the final answer, then writes
// best-effort telemetry.
func aggregatingTransition(components engineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventAggregationStarted,
				rc.Query.Query,
				"StateMachine.Aggregating",
				nil,
			))
		}

		answer, err := components.Aggregator.Aggregate(ctx, rc.Query, rc.Plan, rc.Pipeline)
		rc.Answer = answer
		recordUsage(ctx, components, rc)

		if err != nil {
			if eb != nil {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventAnswerRefused,
					rc.Query.Query,
					"StateMachine.Aggregating",
					map[string]any{"error": err.Error()},
				))
			}
			return StateError, err
		}

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventQueryProcessingSuccess,
				rc.Query.Query,
				"StateMachine.Aggregating",
				map[string]any{
					"confidence": answer.Confidence,
					"degraded":   answer.Degraded,
				},
			))
		}

		rc.Complete()
		return StateComplete, nil
	}
}

// recordUsage writes a usage record without failing the request.
func recordUsage(ctx context.Context, components engineComponents, rc *RunContext) {
	if components.Telemetry == nil {
		return
	}
	rec := UsageRecord{
		RequestID:   rc.Query.RequestID,
		WorkspaceID: rc.Query.WorkspaceID,
		Query:       rc.Query.Query,
		Elapsed:     rc.GetTotalDuration(),
		Timestamp:   time.Now(),
	}
	if rc.Plan != nil {
		rec.Complexity = rc.Plan.Analysis.Complexity
	}
	if rc.Pipeline != nil {
		rec.ResourceUnits = rc.Pipeline.ResourceUnits
		rec.StageTimings = rc.Pipeline.StageTimings
	}
	if rc.Answer != nil {
		rec.Confidence = rc.Answer.Confidence
		rec.Refused = rc.Answer.Refused
	}
	if err := components.Telemetry.Record(ctx, rec); err != nil {
		components.Logger.Warn("telemetry write failed",
			zap.String("request_id", rc.Query.RequestID),
			zap.Error(err))
	}
}

// terminalTransition keeps a terminal state terminal.
func terminalTransition(state RunState) StateTransition {
	return func(_ context.Context, _ eventbus.EventBus, rc *RunContext) (RunState, error) {
		return state, rc.LastError
	}
}
