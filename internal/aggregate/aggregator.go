package aggregate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/eventbus"
)

// Aggregator composes the final answer from the pipeline's results, applying
// the plan's validation intensity. Light validation passes synthesis through
// with sanity checks only; medium folds in the consistency report; heavy
// additionally applies the hallucination review, marking unsafe answers
// degraded.
type Aggregator struct {
	cfg    queryhive.Config
	bus    eventbus.EventBus
	logger *zap.Logger
}

// Option configures the aggregator.
type Option func(*Aggregator)

// WithEventBus sets the bus aggregation events are published on.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(a *Aggregator) { a.bus = bus }
}

// WithLogger sets the aggregator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// New creates an aggregator.
func New(cfg queryhive.Config, opts ...Option) *Aggregator {
	a := &Aggregator{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate implements queryhive.Aggregator. A refusal returns both a
// structurally valid answer and a typed error so callers can branch on either.
func (a *Aggregator) Aggregate(ctx context.Context, q queryhive.QueryContext, plan *queryhive.ExecutionPlan, pr *queryhive.PipelineResult) (*queryhive.Answer, error) {
	a.publish(ctx, eventbus.EventAggregationStarted, q.RequestID, nil)

	if pr.Rejection != nil {
		answer := a.refusal(ctx, q, plan, pr, pr.Rejection.Reason)
		return answer, queryhive.NewRejectionError(pr.Rejection.Agent, pr.Rejection.Reason)
	}
	if reason, invalid := invalidIntent(pr); invalid {
		answer := a.refusal(ctx, q, plan, pr, reason)
		return answer, queryhive.NewRejectionError(queryhive.AgentIntent, reason)
	}

	withData, _ := partitionSources(pr.Results)
	if len(withData) == 0 {
		answer := a.refusal(ctx, q, plan, pr, "no source produced data for this question")
		return answer, queryhive.NewNoDataError("")
	}

	synthRes, ok := pr.Results[queryhive.AgentSynthesis]
	if !ok {
		answer := a.refusal(ctx, q, plan, pr, "the pipeline produced no answer")
		return answer, queryhive.NewNoDataError("synthesis did not run, no answer available")
	}
	synth, _ := synthRes.Payload.(queryhive.SynthesizedAnswer)

	answer := &queryhive.Answer{
		Text:          synth.Text,
		CitedSources:  synth.CitedSources,
		FollowUps:     synth.FollowUps,
		Confidence:    synthRes.Confidence,
		Validation:    plan.Validation,
		ResourceUnits: pr.ResourceUnits,
		Elapsed:       pr.Elapsed,
	}
	if !synthRes.Success {
		answer.Degraded = true
		answer.DegradedNote = synthRes.FallbackReason
	}

	if plan.Validation != queryhive.ValidationLight {
		a.applyConsistency(answer, pr)
	}
	if plan.Validation == queryhive.ValidationHeavy {
		a.applyHallucination(answer, pr)
	}
	a.attachChart(answer, pr)

	if answer.Confidence < a.cfg.ConfidenceFloor && !answer.Degraded {
		answer.Degraded = true
		answer.DegradedNote = fmt.Sprintf("confidence %.2f below floor %.2f", answer.Confidence, a.cfg.ConfidenceFloor)
	}

	if answer.Degraded {
		a.publish(ctx, eventbus.EventAnswerDegraded, q.RequestID, map[string]any{"note": answer.DegradedNote})
	}
	a.publish(ctx, eventbus.EventAggregationSuccess, q.RequestID, map[string]any{
		"confidence": answer.Confidence,
		"degraded":   answer.Degraded,
	})
	return answer, nil
}

// applyConsistency folds the consistency report into the answer confidence.
func (a *Aggregator) applyConsistency(answer *queryhive.Answer, pr *queryhive.PipelineResult) {
	res, ok := pr.Results[queryhive.AgentConsistency]
	if !ok {
		return
	}
	report, ok := res.Payload.(queryhive.ConsistencyReport)
	if !ok {
		return
	}
	answer.Consistency = &report
	if res.Success && len(report.Sources) > 0 {
		answer.Confidence = (answer.Confidence + report.Overall) / 2
	}
}

// applyHallucination folds the risk review into the answer; an unsafe
// verdict degrades the answer rather than suppressing it.
func (a *Aggregator) applyHallucination(answer *queryhive.Answer, pr *queryhive.PipelineResult) {
	res, ok := pr.Results[queryhive.AgentHallucination]
	if !ok {
		return
	}
	report, ok := res.Payload.(queryhive.HallucinationReport)
	if !ok {
		return
	}
	answer.Hallucination = &report
	if !res.Success {
		return
	}
	switch report.Risk {
	case queryhive.RiskMedium:
		answer.Confidence *= 0.9
	case queryhive.RiskHigh:
		answer.Confidence *= 0.7
	case queryhive.RiskCritical:
		answer.Confidence *= 0.4
	}
	if !report.SafeToProceed {
		answer.Degraded = true
		answer.DegradedNote = fmt.Sprintf("hallucination risk %s", report.Risk)
	}
}

func (a *Aggregator) attachChart(answer *queryhive.Answer, pr *queryhive.PipelineResult) {
	res, ok := pr.Results[queryhive.AgentVisualization]
	if !ok || !res.Success {
		return
	}
	chart, ok := res.Payload.(queryhive.ChartSuggestion)
	if !ok || chart.ChartType == "" {
		return
	}
	answer.Chart = &chart
}

// refusal builds the structurally valid refused answer.
func (a *Aggregator) refusal(ctx context.Context, q queryhive.QueryContext, plan *queryhive.ExecutionPlan, pr *queryhive.PipelineResult, reason string) *queryhive.Answer {
	a.publish(ctx, eventbus.EventAnswerRefused, q.RequestID, map[string]any{"reason": reason})
	return &queryhive.Answer{
		Text:          fmt.Sprintf("I can't answer this question: %s.", reason),
		Confidence:    0,
		Validation:    plan.Validation,
		Refused:       true,
		RefusalReason: reason,
		ResourceUnits: pr.ResourceUnits,
		Elapsed:       pr.Elapsed,
	}
}

// invalidIntent reports a successful intent check that judged the query
// unanswerable.
func invalidIntent(pr *queryhive.PipelineResult) (string, bool) {
	res, ok := pr.Results[queryhive.AgentIntent]
	if !ok || !res.Success {
		return "", false
	}
	assessment, ok := res.Payload.(queryhive.IntentAssessment)
	if !ok || assessment.Valid {
		return "", false
	}
	reason := assessment.Reason
	if reason == "" {
		reason = "the query does not express an answerable question"
	}
	return reason, true
}

func (a *Aggregator) publish(ctx context.Context, eventType eventbus.EventType, requestID string, payload map[string]any) {
	if a.bus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, payload, "aggregator", map[string]any{"request_id": requestID})
	if err := a.bus.Publish(ctx, event); err != nil {
		a.logger.Debug("event publish failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}
