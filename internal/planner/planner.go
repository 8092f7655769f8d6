package planner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/cache"
	"github.com/queryhive/queryhive/internal/eventbus"
)

// Stage names used across the engine. The executor and aggregator key off
// these when reporting timings and states.
const (
	StageScreening       = "screening"
	StageOptimization    = "optimization"
	StageSourceRanking   = "source_ranking"
	StageSourceExecution = "source_execution"
	StageCrossCheck      = "cross_check"
	StageSynthesis       = "synthesis"
	StageVisualization   = "visualization"
)

// Per-kind base relevance weights. Sources whose kind the analysis asked for
// keep the full weight; unneeded kinds are halved, which drops them below the
// primary threshold into the fallback tier.
const (
	weightStructured = 0.8
	weightDocument   = 0.6
	weightConnector  = 0.4

	primaryThreshold = 0.5
)

// Planner builds execution plans from a two-tier classification and a static
// stage roster. It always returns a runnable plan: every internal failure
// degrades to the fixed fallback plan instead of erroring.
type Planner struct {
	cfg        queryhive.Config
	cache      queryhive.Cache
	bus        eventbus.EventBus
	classifier *classifier
	logger     *zap.Logger

	// flights collapses concurrent plan builds for the same key so a burst of
	// identical queries costs one classification.
	flights singleflight.Group
}

// Option configures the planner.
type Option func(*Planner)

// WithCache sets the plan and analysis cache.
func WithCache(c queryhive.Cache) Option {
	return func(p *Planner) { p.cache = c }
}

// WithEventBus sets the bus plan lifecycle events are published on.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(p *Planner) { p.bus = bus }
}

// WithLogger sets the planner's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

// New creates a planner. The LLM client may be nil, in which case only the
// heuristic classification tier runs.
func New(cfg queryhive.Config, client queryhive.LLMClient, opts ...Option) *Planner {
	p := &Planner{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.classifier = newClassifier(client, cfg.ClassifierThreshold, p.logger)
	return p
}

// BuildPlan implements queryhive.Planner.
func (p *Planner) BuildPlan(ctx context.Context, q queryhive.QueryContext, sources []queryhive.SourceDescriptor) (*queryhive.ExecutionPlan, error) {
	key := cache.PlanKey(q, sources)

	if cached, ok := p.cacheGet(ctx, key); ok {
		if plan, ok := cached.(*queryhive.ExecutionPlan); ok {
			p.publish(ctx, eventbus.EventPlanCacheHit, q.RequestID, map[string]any{"key": key})
			return plan, nil
		}
	}

	built, err, _ := p.flights.Do(key, func() (any, error) {
		return p.build(ctx, q, sources, key), nil
	})
	if err != nil {
		// The build closure never errors; singleflight surfaces ctx issues
		// from shared flights only.
		return FallbackPlan(q, sources, p.cfg), nil
	}
	return built.(*queryhive.ExecutionPlan), nil
}

func (p *Planner) build(ctx context.Context, q queryhive.QueryContext, sources []queryhive.SourceDescriptor, key string) *queryhive.ExecutionPlan {
	p.publish(ctx, eventbus.EventPlanGenerationStarted, q.RequestID, nil)

	analysis := p.analyze(ctx, q)
	plan := p.assemble(analysis, sources)

	if err := plan.Validate(); err != nil {
		p.logger.Error("assembled plan failed validation, falling back",
			zap.String("request_id", q.RequestID),
			zap.Error(err))
		fallback := FallbackPlan(q, sources, p.cfg)
		p.publish(ctx, eventbus.EventPlanGenerationFallback, q.RequestID, map[string]any{"reason": err.Error()})
		return fallback
	}

	p.cacheSet(ctx, key, plan, p.cfg.ShortTTL)
	p.publish(ctx, eventbus.EventPlanGenerationSuccess, q.RequestID, map[string]any{
		"complexity": string(analysis.Complexity),
		"stages":     len(plan.Stages),
	})
	return plan
}

// analyze returns the cached classification for the query text, running the
// classifier on a miss. Analyses are source-independent so they live under
// the long TTL class.
func (p *Planner) analyze(ctx context.Context, q queryhive.QueryContext) queryhive.QueryAnalysis {
	key := cache.AnalysisKey(q.Query)
	if cached, ok := p.cacheGet(ctx, key); ok {
		if analysis, ok := cached.(queryhive.QueryAnalysis); ok {
			return analysis
		}
	}
	analysis := p.classifier.Classify(ctx, q)
	p.cacheSet(ctx, key, analysis, p.cfg.LongTTL)
	return analysis
}

// assemble turns an analysis plus the available sources into the staged plan.
func (p *Planner) assemble(analysis queryhive.QueryAnalysis, sources []queryhive.SourceDescriptor) *queryhive.ExecutionPlan {
	order, policy := strategyFor(analysis.Complexity)
	strategy := partitionSources(analysis, sources, order, policy)

	plan := &queryhive.ExecutionPlan{
		Analysis:   analysis,
		Strategy:   strategy,
		Validation: validationFor(analysis.Complexity),
		Confidence: analysis.Confidence,
	}

	plan.Stages = append(plan.Stages, queryhive.Stage{
		Name:    StageScreening,
		Agents:  []queryhive.AgentKind{queryhive.AgentGuardrail, queryhive.AgentIntent},
		Timeout: p.cfg.StageTimeout,
	})
	prev := StageScreening

	if analysis.Complexity == queryhive.ComplexitySimple {
		plan.Skipped = append(plan.Skipped, queryhive.AgentOptimizer)
	} else {
		plan.Stages = append(plan.Stages, queryhive.Stage{
			Name:      StageOptimization,
			Agents:    []queryhive.AgentKind{queryhive.AgentOptimizer},
			DependsOn: []string{prev},
			Timeout:   p.cfg.StageTimeout,
			Condition: "$intent_validation.valid == true",
		})
		prev = StageOptimization
	}

	plan.Stages = append(plan.Stages, queryhive.Stage{
		Name:      StageSourceRanking,
		Agents:    []queryhive.AgentKind{queryhive.AgentSourceFilter},
		DependsOn: []string{prev},
		Timeout:   p.cfg.StageTimeout,
	})
	prev = StageSourceRanking

	fanout := fanoutAgents(strategy)
	plan.Stages = append(plan.Stages, queryhive.Stage{
		Name:      StageSourceExecution,
		Agents:    fanout,
		DependsOn: []string{prev},
		Timeout:   sourceStageTimeout(p.cfg.StageTimeout, policy),
	})
	prev = StageSourceExecution

	var checks []queryhive.AgentKind
	switch plan.Validation {
	case queryhive.ValidationMedium:
		checks = []queryhive.AgentKind{queryhive.AgentConsistency}
		plan.Skipped = append(plan.Skipped, queryhive.AgentHallucination)
	case queryhive.ValidationHeavy:
		checks = []queryhive.AgentKind{queryhive.AgentConsistency, queryhive.AgentHallucination}
	default:
		plan.Skipped = append(plan.Skipped, queryhive.AgentConsistency, queryhive.AgentHallucination)
	}
	if len(checks) > 0 {
		plan.Stages = append(plan.Stages, queryhive.Stage{
			Name:      StageCrossCheck,
			Agents:    checks,
			DependsOn: []string{prev},
			Timeout:   p.cfg.StageTimeout,
		})
		prev = StageCrossCheck
	}

	plan.Stages = append(plan.Stages, queryhive.Stage{
		Name:      StageSynthesis,
		Agents:    []queryhive.AgentKind{queryhive.AgentSynthesis},
		DependsOn: []string{prev},
		Timeout:   p.cfg.StageTimeout,
	})
	prev = StageSynthesis

	if analysis.NeedsVisualization {
		plan.Stages = append(plan.Stages, queryhive.Stage{
			Name:      StageVisualization,
			Agents:    []queryhive.AgentKind{queryhive.AgentVisualization},
			DependsOn: []string{prev},
			Timeout:   p.cfg.StageTimeout,
			Condition: "$synthesis.success == true",
		})
	} else {
		plan.Skipped = append(plan.Skipped, queryhive.AgentVisualization)
	}

	plan.EstimatedDuration = p.estimateDuration(plan)
	return plan
}

// estimateDuration budgets wall-clock time from the stage roster: a base per
// stage, an LLM surcharge for model-backed agents and a per-source surcharge
// for the fan-out. The estimate is capped so a pathological plan cannot claim
// an unbounded budget.
func (p *Planner) estimateDuration(plan *queryhive.ExecutionPlan) time.Duration {
	const (
		stageBase       = 500 * time.Millisecond
		llmSurcharge    = 2 * time.Second
		sourceSurcharge = 1500 * time.Millisecond
	)
	total := time.Duration(len(plan.Stages)) * stageBase
	for _, stage := range plan.Stages {
		for _, agent := range stage.Agents {
			switch agent {
			case queryhive.AgentStructuredQuery, queryhive.AgentDocumentExtract, queryhive.AgentConnectorFetch:
				total += sourceSurcharge
			default:
				total += llmSurcharge
			}
		}
	}
	total += time.Duration(len(plan.Strategy.Primary)) * sourceSurcharge
	if p.cfg.MaxEstimatedDuration > 0 && total > p.cfg.MaxEstimatedDuration {
		total = p.cfg.MaxEstimatedDuration
	}
	return total
}

func (p *Planner) cacheGet(ctx context.Context, key string) (any, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Get(ctx, key)
}

func (p *Planner) cacheSet(ctx context.Context, key string, value any, ttl time.Duration) {
	if p.cache != nil {
		p.cache.Set(ctx, key, value, ttl)
	}
}

func (p *Planner) publish(ctx context.Context, eventType eventbus.EventType, requestID string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, payload, "planner", map[string]any{"request_id": requestID})
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Debug("event publish failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}

// strategyFor maps complexity to the execution order and timeout policy.
func strategyFor(complexity queryhive.QueryComplexity) (queryhive.ExecutionOrder, queryhive.TimeoutPolicy) {
	switch complexity {
	case queryhive.ComplexitySimple:
		return queryhive.OrderParallel, queryhive.TimeoutFailFast
	case queryhive.ComplexityComplex:
		return queryhive.OrderHybrid, queryhive.TimeoutWaitAll
	default:
		return queryhive.OrderParallel, queryhive.TimeoutPartialResults
	}
}

// validationFor maps complexity to post-hoc checking depth.
func validationFor(complexity queryhive.QueryComplexity) queryhive.ValidationIntensity {
	switch complexity {
	case queryhive.ComplexitySimple:
		return queryhive.ValidationLight
	case queryhive.ComplexityComplex:
		return queryhive.ValidationHeavy
	default:
		return queryhive.ValidationMedium
	}
}

// partitionSources splits the catalog into primary and fallback tiers by
// weighted relevance.
func partitionSources(analysis queryhive.QueryAnalysis, sources []queryhive.SourceDescriptor, order queryhive.ExecutionOrder, policy queryhive.TimeoutPolicy) queryhive.SourceStrategy {
	strategy := queryhive.SourceStrategy{Order: order, Timeout: policy}
	for _, src := range sources {
		weight := kindWeight(src.Kind)
		if !kindNeeded(analysis, src.Kind) {
			weight /= 2
		}
		scored := src
		scored.RelevanceScore = weight
		if weight >= primaryThreshold {
			strategy.Primary = append(strategy.Primary, scored)
		} else {
			strategy.Fallback = append(strategy.Fallback, scored)
		}
	}
	return strategy
}

func kindWeight(kind queryhive.SourceKind) float64 {
	switch kind {
	case queryhive.SourceKindStructured:
		return weightStructured
	case queryhive.SourceKindDocument:
		return weightDocument
	default:
		return weightConnector
	}
}

func kindNeeded(analysis queryhive.QueryAnalysis, kind queryhive.SourceKind) bool {
	switch kind {
	case queryhive.SourceKindStructured:
		return analysis.NeedsStructured
	case queryhive.SourceKindDocument:
		return analysis.NeedsDocuments
	default:
		return analysis.NeedsExternal
	}
}

// fanoutAgents returns the per-kind execution agents the strategy requires.
// Kinds with no source at all are still scheduled when they appear only in
// the fallback tier; the agent decides at runtime whether fallbacks run.
func fanoutAgents(strategy queryhive.SourceStrategy) []queryhive.AgentKind {
	kinds := make(map[queryhive.SourceKind]bool)
	for _, src := range strategy.Primary {
		kinds[src.Kind] = true
	}
	for _, src := range strategy.Fallback {
		kinds[src.Kind] = true
	}

	var agents []queryhive.AgentKind
	if kinds[queryhive.SourceKindStructured] {
		agents = append(agents, queryhive.AgentStructuredQuery)
	}
	if kinds[queryhive.SourceKindDocument] {
		agents = append(agents, queryhive.AgentDocumentExtract)
	}
	if kinds[queryhive.SourceKindConnector] {
		agents = append(agents, queryhive.AgentConnectorFetch)
	}
	// No sources at all still yields a runnable plan; synthesis will refuse
	// with a structured answer instead of the executor erroring.
	if len(agents) == 0 {
		agents = append(agents, queryhive.AgentStructuredQuery)
	}
	return agents
}

// sourceStageTimeout widens the fan-out stage budget when the policy waits
// for stragglers.
func sourceStageTimeout(base time.Duration, policy queryhive.TimeoutPolicy) time.Duration {
	if policy == queryhive.TimeoutWaitAll {
		return base * 2
	}
	return base
}
