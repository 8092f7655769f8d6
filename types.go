package queryhive

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceKind categorizes a data origin. Each kind has its own executor.
type SourceKind string

const (
	// SourceKindStructured is a relational or otherwise queryable store.
	SourceKindStructured SourceKind = "structured_store"
	// SourceKindDocument is an indexed collection of uploaded documents.
	SourceKindDocument SourceKind = "document"
	// SourceKindConnector is an external third-party connector.
	SourceKindConnector SourceKind = "external_connector"
)

// Message is one turn of conversation history.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryContext is the immutable input for one request. It is created once by
// the request boundary and never mutated by the pipeline.
type QueryContext struct {
	RequestID       string    `json:"request_id"`
	Query           string    `json:"query"`
	WorkspaceID     string    `json:"workspace_id"`
	UserID          string    `json:"user_id"`
	History         []Message `json:"history,omitempty"`
	SelectedSources []string  `json:"selected_sources,omitempty"`
}

// Scope returns the user scope component used in cache keys.
func (q QueryContext) Scope() string {
	return q.WorkspaceID + "/" + q.UserID
}

// SourceDescriptor describes one available data source. RelevanceScore is
// recomputed per query by the source filter and is never persisted.
type SourceDescriptor struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           SourceKind `json:"kind"`
	Fingerprint    string     `json:"fingerprint"`
	Summary        string     `json:"summary"`
	RelevanceScore float64    `json:"relevance_score,omitempty"`
}

// QueryComplexity buckets a query by how much work answering it takes.
type QueryComplexity string

const (
	ComplexitySimple  QueryComplexity = "simple"
	ComplexityMedium  QueryComplexity = "medium"
	ComplexityComplex QueryComplexity = "complex"
)

// QueryType classifies the shape of the question being asked.
type QueryType string

const (
	QueryTypeFactual        QueryType = "factual"
	QueryTypeAnalytical     QueryType = "analytical"
	QueryTypeComparative    QueryType = "comparative"
	QueryTypePredictive     QueryType = "predictive"
	QueryTypeConversational QueryType = "conversational"
)

// QueryAnalysis is the classifier's verdict on a query. It is cached under a
// query-text-only key since it is source-independent.
type QueryAnalysis struct {
	Complexity         QueryComplexity `json:"complexity"`
	Type               QueryType       `json:"type"`
	NeedsStructured    bool            `json:"needs_structured"`
	NeedsDocuments     bool            `json:"needs_documents"`
	NeedsExternal      bool            `json:"needs_external"`
	NeedsVisualization bool            `json:"needs_visualization"`
	Confidence         float64         `json:"confidence"`
}

// ExecutionOrder is the data-source execution strategy.
type ExecutionOrder string

const (
	OrderParallel   ExecutionOrder = "parallel"
	OrderSequential ExecutionOrder = "sequential"
	OrderHybrid     ExecutionOrder = "hybrid"
)

// TimeoutPolicy controls how a stage timeout is handled.
type TimeoutPolicy string

const (
	// TimeoutFailFast aborts the remaining stages and surfaces partial results.
	TimeoutFailFast TimeoutPolicy = "fail_fast"
	// TimeoutWaitAll blocks until every agent of the stage resolves.
	TimeoutWaitAll TimeoutPolicy = "wait_all"
	// TimeoutPartialResults proceeds with whatever resolved in time.
	TimeoutPartialResults TimeoutPolicy = "partial_results"
)

// ValidationIntensity is the depth of post-hoc answer checking.
type ValidationIntensity string

const (
	ValidationLight  ValidationIntensity = "light"
	ValidationMedium ValidationIntensity = "medium"
	ValidationHeavy  ValidationIntensity = "heavy"
)

// AgentKind identifies one capability agent.
type AgentKind string

const (
	AgentGuardrail       AgentKind = "guardrail"
	AgentIntent          AgentKind = "intent_validation"
	AgentOptimizer       AgentKind = "query_optimizer"
	AgentSourceFilter    AgentKind = "source_filter"
	AgentStructuredQuery AgentKind = "structured_query"
	AgentDocumentExtract AgentKind = "document_extract"
	AgentConnectorFetch  AgentKind = "connector_fetch"
	AgentConsistency     AgentKind = "consistency_check"
	AgentHallucination   AgentKind = "hallucination_check"
	AgentSynthesis       AgentKind = "synthesis"
	AgentVisualization   AgentKind = "visualization"
)

// agentDependencies declares which agents must have resolved before an agent
// may be scheduled. The plan validates stage ordering against this map so a
// synthesis agent can never precede source execution through construction
// order alone.
var agentDependencies = map[AgentKind][]AgentKind{
	AgentOptimizer:       {AgentGuardrail, AgentIntent},
	AgentSourceFilter:    {AgentGuardrail, AgentIntent},
	AgentStructuredQuery: {AgentSourceFilter},
	AgentDocumentExtract: {AgentSourceFilter},
	AgentConnectorFetch:  {AgentSourceFilter},
	AgentConsistency:     {AgentStructuredQuery, AgentDocumentExtract, AgentConnectorFetch},
	AgentHallucination:   {AgentStructuredQuery, AgentDocumentExtract, AgentConnectorFetch},
	AgentSynthesis:       {AgentStructuredQuery, AgentDocumentExtract, AgentConnectorFetch},
	AgentVisualization:   {AgentSynthesis},
}

// SourceStrategy is the planner's per-source-type execution strategy.
type SourceStrategy struct {
	Primary  []SourceDescriptor `json:"primary"`
	Fallback []SourceDescriptor `json:"fallback"`
	Order    ExecutionOrder     `json:"order"`
	Timeout  TimeoutPolicy      `json:"timeout"`
}

// PrimaryByKind returns the primary sources of the given kind.
func (s SourceStrategy) PrimaryByKind(kind SourceKind) []SourceDescriptor {
	var out []SourceDescriptor
	for _, src := range s.Primary {
		if src.Kind == kind {
			out = append(out, src)
		}
	}
	return out
}

// Stage is a set of agents scheduled to run concurrently. Stages declare
// their dependencies explicitly; the plan validates topological consistency
// instead of trusting construction order.
type Stage struct {
	Name      string        `json:"name"`
	Agents    []AgentKind   `json:"agents"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Timeout   time.Duration `json:"timeout"`
	// Condition is an optional expression evaluated against accumulated
	// results (e.g. "$intent_validation.valid == true"). An empty condition
	// always runs.
	Condition string `json:"condition,omitempty"`
}

// ExecutionPlan is the planner's cacheable decision artifact.
type ExecutionPlan struct {
	Analysis          QueryAnalysis       `json:"analysis"`
	Stages            []Stage             `json:"stages"`
	Skipped           []AgentKind         `json:"skipped,omitempty"`
	Strategy          SourceStrategy      `json:"strategy"`
	Validation        ValidationIntensity `json:"validation"`
	EstimatedDuration time.Duration       `json:"estimated_duration"`
	Confidence        float64             `json:"confidence"`
	Fallback          bool                `json:"fallback,omitempty"`
}

// IsSkipped reports whether the plan explicitly marked an agent skipped.
func (p *ExecutionPlan) IsSkipped(kind AgentKind) bool {
	for _, k := range p.Skipped {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate checks that the stage list is topologically consistent with the
// declared agent dependencies: every dependency of every scheduled agent
// resolves in a strictly earlier stage, or was explicitly left out of the
// plan.
func (p *ExecutionPlan) Validate() error {
	if len(p.Stages) == 0 {
		return NewPlanValidationError("plan contains no stages", nil)
	}
	seenStages := make(map[string]int, len(p.Stages))
	stageOf := make(map[AgentKind]int)
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return NewPlanValidationError(fmt.Sprintf("stage %d has no name", i), nil)
		}
		if _, dup := seenStages[stage.Name]; dup {
			return NewPlanValidationError(fmt.Sprintf("duplicate stage name %q", stage.Name), nil)
		}
		for _, dep := range stage.DependsOn {
			depIdx, ok := seenStages[dep]
			if !ok {
				return NewPlanValidationError(fmt.Sprintf("stage %q depends on unknown or later stage %q", stage.Name, dep), nil)
			}
			if depIdx >= i {
				return NewPlanValidationError(fmt.Sprintf("stage %q has a non-causal dependency on %q", stage.Name, dep), nil)
			}
		}
		seenStages[stage.Name] = i
		for _, agent := range stage.Agents {
			if prev, dup := stageOf[agent]; dup {
				return NewPlanValidationError(fmt.Sprintf("agent %s scheduled in both stage %q and %q", agent, p.Stages[prev].Name, stage.Name), nil)
			}
			stageOf[agent] = i
		}
	}
	for agent, idx := range stageOf {
		for _, dep := range agentDependencies[agent] {
			depIdx, scheduled := stageOf[dep]
			if !scheduled {
				// A dependency may be legitimately absent: skipped agents and
				// source kinds the strategy excludes are planner decisions.
				continue
			}
			if depIdx >= idx {
				return NewPlanValidationError(fmt.Sprintf("agent %s scheduled in stage %q before its dependency %s", agent, p.Stages[idx].Name, dep), nil)
			}
		}
	}
	return nil
}

// AgentPayload is a closed tagged union over agent result payloads. Every
// payload type lives in this package and implements the unexported marker so
// downstream stages can switch on concrete types without nil checks.
type AgentPayload interface {
	agentKind() AgentKind
}

// GuardrailVerdict is the content-safety outcome.
type GuardrailVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func (GuardrailVerdict) agentKind() AgentKind { return AgentGuardrail }

// IntentAssessment reports whether the query expresses an answerable intent.
type IntentAssessment struct {
	Valid  bool   `json:"valid"`
	Intent string `json:"intent,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (IntentAssessment) agentKind() AgentKind { return AgentIntent }

// RewrittenQuery is the optimizer's output.
type RewrittenQuery struct {
	Original  string   `json:"original"`
	Rewritten string   `json:"rewritten"`
	Notes     []string `json:"notes,omitempty"`
}

func (RewrittenQuery) agentKind() AgentKind { return AgentOptimizer }

// RankedSources is the source filter's output: the per-query relevance
// ranking of the strategy's sources.
type RankedSources struct {
	Primary  []SourceDescriptor `json:"primary"`
	Fallback []SourceDescriptor `json:"fallback"`
}

func (RankedSources) agentKind() AgentKind { return AgentSourceFilter }

// Passage is one extracted document fragment.
type Passage struct {
	DocumentID string  `json:"document_id"`
	Excerpt    string  `json:"excerpt"`
	Score      float64 `json:"score"`
}

// SourceResult is the outcome for one individual source within a fan-out.
type SourceResult struct {
	SourceID      string           `json:"source_id"`
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
	Statement     string           `json:"statement,omitempty"`
	Columns       []string         `json:"columns,omitempty"`
	Rows          []map[string]any `json:"rows,omitempty"`
	Passages      []Passage        `json:"passages,omitempty"`
	Records       []map[string]any `json:"records,omitempty"`
	RiskScore     float64          `json:"risk_score,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	Elapsed       time.Duration    `json:"elapsed"`
	ResourceUnits int              `json:"resource_units"`
}

// HasData reports whether the source produced any rows, passages or records.
func (r SourceResult) HasData() bool {
	return len(r.Rows) > 0 || len(r.Passages) > 0 || len(r.Records) > 0
}

// SourceResultSet is the payload of a per-kind source execution agent.
type SourceResultSet struct {
	Kind    SourceKind     `json:"kind"`
	Results []SourceResult `json:"results"`
}

func (s SourceResultSet) agentKind() AgentKind {
	switch s.Kind {
	case SourceKindDocument:
		return AgentDocumentExtract
	case SourceKindConnector:
		return AgentConnectorFetch
	default:
		return AgentStructuredQuery
	}
}

// ValidationStatus is the cross-source consistency verdict for one source.
type ValidationStatus string

const (
	StatusValidated    ValidationStatus = "validated"
	StatusInconsistent ValidationStatus = "inconsistent"
	StatusUnverified   ValidationStatus = "unverified"
	StatusContradicted ValidationStatus = "contradicted"
)

// SourceValidation is the consistency outcome for one source.
type SourceValidation struct {
	SourceID   string           `json:"source_id"`
	Status     ValidationStatus `json:"status"`
	Confidence float64          `json:"confidence"`
}

// ConsistencyReport is the medium-validation cross-source pass.
type ConsistencyReport struct {
	Sources []SourceValidation `json:"sources"`
	Overall float64            `json:"overall"`
}

func (ConsistencyReport) agentKind() AgentKind { return AgentConsistency }

// CheckStatus is the outcome of one hallucination-risk check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckWarning CheckStatus = "warning"
)

// CheckResult is one independent hallucination-risk check.
type CheckResult struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// RiskLevel escalates with the number of failed checks.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// HallucinationReport is the heavy-validation risk pass.
type HallucinationReport struct {
	Checks        []CheckResult `json:"checks"`
	Risk          RiskLevel     `json:"risk"`
	SafeToProceed bool          `json:"safe_to_proceed"`
}

func (HallucinationReport) agentKind() AgentKind { return AgentHallucination }

// SynthesizedAnswer is the synthesis agent's composed answer.
type SynthesizedAnswer struct {
	Text         string   `json:"text"`
	CitedSources []string `json:"cited_sources,omitempty"`
	FollowUps    []string `json:"follow_ups,omitempty"`
}

func (SynthesizedAnswer) agentKind() AgentKind { return AgentSynthesis }

// ChartSuggestion is the visualization agent's output.
type ChartSuggestion struct {
	ChartType string `json:"chart_type"`
	XField    string `json:"x_field,omitempty"`
	YField    string `json:"y_field,omitempty"`
	Title     string `json:"title,omitempty"`
}

func (ChartSuggestion) agentKind() AgentKind { return AgentVisualization }

// AgentResult is the uniform result shape every agent resolves to. Agents
// never raise: on failure Payload carries a typed fallback value, Success is
// false, FallbackReason explains why, and Confidence stays at or below 0.3.
type AgentResult struct {
	Agent          AgentKind     `json:"agent"`
	Success        bool          `json:"success"`
	Confidence     float64       `json:"confidence"`
	Elapsed        time.Duration `json:"elapsed"`
	ResourceUnits  int           `json:"resource_units"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
	Payload        AgentPayload  `json:"payload"`
}

// UnmarshalJSON decodes the payload into the concrete type named by the
// Agent field. A plain decode would leave Payload as map[string]any, which
// no consumer can type-assert.
func (r *AgentResult) UnmarshalJSON(data []byte) error {
	type alias AgentResult
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Payload = nil
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	payload, err := decodePayload(r.Agent, aux.Payload)
	if err != nil {
		return err
	}
	r.Payload = payload
	return nil
}

func decodePayload(kind AgentKind, data []byte) (AgentPayload, error) {
	switch kind {
	case AgentGuardrail:
		var p GuardrailVerdict
		return p, json.Unmarshal(data, &p)
	case AgentIntent:
		var p IntentAssessment
		return p, json.Unmarshal(data, &p)
	case AgentOptimizer:
		var p RewrittenQuery
		return p, json.Unmarshal(data, &p)
	case AgentSourceFilter:
		var p RankedSources
		return p, json.Unmarshal(data, &p)
	case AgentStructuredQuery, AgentDocumentExtract, AgentConnectorFetch:
		var p SourceResultSet
		return p, json.Unmarshal(data, &p)
	case AgentConsistency:
		var p ConsistencyReport
		return p, json.Unmarshal(data, &p)
	case AgentHallucination:
		var p HallucinationReport
		return p, json.Unmarshal(data, &p)
	case AgentVisualization:
		var p ChartSuggestion
		return p, json.Unmarshal(data, &p)
	case AgentSynthesis:
		var p SynthesizedAnswer
		return p, json.Unmarshal(data, &p)
	}
	return nil, fmt.Errorf("no payload type for agent kind %q", kind)
}

// FallbackPayload returns the structurally valid degraded payload for an
// agent kind. Downstream stages rely on every kind having one.
func FallbackPayload(kind AgentKind) AgentPayload {
	switch kind {
	case AgentGuardrail:
		// The heuristic screening tier already ran; an upstream fault in the
		// LLM tier must not lock every user out.
		return GuardrailVerdict{Allowed: true, Reason: "heuristic verdict only"}
	case AgentIntent:
		return IntentAssessment{Valid: true, Reason: "intent not verified"}
	case AgentOptimizer:
		return RewrittenQuery{}
	case AgentSourceFilter:
		return RankedSources{}
	case AgentStructuredQuery:
		return SourceResultSet{Kind: SourceKindStructured}
	case AgentDocumentExtract:
		return SourceResultSet{Kind: SourceKindDocument}
	case AgentConnectorFetch:
		return SourceResultSet{Kind: SourceKindConnector}
	case AgentConsistency:
		return ConsistencyReport{}
	case AgentHallucination:
		return HallucinationReport{Risk: RiskLow, SafeToProceed: true}
	case AgentVisualization:
		return ChartSuggestion{}
	default:
		return SynthesizedAnswer{}
	}
}

// DegradedResult builds the never-raises fallback result for an agent kind.
func DegradedResult(kind AgentKind, reason string, elapsed time.Duration) AgentResult {
	return AgentResult{
		Agent:          kind,
		Success:        false,
		Confidence:     0.3,
		Elapsed:        elapsed,
		FallbackReason: reason,
		Payload:        FallbackPayload(kind),
	}
}

// AgentInput is the immutable snapshot handed to an agent. Prior holds the
// results of all completed stages; agents must not depend on members of
// their own or later stages.
type AgentInput struct {
	Query    QueryContext
	Analysis QueryAnalysis
	Strategy SourceStrategy
	Prior    map[AgentKind]AgentResult
}

// EffectiveQuery returns the optimizer's rewrite when one exists, else the
// raw query text.
func (in AgentInput) EffectiveQuery() string {
	if res, ok := in.Prior[AgentOptimizer]; ok && res.Success {
		if rw, ok := res.Payload.(RewrittenQuery); ok && rw.Rewritten != "" {
			return rw.Rewritten
		}
	}
	return in.Query.Query
}

// RankedStrategy returns the source filter's ranking when available, falling
// back to the plan's static strategy.
func (in AgentInput) RankedStrategy() SourceStrategy {
	if res, ok := in.Prior[AgentSourceFilter]; ok {
		if ranked, ok := res.Payload.(RankedSources); ok && len(ranked.Primary)+len(ranked.Fallback) > 0 {
			return SourceStrategy{
				Primary:  ranked.Primary,
				Fallback: ranked.Fallback,
				Order:    in.Strategy.Order,
				Timeout:  in.Strategy.Timeout,
			}
		}
	}
	return in.Strategy
}

// StageState tracks one stage through the executor's state machine.
type StageState string

const (
	StagePending  StageState = "pending"
	StageRunning  StageState = "running"
	StageDone     StageState = "done"
	StageTimedOut StageState = "timed_out"
	StageAborted  StageState = "aborted"
	StageSkipped  StageState = "skipped"
)

// Rejection is the structured refusal produced when the guardrail stage
// denies a query.
type Rejection struct {
	Agent  AgentKind `json:"agent"`
	Reason string    `json:"reason"`
}

// PipelineResult is the executor's output: every resolved agent result plus
// the per-stage states.
type PipelineResult struct {
	Results       map[AgentKind]AgentResult `json:"results"`
	StageStates   map[string]StageState     `json:"stage_states"`
	StageTimings  map[string]time.Duration  `json:"stage_timings,omitempty"`
	Aborted       bool                      `json:"aborted,omitempty"`
	AbortReason   string                    `json:"abort_reason,omitempty"`
	Rejection     *Rejection                `json:"rejection,omitempty"`
	Elapsed       time.Duration             `json:"elapsed"`
	ResourceUnits int                       `json:"resource_units"`
}

// SourceResults collects every per-source result across the fan-out agents.
func (pr *PipelineResult) SourceResults() []SourceResult {
	var out []SourceResult
	for _, kind := range []AgentKind{AgentStructuredQuery, AgentDocumentExtract, AgentConnectorFetch} {
		res, ok := pr.Results[kind]
		if !ok {
			continue
		}
		if set, ok := res.Payload.(SourceResultSet); ok {
			out = append(out, set.Results...)
		}
	}
	return out
}

// Answer is the final aggregated result returned to the caller.
type Answer struct {
	Text          string               `json:"text"`
	CitedSources  []string             `json:"cited_sources,omitempty"`
	FollowUps     []string             `json:"follow_ups,omitempty"`
	Confidence    float64              `json:"confidence"`
	Validation    ValidationIntensity  `json:"validation"`
	Consistency   *ConsistencyReport   `json:"consistency,omitempty"`
	Hallucination *HallucinationReport `json:"hallucination,omitempty"`
	Chart         *ChartSuggestion     `json:"chart,omitempty"`
	Degraded      bool                 `json:"degraded,omitempty"`
	DegradedNote  string               `json:"degraded_note,omitempty"`
	Refused       bool                 `json:"refused,omitempty"`
	RefusalReason string               `json:"refusal_reason,omitempty"`
	ResourceUnits int                  `json:"resource_units"`
	Elapsed       time.Duration        `json:"elapsed"`
}

// ChatRequest is one call to the LLM invocation service.
type ChatRequest struct {
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature,omitempty"`
	MaxOutputTokens  int       `json:"max_output_tokens,omitempty"`
	StructuredOutput bool      `json:"structured_output,omitempty"`
}

// ChatResponse is the LLM invocation service's reply.
type ChatResponse struct {
	Text          string `json:"text"`
	ResourceUnits int    `json:"resource_units"`
}

// UsageRecord is the telemetry written after each request. Writes are best
// effort; a failing sink never fails the request.
type UsageRecord struct {
	RequestID     string                   `json:"request_id"`
	WorkspaceID   string                   `json:"workspace_id"`
	Query         string                   `json:"query"`
	Complexity    QueryComplexity          `json:"complexity"`
	StageTimings  map[string]time.Duration `json:"stage_timings,omitempty"`
	ResourceUnits int                      `json:"resource_units"`
	Confidence    float64                  `json:"confidence"`
	Elapsed       time.Duration            `json:"elapsed"`
	Refused       bool                     `json:"refused,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// CacheStats is the hit/miss accounting a cache exposes.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}
