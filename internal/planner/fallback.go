package planner

import (
	"github.com/queryhive/queryhive"
)

// FallbackPlan is the fixed safe plan used when plan generation fails for any
// reason. It schedules every agent, queries every source kind in parallel
// with partial-results semantics and applies light validation, trading
// precision for guaranteed progress.
func FallbackPlan(q queryhive.QueryContext, sources []queryhive.SourceDescriptor, cfg queryhive.Config) *queryhive.ExecutionPlan {
	analysis := queryhive.QueryAnalysis{
		Complexity:      queryhive.ComplexityMedium,
		Type:            queryhive.QueryTypeFactual,
		NeedsStructured: true,
		NeedsDocuments:  true,
		NeedsExternal:   true,
		Confidence:      0.3,
	}

	strategy := queryhive.SourceStrategy{
		Order:   queryhive.OrderParallel,
		Timeout: queryhive.TimeoutPartialResults,
	}
	for _, src := range sources {
		scored := src
		scored.RelevanceScore = primaryThreshold
		strategy.Primary = append(strategy.Primary, scored)
	}

	plan := &queryhive.ExecutionPlan{
		Analysis:   analysis,
		Strategy:   strategy,
		Validation: queryhive.ValidationLight,
		Confidence: analysis.Confidence,
		Fallback:   true,
		Skipped: []queryhive.AgentKind{
			queryhive.AgentConsistency,
			queryhive.AgentHallucination,
			queryhive.AgentVisualization,
		},
		Stages: []queryhive.Stage{
			{
				Name:    StageScreening,
				Agents:  []queryhive.AgentKind{queryhive.AgentGuardrail, queryhive.AgentIntent},
				Timeout: cfg.StageTimeout,
			},
			{
				Name:      StageOptimization,
				Agents:    []queryhive.AgentKind{queryhive.AgentOptimizer},
				DependsOn: []string{StageScreening},
				Timeout:   cfg.StageTimeout,
			},
			{
				Name:      StageSourceRanking,
				Agents:    []queryhive.AgentKind{queryhive.AgentSourceFilter},
				DependsOn: []string{StageOptimization},
				Timeout:   cfg.StageTimeout,
			},
			{
				Name: StageSourceExecution,
				Agents: []queryhive.AgentKind{
					queryhive.AgentStructuredQuery,
					queryhive.AgentDocumentExtract,
					queryhive.AgentConnectorFetch,
				},
				DependsOn: []string{StageSourceRanking},
				Timeout:   cfg.StageTimeout,
			},
			{
				Name:      StageSynthesis,
				Agents:    []queryhive.AgentKind{queryhive.AgentSynthesis},
				DependsOn: []string{StageSourceExecution},
				Timeout:   cfg.StageTimeout,
			},
		},
		EstimatedDuration: cfg.MaxEstimatedDuration,
	}
	return plan
}
