package agents

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
)

// The relevance assigned to every source when embedding fails. Low enough to
// signal degraded ranking, high enough to keep primaries above the cut.
const fallbackRelevance = 0.5

// SourceFilter re-ranks the strategy's sources by semantic relevance to the
// effective query, using embedding cosine similarity between the query and
// each source's summary. An embedding fault degrades to a fixed relevance so
// the static strategy ordering survives.
type SourceFilter struct {
	embedder queryhive.Embedder
	logger   *zap.Logger
}

// NewSourceFilter creates the relevance-ranking agent. The embedder may be
// nil, in which case the static strategy passes through unranked.
func NewSourceFilter(embedder queryhive.Embedder, logger *zap.Logger) *SourceFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceFilter{embedder: embedder, logger: logger}
}

// Kind implements queryhive.Agent.
func (f *SourceFilter) Kind() queryhive.AgentKind { return queryhive.AgentSourceFilter }

// Execute implements queryhive.Agent.
func (f *SourceFilter) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()

	primary := append([]queryhive.SourceDescriptor(nil), input.Strategy.Primary...)
	fallback := append([]queryhive.SourceDescriptor(nil), input.Strategy.Fallback...)

	confidence := 0.5
	if f.embedder != nil {
		queryVec, err := f.embedder.Embed(ctx, input.EffectiveQuery())
		if err != nil {
			f.logger.Warn("query embedding failed, keeping static ranking",
				zap.String("request_id", input.Query.RequestID),
				zap.Error(err))
			assignFixed(primary)
			assignFixed(fallback)
		} else {
			f.rank(ctx, queryVec, primary)
			f.rank(ctx, queryVec, fallback)
			confidence = 0.85
		}
	}

	return queryhive.AgentResult{
		Agent:      queryhive.AgentSourceFilter,
		Success:    true,
		Confidence: confidence,
		Elapsed:    time.Since(start),
		Payload:    queryhive.RankedSources{Primary: primary, Fallback: fallback},
	}, nil
}

// rank scores each source by cosine similarity of its summary to the query
// and sorts descending. Individual embedding failures degrade that source
// only.
func (f *SourceFilter) rank(ctx context.Context, queryVec []float32, sources []queryhive.SourceDescriptor) {
	for i := range sources {
		text := sources[i].Summary
		if text == "" {
			text = sources[i].Name
		}
		vec, err := f.embedder.Embed(ctx, text)
		if err != nil {
			sources[i].RelevanceScore = fallbackRelevance
			continue
		}
		sources[i].RelevanceScore = cosine(queryVec, vec)
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].RelevanceScore > sources[j].RelevanceScore
	})
}

func assignFixed(sources []queryhive.SourceDescriptor) {
	for i := range sources {
		sources[i].RelevanceScore = fallbackRelevance
	}
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
