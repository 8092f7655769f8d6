package sources

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/eventbus"
)

// Minimum retrieval score a passage needs to be used as evidence. Anything
// the index barely matched reads like an answer but isn't one.
const minPassageScore = 0.2

// DocumentExtract searches the document indexes for passages answering the
// query. Sources whose summary shows no plausible overlap with the query are
// skipped with an empty result rather than searched, and weak passages are
// dropped, so the evidence handed to synthesis never contains filler.
type DocumentExtract struct {
	index        queryhive.DocumentIndex
	passageLimit int
	runner       runner
	logger       *zap.Logger
}

// NewDocumentExtract creates the document fan-out agent.
func NewDocumentExtract(index queryhive.DocumentIndex, passageLimit int, bus eventbus.EventBus, logger *zap.Logger) *DocumentExtract {
	if logger == nil {
		logger = zap.NewNop()
	}
	if passageLimit <= 0 {
		passageLimit = 8
	}
	return &DocumentExtract{
		index:        index,
		passageLimit: passageLimit,
		runner:       runner{bus: bus, logger: logger},
		logger:       logger,
	}
}

// Kind implements queryhive.Agent.
func (a *DocumentExtract) Kind() queryhive.AgentKind { return queryhive.AgentDocumentExtract }

// Execute implements queryhive.Agent.
func (a *DocumentExtract) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()
	strategy := input.RankedStrategy()

	results := a.runner.run(ctx, input.Query, queryhive.SourceKindDocument, strategy, func(ctx context.Context, src queryhive.SourceDescriptor) queryhive.SourceResult {
		return a.searchSource(ctx, input, src)
	})

	return queryhive.AgentResult{
		Agent:      queryhive.AgentDocumentExtract,
		Success:    true,
		Confidence: fanoutConfidence(results),
		Elapsed:    time.Since(start),
		Payload:    queryhive.SourceResultSet{Kind: queryhive.SourceKindDocument, Results: results},
	}, nil
}

func (a *DocumentExtract) searchSource(ctx context.Context, input queryhive.AgentInput, src queryhive.SourceDescriptor) queryhive.SourceResult {
	start := time.Now()
	result := queryhive.SourceResult{SourceID: src.ID}

	if !plausible(input.EffectiveQuery(), src.Summary) {
		// Empty but successful: the source has nothing on this topic.
		result.Success = true
		result.Elapsed = time.Since(start)
		return result
	}

	if a.index == nil {
		result.Error = "no document index configured"
		result.Elapsed = time.Since(start)
		return result
	}
	passages, err := a.index.Search(ctx, src.ID, input.EffectiveQuery(), a.passageLimit)
	if err != nil {
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		return result
	}

	for _, p := range passages {
		if p.Score >= minPassageScore {
			result.Passages = append(result.Passages, p)
		}
	}
	result.Success = true
	result.Elapsed = time.Since(start)
	return result
}

// plausible reports whether the source's summary shares any content word
// with the query. An empty summary is treated as plausible since there is
// nothing to judge against.
func plausible(query, summary string) bool {
	if strings.TrimSpace(summary) == "" {
		return true
	}
	summaryLower := strings.ToLower(summary)
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,?!\"'")
		if len(word) < 4 {
			continue
		}
		if strings.Contains(summaryLower, word) {
			return true
		}
	}
	return false
}
