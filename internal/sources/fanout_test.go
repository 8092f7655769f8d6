package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
)

// scriptedStore fails, panics or answers per source ID.
type scriptedStore struct {
	failIDs  map[string]bool
	panicIDs map[string]bool
}

func (s scriptedStore) ExecuteQuery(_ context.Context, sourceID, _ string, _ int) ([]string, []map[string]any, error) {
	if s.panicIDs[sourceID] {
		panic("store blew up")
	}
	if s.failIDs[sourceID] {
		return nil, nil, errors.New("connection refused")
	}
	return []string{"region", "revenue"}, []map[string]any{{"region": "EMEA", "revenue": 100}}, nil
}

// cannedLLM returns the same statement for every call.
type cannedLLM struct {
	text string
	err  error
}

func (c cannedLLM) Call(context.Context, queryhive.ChatRequest) (*queryhive.ChatResponse, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &queryhive.ChatResponse{Text: c.text, ResourceUnits: 1}, nil
}

func structuredInput(ids ...string) queryhive.AgentInput {
	var primary []queryhive.SourceDescriptor
	for _, id := range ids {
		primary = append(primary, queryhive.SourceDescriptor{
			ID:   id,
			Kind: queryhive.SourceKindStructured,
		})
	}
	return queryhive.AgentInput{
		Query:    queryhive.QueryContext{RequestID: "req", Query: "revenue by region"},
		Strategy: queryhive.SourceStrategy{Primary: primary},
		Prior:    map[queryhive.AgentKind]queryhive.AgentResult{},
	}
}

func TestStructuredQuery_SourceIsolation(t *testing.T) {
	store := scriptedStore{
		failIDs:  map[string]bool{"bad": true},
		panicIDs: map[string]bool{"worse": true},
	}
	agent := NewStructuredQuery(
		cannedLLM{text: `{"statement": "SELECT region, revenue FROM sales LIMIT 10"}`},
		store, 100, nil, zap.NewNop())

	res, err := agent.Execute(context.Background(), structuredInput("good", "bad", "worse"))
	require.NoError(t, err)
	require.True(t, res.Success)

	set := res.Payload.(queryhive.SourceResultSet)
	require.Len(t, set.Results, 3)

	byID := make(map[string]queryhive.SourceResult)
	for _, sr := range set.Results {
		byID[sr.SourceID] = sr
	}

	assert.True(t, byID["good"].Success)
	assert.NotEmpty(t, byID["good"].Rows)

	assert.False(t, byID["bad"].Success)
	assert.Contains(t, byID["bad"].Error, "connection refused")

	assert.False(t, byID["worse"].Success)
	assert.Contains(t, byID["worse"].Error, "panic")
}

func TestStructuredQuery_BlockedStatementFailsSourceOnly(t *testing.T) {
	agent := NewStructuredQuery(
		cannedLLM{text: `{"statement": "DELETE FROM sales"}`},
		scriptedStore{}, 100, nil, zap.NewNop())

	res, err := agent.Execute(context.Background(), structuredInput("db"))
	require.NoError(t, err)

	set := res.Payload.(queryhive.SourceResultSet)
	require.Len(t, set.Results, 1)
	assert.False(t, set.Results[0].Success)
	assert.Contains(t, set.Results[0].Error, "unsafe statement")
	assert.Empty(t, set.Results[0].Rows, "a blocked statement must never reach the store")
}

func TestStructuredQuery_LLMFailureYieldsFailedSources(t *testing.T) {
	agent := NewStructuredQuery(
		cannedLLM{err: errors.New("model unavailable")},
		scriptedStore{}, 100, nil, zap.NewNop())

	res, err := agent.Execute(context.Background(), structuredInput("db"))
	require.NoError(t, err, "the agent itself never raises for per-source faults")

	set := res.Payload.(queryhive.SourceResultSet)
	require.Len(t, set.Results, 1)
	assert.False(t, set.Results[0].Success)
}

func TestRunner_FallbackTierRunsWhenPrimariesEmpty(t *testing.T) {
	r := runner{logger: zap.NewNop()}
	strategy := queryhive.SourceStrategy{
		Primary:  []queryhive.SourceDescriptor{{ID: "empty", Kind: queryhive.SourceKindStructured}},
		Fallback: []queryhive.SourceDescriptor{{ID: "backup", Kind: queryhive.SourceKindStructured}},
	}

	results := r.run(context.Background(), queryhive.QueryContext{}, queryhive.SourceKindStructured, strategy,
		func(_ context.Context, src queryhive.SourceDescriptor) queryhive.SourceResult {
			sr := queryhive.SourceResult{SourceID: src.ID, Success: true}
			if src.ID == "backup" {
				sr.Rows = []map[string]any{{"n": 1}}
				sr.Columns = []string{"n"}
			}
			return sr
		})

	require.Len(t, results, 2)
	assert.Equal(t, "empty", results[0].SourceID)
	assert.Equal(t, "backup", results[1].SourceID)
	assert.True(t, results[1].HasData())
}

func TestRunner_FallbackTierSkippedWhenPrimariesProduce(t *testing.T) {
	r := runner{logger: zap.NewNop()}
	strategy := queryhive.SourceStrategy{
		Primary:  []queryhive.SourceDescriptor{{ID: "main", Kind: queryhive.SourceKindStructured}},
		Fallback: []queryhive.SourceDescriptor{{ID: "backup", Kind: queryhive.SourceKindStructured}},
	}

	calls := 0
	results := r.run(context.Background(), queryhive.QueryContext{}, queryhive.SourceKindStructured, strategy,
		func(_ context.Context, src queryhive.SourceDescriptor) queryhive.SourceResult {
			calls++
			return queryhive.SourceResult{
				SourceID: src.ID,
				Success:  true,
				Rows:     []map[string]any{{"n": 1}},
			}
		})

	assert.Len(t, results, 1)
	assert.Equal(t, 1, calls, "fallback sources must not run when a primary produced data")
}

func TestDocumentExtract_PlausibilityGate(t *testing.T) {
	searched := false
	index := indexFunc(func(_ context.Context, _, _ string, _ int) ([]queryhive.Passage, error) {
		searched = true
		return []queryhive.Passage{{DocumentID: "d1", Excerpt: "irrelevant", Score: 0.9}}, nil
	})
	agent := NewDocumentExtract(index, 5, nil, zap.NewNop())

	input := queryhive.AgentInput{
		Query: queryhive.QueryContext{Query: "quarterly revenue breakdown"},
		Strategy: queryhive.SourceStrategy{Primary: []queryhive.SourceDescriptor{{
			ID:      "hr-handbook",
			Kind:    queryhive.SourceKindDocument,
			Summary: "vacation policy and onboarding checklists",
		}}},
		Prior: map[queryhive.AgentKind]queryhive.AgentResult{},
	}
	res, err := agent.Execute(context.Background(), input)
	require.NoError(t, err)

	set := res.Payload.(queryhive.SourceResultSet)
	require.Len(t, set.Results, 1)
	assert.True(t, set.Results[0].Success)
	assert.Empty(t, set.Results[0].Passages, "an implausible source yields an empty result, never fabricated passages")
	assert.False(t, searched, "implausible sources are not searched at all")
}

func TestDocumentExtract_DropsWeakPassages(t *testing.T) {
	index := indexFunc(func(_ context.Context, _, _ string, _ int) ([]queryhive.Passage, error) {
		return []queryhive.Passage{
			{DocumentID: "d1", Excerpt: "strong match", Score: 0.8},
			{DocumentID: "d2", Excerpt: "noise", Score: 0.05},
		}, nil
	})
	agent := NewDocumentExtract(index, 5, nil, zap.NewNop())

	input := queryhive.AgentInput{
		Query: queryhive.QueryContext{Query: "revenue targets"},
		Strategy: queryhive.SourceStrategy{Primary: []queryhive.SourceDescriptor{{
			ID:      "finance-docs",
			Kind:    queryhive.SourceKindDocument,
			Summary: "revenue planning documents",
		}}},
		Prior: map[queryhive.AgentKind]queryhive.AgentResult{},
	}
	res, err := agent.Execute(context.Background(), input)
	require.NoError(t, err)

	set := res.Payload.(queryhive.SourceResultSet)
	require.Len(t, set.Results, 1)
	require.Len(t, set.Results[0].Passages, 1)
	assert.Equal(t, "d1", set.Results[0].Passages[0].DocumentID)
}

func TestConnectorFetch_PerFetchTimeout(t *testing.T) {
	gateway := gatewayFunc(func(ctx context.Context, _, _ string) ([]map[string]any, error) {
		select {
		case <-time.After(time.Second):
			return []map[string]any{{"too": "late"}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	agent := NewConnectorFetch(gateway, 30*time.Millisecond, nil, zap.NewNop())

	input := queryhive.AgentInput{
		Query: queryhive.QueryContext{Query: "open tickets"},
		Strategy: queryhive.SourceStrategy{Primary: []queryhive.SourceDescriptor{{
			ID:   "ticketing",
			Kind: queryhive.SourceKindConnector,
		}}},
		Prior: map[queryhive.AgentKind]queryhive.AgentResult{},
	}
	res, err := agent.Execute(context.Background(), input)
	require.NoError(t, err)

	set := res.Payload.(queryhive.SourceResultSet)
	require.Len(t, set.Results, 1)
	assert.False(t, set.Results[0].Success)
}

// indexFunc adapts a function to the DocumentIndex interface.
type indexFunc func(ctx context.Context, sourceID, query string, limit int) ([]queryhive.Passage, error)

func (f indexFunc) Search(ctx context.Context, sourceID, query string, limit int) ([]queryhive.Passage, error) {
	return f(ctx, sourceID, query, limit)
}

// gatewayFunc adapts a function to the ConnectorGateway interface.
type gatewayFunc func(ctx context.Context, sourceID, query string) ([]map[string]any, error)

func (f gatewayFunc) Fetch(ctx context.Context, sourceID, query string) ([]map[string]any, error) {
	return f(ctx, sourceID, query)
}
