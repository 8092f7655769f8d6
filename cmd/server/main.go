package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/agents"
	"github.com/queryhive/queryhive/internal/aggregate"
	"github.com/queryhive/queryhive/internal/cache"
	"github.com/queryhive/queryhive/internal/eventbus"
	"github.com/queryhive/queryhive/internal/executor"
	"github.com/queryhive/queryhive/internal/llm"
	"github.com/queryhive/queryhive/internal/planner"
	"github.com/queryhive/queryhive/internal/sources"
	"github.com/queryhive/queryhive/internal/telemetry"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	cfg := queryhive.DefaultConfig()

	client, err := buildLLMClient(logger)
	if err != nil {
		log.Fatalf("llm client init failed: %v", err)
	}

	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(cfg.EventBusBufferSize),
		eventbus.WithWorkerCount(cfg.EventBusWorkerCount),
		eventbus.WithLogger(logger),
	)
	if _, err := bus.SubscribeAll(func(_ context.Context, event eventbus.Event) error {
		logger.Debug("event", zap.String("type", string(event.Type())), zap.String("source", event.Source()))
		return nil
	}); err != nil {
		log.Fatalf("event subscription failed: %v", err)
	}

	memCache := cache.NewInMemoryCache(cfg.CacheCapacity, cache.WithLogger(logger))
	defer memCache.Stop()

	catalog := demoCatalog{}
	store := demoStore{}

	roster := []queryhive.Agent{
		agents.NewGuardrail(client, logger),
		agents.NewIntent(client, logger),
		agents.NewOptimizer(client, logger),
		agents.NewSourceFilter(nil, logger),
		agents.NewSynthesis(client, logger),
		agents.NewVisualization(client, logger),
		sources.NewStructuredQuery(client, store, cfg.MaxRows, bus, logger),
		sources.NewDocumentExtract(nil, 8, bus, logger),
		sources.NewConnectorFetch(nil, 10*time.Second, bus, logger),
		aggregate.NewConsistency(client, logger),
		aggregate.NewHallucination(logger),
	}

	engine, err := queryhive.New(
		queryhive.WithConfig(cfg),
		queryhive.WithPlanner(planner.New(cfg, client,
			planner.WithCache(memCache),
			planner.WithEventBus(bus),
			planner.WithLogger(logger))),
		queryhive.WithExecutor(executor.New(cfg, roster,
			executor.WithCache(memCache),
			executor.WithEventBus(bus),
			executor.WithLogger(logger))),
		queryhive.WithAggregator(aggregate.New(cfg,
			aggregate.WithEventBus(bus),
			aggregate.WithLogger(logger))),
		queryhive.WithCache(memCache),
		queryhive.WithCatalog(catalog),
		queryhive.WithTelemetry(telemetry.NewLogSink(logger)),
		queryhive.WithEventBus(bus),
		queryhive.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	defer engine.Close()

	answer, err := engine.Answer(ctx, queryhive.QueryContext{
		Query:       "Show the top 5 regions by revenue last quarter",
		WorkspaceID: "demo",
		UserID:      "demo-user",
	})
	if err != nil {
		logger.Warn("query finished with error", zap.Error(err))
	}
	if answer != nil {
		fmt.Printf("\nAnswer (confidence %.2f):\n%s\n", answer.Confidence, answer.Text)
		if len(answer.CitedSources) > 0 {
			fmt.Printf("Sources: %s\n", strings.Join(answer.CitedSources, ", "))
		}
	}
}

// buildLLMClient wires the provider chain: OpenAI when an API key is present,
// otherwise a canned local stub so the demo runs offline.
func buildLLMClient(logger *zap.Logger) (queryhive.LLMClient, error) {
	var providers []queryhive.LLMClient
	if os.Getenv("OPENAI_API_KEY") != "" {
		model, err := openai.New()
		if err != nil {
			return nil, err
		}
		providers = append(providers, llm.NewLangChainClient(model))
	}
	providers = append(providers, stubLLM{})
	return llm.NewFailover(providers,
		llm.WithRateLimit(5, 10),
		llm.WithCallTimeout(30*time.Second),
		llm.WithLogger(logger)), nil
}

// stubLLM returns canned JSON for each agent prompt so the full pipeline can
// run without network access.
type stubLLM struct{}

func (stubLLM) Call(_ context.Context, req queryhive.ChatRequest) (*queryhive.ChatResponse, error) {
	system := ""
	if len(req.Messages) > 0 {
		system = req.Messages[0].Text
	}
	switch {
	case strings.Contains(system, "classify"):
		return &queryhive.ChatResponse{Text: `{"complexity": "simple", "type": "factual", "needs_structured": true, "needs_documents": false, "needs_external": false, "needs_visualization": false, "confidence": 0.9}`, ResourceUnits: 10}, nil
	case strings.Contains(system, "safety"):
		return &queryhive.ChatResponse{Text: `{"allowed": true, "reason": ""}`, ResourceUnits: 5}, nil
	case strings.Contains(system, "answerable"):
		return &queryhive.ChatResponse{Text: `{"valid": true, "intent": "top regions by revenue", "reason": ""}`, ResourceUnits: 5}, nil
	case strings.Contains(system, "rewrite"):
		return &queryhive.ChatResponse{Text: `{"rewritten": "", "notes": []}`, ResourceUnits: 5}, nil
	case strings.Contains(system, "SQL"):
		return &queryhive.ChatResponse{Text: `{"statement": "SELECT region, SUM(revenue) AS revenue FROM sales GROUP BY region ORDER BY revenue DESC LIMIT 5"}`, ResourceUnits: 15}, nil
	case strings.Contains(system, "chart"):
		return &queryhive.ChatResponse{Text: `{"chart_type": "bar", "x_field": "region", "y_field": "revenue", "title": "Revenue by region"}`, ResourceUnits: 5}, nil
	case strings.Contains(system, "contradiction") || strings.Contains(system, "compare evidence"):
		return &queryhive.ChatResponse{Text: `{"sources": []}`, ResourceUnits: 5}, nil
	default:
		return &queryhive.ChatResponse{Text: `{"text": "The top regions by revenue last quarter were EMEA and APAC.", "cited_sources": ["sales-db"], "follow_ups": ["How does this compare to the previous quarter?"]}`, ResourceUnits: 20}, nil
	}
}

// demoCatalog exposes one structured source.
type demoCatalog struct{}

func (demoCatalog) ListSources(context.Context, string) ([]queryhive.SourceDescriptor, error) {
	return []queryhive.SourceDescriptor{
		{
			ID:          "sales-db",
			Name:        "Sales warehouse",
			Kind:        queryhive.SourceKindStructured,
			Fingerprint: "sales-v1",
			Summary:     "table sales(region text, revenue numeric, quarter text)",
		},
	}, nil
}

// demoStore serves a fixed result set for any statement.
type demoStore struct{}

func (demoStore) ExecuteQuery(context.Context, string, string, int) ([]string, []map[string]any, error) {
	return []string{"region", "revenue"}, []map[string]any{
		{"region": "EMEA", "revenue": 1250000},
		{"region": "APAC", "revenue": 980000},
		{"region": "AMER", "revenue": 870000},
	}, nil
}
