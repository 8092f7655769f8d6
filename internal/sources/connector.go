package sources

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/eventbus"
)

// ConnectorFetch pulls records from external connectors. Connectors are the
// least trusted tier: each gets its own deadline so one slow integration
// cannot eat the stage budget.
type ConnectorFetch struct {
	gateway  queryhive.ConnectorGateway
	perFetch time.Duration
	runner   runner
	logger   *zap.Logger
}

// NewConnectorFetch creates the external-connector fan-out agent.
func NewConnectorFetch(gateway queryhive.ConnectorGateway, perFetch time.Duration, bus eventbus.EventBus, logger *zap.Logger) *ConnectorFetch {
	if logger == nil {
		logger = zap.NewNop()
	}
	if perFetch <= 0 {
		perFetch = 10 * time.Second
	}
	return &ConnectorFetch{
		gateway:  gateway,
		perFetch: perFetch,
		runner:   runner{bus: bus, logger: logger},
		logger:   logger,
	}
}

// Kind implements queryhive.Agent.
func (a *ConnectorFetch) Kind() queryhive.AgentKind { return queryhive.AgentConnectorFetch }

// Execute implements queryhive.Agent.
func (a *ConnectorFetch) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()
	strategy := input.RankedStrategy()

	results := a.runner.run(ctx, input.Query, queryhive.SourceKindConnector, strategy, func(ctx context.Context, src queryhive.SourceDescriptor) queryhive.SourceResult {
		return a.fetchSource(ctx, input, src)
	})

	return queryhive.AgentResult{
		Agent:      queryhive.AgentConnectorFetch,
		Success:    true,
		Confidence: fanoutConfidence(results),
		Elapsed:    time.Since(start),
		Payload:    queryhive.SourceResultSet{Kind: queryhive.SourceKindConnector, Results: results},
	}, nil
}

func (a *ConnectorFetch) fetchSource(ctx context.Context, input queryhive.AgentInput, src queryhive.SourceDescriptor) queryhive.SourceResult {
	start := time.Now()
	result := queryhive.SourceResult{SourceID: src.ID}

	if a.gateway == nil {
		result.Error = "no connector gateway configured"
		result.Elapsed = time.Since(start)
		return result
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.perFetch)
	defer cancel()

	records, err := a.gateway.Fetch(fetchCtx, src.ID, input.EffectiveQuery())
	if err != nil {
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		return result
	}
	result.Success = true
	result.Records = records
	result.Elapsed = time.Since(start)
	return result
}
