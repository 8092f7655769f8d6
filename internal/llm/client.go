// Package llm provides LLM invocation clients: provider adapters plus a
// failover wrapper with rate limiting. Callers treat the service as opaque
// and degrade to heuristic logic when every provider is unavailable.
package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/queryhive/queryhive"
)

// Failover chains a primary provider with fallbacks. Every call is rate
// limited and bounded by a per-call timeout; the next provider is tried only
// after the previous one failed.
type Failover struct {
	providers []queryhive.LLMClient
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

// FailoverOption configures a Failover client.
type FailoverOption func(*Failover)

// WithRateLimit caps outgoing calls per second across all providers.
func WithRateLimit(perSecond float64, burst int) FailoverOption {
	return func(f *Failover) {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithCallTimeout bounds each individual provider call.
func WithCallTimeout(timeout time.Duration) FailoverOption {
	return func(f *Failover) {
		f.timeout = timeout
	}
}

// WithLogger sets the logger for provider failures.
func WithLogger(logger *zap.Logger) FailoverOption {
	return func(f *Failover) {
		f.logger = logger
	}
}

// NewFailover creates a failover client over the given providers, in order of
// preference.
func NewFailover(providers []queryhive.LLMClient, options ...FailoverOption) *Failover {
	f := &Failover{
		providers: providers,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		timeout:   30 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// Call implements queryhive.LLMClient.
func (f *Failover) Call(ctx context.Context, req queryhive.ChatRequest) (*queryhive.ChatResponse, error) {
	if len(f.providers) == 0 {
		return nil, queryhive.NewUpstreamError("llm", queryhive.NewConfigurationError("no providers configured", nil))
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, queryhive.NewUpstreamError("llm", err)
	}

	var lastErr error
	for i, provider := range f.providers {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		resp, err := provider.Call(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		f.logger.Warn("llm provider call failed, trying next",
			zap.Int("provider", i),
			zap.Error(err))
		if ctx.Err() != nil {
			return nil, queryhive.NewUpstreamError("llm", ctx.Err())
		}
	}

	return nil, queryhive.NewUpstreamError("llm", lastErr)
}
