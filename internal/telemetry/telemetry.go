package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
)

// LogSink records usage as structured log entries. Suitable as the default
// sink when no analytics backend is wired in; log shippers pick the entries
// up downstream.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing to the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Record implements queryhive.TelemetrySink.
func (s *LogSink) Record(_ context.Context, rec queryhive.UsageRecord) error {
	s.logger.Info("usage",
		zap.String("request_id", rec.RequestID),
		zap.String("workspace_id", rec.WorkspaceID),
		zap.String("complexity", string(rec.Complexity)),
		zap.Int("resource_units", rec.ResourceUnits),
		zap.Float64("confidence", rec.Confidence),
		zap.Duration("elapsed", rec.Elapsed),
		zap.Bool("refused", rec.Refused))
	return nil
}

// NopSink discards every record.
type NopSink struct{}

// Record implements queryhive.TelemetrySink.
func (NopSink) Record(context.Context, queryhive.UsageRecord) error { return nil }
