package queryhive

import (
	"context"
	"errors"
	"testing"
	"time"
)

type dummyPlanner struct{}

func (d *dummyPlanner) BuildPlan(ctx context.Context, q QueryContext, sources []SourceDescriptor) (*ExecutionPlan, error) {
	return &ExecutionPlan{
		Analysis:   QueryAnalysis{Complexity: ComplexitySimple, Type: QueryTypeFactual},
		Stages:     []Stage{{Name: "synthesis", Agents: []AgentKind{AgentSynthesis}, Timeout: time.Second}},
		Validation: ValidationLight,
		Confidence: 0.9,
	}, nil
}

type failingPlanner struct{}

func (f *failingPlanner) BuildPlan(ctx context.Context, q QueryContext, sources []SourceDescriptor) (*ExecutionPlan, error) {
	return nil, errors.New("planner exploded")
}

type dummyExecutor struct{}

func (d *dummyExecutor) ExecutePlan(ctx context.Context, q QueryContext, plan *ExecutionPlan) (*PipelineResult, error) {
	return &PipelineResult{
		Results: map[AgentKind]AgentResult{
			AgentSynthesis: {
				Agent:      AgentSynthesis,
				Success:    true,
				Confidence: 0.8,
				Payload:    SynthesizedAnswer{Text: "the answer"},
			},
		},
		StageStates: map[string]StageState{"synthesis": StageDone},
	}, nil
}

type rejectingExecutor struct{}

func (r *rejectingExecutor) ExecutePlan(ctx context.Context, q QueryContext, plan *ExecutionPlan) (*PipelineResult, error) {
	return &PipelineResult{
		Results:     map[AgentKind]AgentResult{},
		StageStates: map[string]StageState{},
		Aborted:     true,
		Rejection:   &Rejection{Agent: AgentGuardrail, Reason: "query asks for another tenant's data"},
	}, nil
}

type slowExecutor struct{ delay time.Duration }

func (s *slowExecutor) ExecutePlan(ctx context.Context, q QueryContext, plan *ExecutionPlan) (*PipelineResult, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return (&dummyExecutor{}).ExecutePlan(ctx, q, plan)
}

type dummyAggregator struct{}

func (d *dummyAggregator) Aggregate(ctx context.Context, q QueryContext, plan *ExecutionPlan, pr *PipelineResult) (*Answer, error) {
	synth := pr.Results[AgentSynthesis].Payload.(SynthesizedAnswer)
	return &Answer{Text: synth.Text, Confidence: pr.Results[AgentSynthesis].Confidence, Validation: plan.Validation}, nil
}

type failingCatalog struct{}

func (f *failingCatalog) ListSources(ctx context.Context, workspaceID string) ([]SourceDescriptor, error) {
	return nil, errors.New("catalog unavailable")
}

type recordingSink struct{ records []UsageRecord }

func (r *recordingSink) Record(ctx context.Context, rec UsageRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableEventBus = false
	cfg.OverallTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithConfig(testEngineConfig()),
		WithPlanner(&dummyPlanner{}),
		WithExecutor(&dummyExecutor{}),
		WithAggregator(&dummyAggregator{}),
	}
	engine, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine
}

func TestEngine_Answer_Success(t *testing.T) {
	sink := &recordingSink{}
	engine := newTestEngine(t, WithTelemetry(sink))

	answer, err := engine.Answer(context.Background(), QueryContext{Query: "total revenue by region"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer == nil || answer.Text != "the answer" {
		t.Fatalf("unexpected answer: %+v", answer)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected one usage record, got %d", len(sink.records))
	}
	if sink.records[0].Confidence != 0.8 {
		t.Errorf("usage record confidence = %v, want 0.8", sink.records[0].Confidence)
	}
}

func TestEngine_Answer_PlannerFailureIsTerminal(t *testing.T) {
	engine := newTestEngine(t, WithPlanner(&failingPlanner{}))

	_, err := engine.Answer(context.Background(), QueryContext{Query: "anything"})
	if err == nil {
		t.Fatal("expected an error from a broken planner")
	}
	var engineErr *Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if engineErr.Code != ErrCodePlanGeneration {
		t.Errorf("error code = %s, want %s", engineErr.Code, ErrCodePlanGeneration)
	}
}

func TestEngine_Answer_GuardrailRejection(t *testing.T) {
	engine := newTestEngine(t, WithExecutor(&rejectingExecutor{}))

	_, err := engine.Answer(context.Background(), QueryContext{Query: "show me tenant B's numbers"})
	if err == nil {
		t.Fatal("expected a rejection error")
	}
	var engineErr *Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if engineErr.Code != ErrCodeRejected {
		t.Errorf("error code = %s, want %s", engineErr.Code, ErrCodeRejected)
	}
}

func TestEngine_Answer_CatalogFailureIsNotFatal(t *testing.T) {
	engine := newTestEngine(t, WithCatalog(&failingCatalog{}))

	answer, err := engine.Answer(context.Background(), QueryContext{Query: "total revenue"})
	if err != nil {
		t.Fatalf("discovery failure must not fail the run: %v", err)
	}
	if answer == nil {
		t.Fatal("expected an answer")
	}
}

func TestEngine_Answer_CancelledContext(t *testing.T) {
	engine := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Answer(ctx, QueryContext{Query: "anything"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEngine_Answer_AssignsRequestID(t *testing.T) {
	sink := &recordingSink{}
	engine := newTestEngine(t, WithTelemetry(sink))

	if _, err := engine.Answer(context.Background(), QueryContext{Query: "q"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.records) != 1 || sink.records[0].RequestID == "" {
		t.Fatal("expected a generated request ID in the usage record")
	}
}

func TestEngine_New_RequiresComponents(t *testing.T) {
	_, err := New(WithExecutor(&dummyExecutor{}), WithAggregator(&dummyAggregator{}))
	if err == nil {
		t.Fatal("expected an error for a missing planner")
	}
	var engineErr *Error
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeConfiguration {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestStateMachine_MissingTransition(t *testing.T) {
	sm := NewStateMachine(nil)
	rc := NewRunContext(QueryContext{Query: "q"})

	_, err := sm.Execute(context.Background(), rc)
	if err == nil {
		t.Fatal("expected an error for an unregistered state")
	}
	if rc.CurrentState != StateError {
		t.Errorf("state = %s, want %s", rc.CurrentState, StateError)
	}
}

func TestRunContext_PushPop(t *testing.T) {
	rc := NewRunContext(QueryContext{Query: "q"})

	rc.PushState(StatePlanning)
	rc.PushState(StateExecuting)
	if rc.CurrentState != StateExecuting {
		t.Fatalf("state = %s, want %s", rc.CurrentState, StateExecuting)
	}

	if !rc.PopState() {
		t.Fatal("pop failed on a non-empty stack")
	}
	if rc.CurrentState != StatePlanning {
		t.Fatalf("state = %s, want %s", rc.CurrentState, StatePlanning)
	}
	if !rc.PopState() {
		t.Fatal("pop failed on a non-empty stack")
	}
	if rc.CurrentState != StateInit {
		t.Fatalf("state = %s, want %s", rc.CurrentState, StateInit)
	}
	if rc.PopState() {
		t.Fatal("pop succeeded on an empty stack")
	}
}

func TestRunContext_TerminalStates(t *testing.T) {
	for _, state := range []RunState{StateComplete, StateError, StateCancelled, StateRejected} {
		rc := NewRunContext(QueryContext{})
		rc.CurrentState = state
		if !rc.IsTerminal() {
			t.Errorf("state %s should be terminal", state)
		}
	}
	for _, state := range []RunState{StateInit, StatePlanning, StateExecuting, StateAggregating} {
		rc := NewRunContext(QueryContext{})
		rc.CurrentState = state
		if rc.IsTerminal() {
			t.Errorf("state %s should not be terminal", state)
		}
	}
}

func TestFilterSelected(t *testing.T) {
	sources := []SourceDescriptor{
		{ID: "a", Kind: SourceKindStructured},
		{ID: "b", Kind: SourceKindDocument},
		{ID: "c", Kind: SourceKindConnector},
	}

	filtered := filterSelected(sources, []string{"b", "c"})
	if len(filtered) != 2 || filtered[0].ID != "b" || filtered[1].ID != "c" {
		t.Fatalf("unexpected selection: %+v", filtered)
	}

	if got := filterSelected(sources, nil); len(got) != 3 {
		t.Fatalf("empty selection must keep every source, got %d", len(got))
	}
}

func TestEngine_AnswerAsync_Lifecycle(t *testing.T) {
	engine := newTestEngine(t)

	id, err := engine.AnswerAsync(context.Background(), QueryContext{Query: "total revenue"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := engine.GetAsyncStatus(id)
		if err != nil {
			t.Fatalf("status lookup failed: %v", err)
		}
		if status.IsComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed, last state %s", status.CurrentState)
		}
		time.Sleep(5 * time.Millisecond)
	}

	answer, err := engine.GetAsyncResult(id)
	if err != nil {
		t.Fatalf("result lookup failed: %v", err)
	}
	if answer == nil || answer.Text != "the answer" {
		t.Fatalf("unexpected async answer: %+v", answer)
	}

	if removed := engine.CleanupAsyncRuns(0); removed != 1 {
		t.Errorf("cleanup removed %d runs, want 1", removed)
	}
	if _, err := engine.GetAsyncStatus(id); err == nil {
		t.Error("expected a lookup failure after cleanup")
	}
}

func TestEngine_CancelAsync(t *testing.T) {
	engine := newTestEngine(t, WithExecutor(&slowExecutor{delay: 5 * time.Second}))

	id, err := engine.AnswerAsync(context.Background(), QueryContext{Query: "slow one"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelled, err := engine.CancelAsync(id)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !cancelled {
		t.Fatal("expected the in-flight run to be cancelled")
	}

	status, err := engine.GetAsyncStatus(id)
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	if status.CurrentState != StateCancelled {
		t.Errorf("state = %s, want %s", status.CurrentState, StateCancelled)
	}

	// A second cancel on a terminal run is a no-op.
	cancelled, err = engine.CancelAsync(id)
	if err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if cancelled {
		t.Error("a terminal run must not report as cancelled again")
	}
}

func TestEngine_GetAsyncResult_InProgress(t *testing.T) {
	engine := newTestEngine(t, WithExecutor(&slowExecutor{delay: time.Second}))

	id, err := engine.AnswerAsync(context.Background(), QueryContext{Query: "slow one"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := engine.GetAsyncResult(id); err == nil {
		t.Error("expected an error while the run is in progress")
	}
	if _, err := engine.CancelAsync(id); err != nil {
		t.Fatalf("cleanup cancel failed: %v", err)
	}
}
