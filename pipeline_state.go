package queryhive

import (
	"context"
	"fmt"
	"time"

	"github.com/queryhive/queryhive/internal/eventbus"
)

// RunState represents the current state of one query run.
type RunState string

const (
	// StateInit is the initial state of the run
	StateInit RunState = "init"
	// StatePlanning covers plan lookup/generation
	StatePlanning RunState = "planning"
	// StateExecuting covers the stage walk
	StateExecuting RunState = "executing"
	// StateAggregating covers validation and answer assembly
	StateAggregating RunState = "aggregating"
	// StateRejected is the terminal guardrail refusal state
	StateRejected RunState = "rejected"
	// StateError is a terminal error state
	StateError RunState = "error"
	// StateComplete is the terminal success state
	StateComplete RunState = "complete"
	// StateCancelled is the terminal cancellation state
	StateCancelled RunState = "cancelled"
	// StateUnknown is used when an async run's status cannot be determined
	StateUnknown RunState = "unknown"
)

// RunContext carries one query run through the state machine. It acts as the
// tape of the pushdown automaton.
type RunContext struct {
	// Input
	Query QueryContext

	// Intermediate results
	Sources  []SourceDescriptor
	Plan     *ExecutionPlan
	Pipeline *PipelineResult
	Answer   *Answer

	// Error handling
	LastError  error
	ErrorStage string

	// State management
	CurrentState RunState
	StateStack   []RunState
	StateData    map[string]any

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[RunState]time.Time
}

// NewRunContext creates a run context for the given query.
func NewRunContext(q QueryContext) *RunContext {
	return &RunContext{
		Query:           q,
		CurrentState:    StateInit,
		StateStack:      []RunState{},
		StateData:       make(map[string]any),
		StartTime:       time.Now(),
		StateStartTimes: make(map[RunState]time.Time),
	}
}

// PushState pushes the current state onto the stack and enters a new one.
func (rc *RunContext) PushState(state RunState) {
	rc.StateStack = append(rc.StateStack, rc.CurrentState)
	rc.CurrentState = state
	rc.StateStartTimes[state] = time.Now()
}

// PopState pops the top state from the stack and makes it current.
// Returns false if the stack is empty.
func (rc *RunContext) PopState() bool {
	if len(rc.StateStack) == 0 {
		return false
	}
	lastIdx := len(rc.StateStack) - 1
	rc.CurrentState = rc.StateStack[lastIdx]
	rc.StateStack = rc.StateStack[:lastIdx]
	rc.StateStartTimes[rc.CurrentState] = time.Now()
	return true
}

// IsTerminal checks whether the run reached a terminal state.
func (rc *RunContext) IsTerminal() bool {
	switch rc.CurrentState {
	case StateComplete, StateError, StateCancelled, StateRejected:
		return true
	}
	return false
}

// SetError records the error and transitions to StateError.
func (rc *RunContext) SetError(err error, stage string) {
	rc.LastError = err
	rc.ErrorStage = stage
	rc.CurrentState = StateError
	rc.StateStartTimes[StateError] = time.Now()
}

// SetRejected records a guardrail refusal and transitions to StateRejected.
func (rc *RunContext) SetRejected(rej *Rejection) {
	rc.LastError = NewRejectionError(rej.Agent, rej.Reason)
	rc.ErrorStage = string(StateExecuting)
	rc.CurrentState = StateRejected
	rc.StateStartTimes[StateRejected] = time.Now()
}

// SetCancelled records the cancellation and transitions to StateCancelled.
func (rc *RunContext) SetCancelled(err error, stage string) {
	rc.LastError = err
	rc.ErrorStage = stage
	rc.CurrentState = StateCancelled
	rc.StateStartTimes[StateCancelled] = time.Now()
}

// Complete marks the run as complete and sets the end time.
func (rc *RunContext) Complete() {
	rc.CurrentState = StateComplete
	rc.EndTime = time.Now()
	rc.StateStartTimes[StateComplete] = rc.EndTime
}

// GetStateDuration returns the time spent in the given state so far.
func (rc *RunContext) GetStateDuration(state RunState) time.Duration {
	startTime, ok := rc.StateStartTimes[state]
	if !ok {
		return 0
	}
	if state == rc.CurrentState {
		return time.Since(startTime)
	}
	return 0
}

// GetTotalDuration returns the total duration of the run so far.
func (rc *RunContext) GetTotalDuration() time.Duration {
	if rc.CurrentState == StateComplete {
		return rc.EndTime.Sub(rc.StartTime)
	}
	return time.Since(rc.StartTime)
}

// StateTransition is one transition function of the state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, rc *RunContext) (RunState, error)

// StateMachine is the finite state machine driving one query run.
type StateMachine struct {
	transitions map[RunState]StateTransition
	eventBus    eventbus.EventBus
}

// NewStateMachine creates a state machine with no transitions registered.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers a transition function for a state.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) (*Answer, error) {
	for !rc.IsTerminal() {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			rc.SetCancelled(err, string(rc.CurrentState))
			return rc.Answer, err
		default:
		}

		transition, exists := sm.transitions[rc.CurrentState]
		if !exists {
			err := fmt.Errorf("no transition defined for state: %s", rc.CurrentState)
			rc.SetError(err, string(rc.CurrentState))
			return nil, err
		}

		nextState, err := transition(ctx, sm.eventBus, rc)
		if err != nil {
			currentStage := string(rc.CurrentState)
			if err == context.Canceled || err == context.DeadlineExceeded {
				rc.SetCancelled(err, currentStage)
			} else if !rc.IsTerminal() {
				// Transitions normally set the terminal state themselves; this
				// covers a transition returning an error without doing so.
				rc.SetError(err, currentStage)
			}
			continue
		}

		if !rc.IsTerminal() {
			rc.CurrentState = nextState
			rc.StateStartTimes[nextState] = time.Now()
		}
	}

	return rc.Answer, rc.LastError
}
