package queryhive

import (
	"context"
	"fmt"
	"time"

	"github.com/queryhive/queryhive/internal/eventbus"
)

// AsyncStatus is the status snapshot of one asynchronous run.
type AsyncStatus struct {
	ExecutionID  string        `json:"execution_id"`
	Query        string        `json:"query"`
	CurrentState RunState      `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// GetAsyncStatus retrieves the current status of an async run.
func (e *Engine) GetAsyncStatus(executionID string) (*AsyncStatus, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	rc, exists := e.asyncRuns[executionID]
	if !exists {
		return nil, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	status := &AsyncStatus{
		ExecutionID:  executionID,
		Query:        rc.Query.Query,
		CurrentState: rc.CurrentState,
		StartTime:    rc.StartTime,
		Duration:     rc.GetTotalDuration(),
		IsComplete:   rc.CurrentState == StateComplete,
		HasError:     rc.CurrentState == StateError,
	}

	if rc.LastError != nil {
		status.ErrorMessage = rc.LastError.Error()
		status.ErrorStage = rc.ErrorStage
	}

	return status, nil
}

// GetAsyncResult retrieves the answer of a completed async run. It returns an
// error while the run is still in progress or when it failed.
func (e *Engine) GetAsyncResult(executionID string) (*Answer, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	rc, exists := e.asyncRuns[executionID]
	if !exists {
		return nil, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	if rc.CurrentState != StateComplete {
		if rc.CurrentState == StateError || rc.CurrentState == StateRejected {
			return rc.Answer, fmt.Errorf("execution failed during stage '%s': %w", rc.ErrorStage, rc.LastError)
		}
		return nil, fmt.Errorf("execution is still in progress (current state: %s)", rc.CurrentState)
	}

	return rc.Answer, nil
}

// CancelAsync cancels an ongoing async run. Returns true when the run was
// cancelled, false when it was already terminal.
func (e *Engine) CancelAsync(executionID string) (bool, error) {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	rc, exists := e.asyncRuns[executionID]
	if !exists {
		return false, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	if rc.IsTerminal() {
		return false, nil
	}

	cancelFn, ok := rc.StateData["cancel"].(context.CancelFunc)
	if !ok {
		return false, fmt.Errorf("cannot cancel execution: cancel function not found")
	}
	cancelFn()
	rc.SetCancelled(fmt.Errorf("execution cancelled by caller"), string(rc.CurrentState))

	if e.config.EnableEventBus && e.eventBus != nil {
		e.eventBus.Publish(context.Background(), eventbus.NewEvent(
			eventbus.EventQueryAsyncProcessingCancelled,
			rc.Query.Query,
			"Engine.CancelAsync",
			map[string]any{
				"execution_id": executionID,
				"duration_ms":  rc.GetTotalDuration().Milliseconds(),
			},
		))
	}

	return true, nil
}

// ListAsyncRuns returns every tracked run ID with its current state.
func (e *Engine) ListAsyncRuns() map[string]RunState {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	result := make(map[string]RunState, len(e.asyncRuns))
	for id, rc := range e.asyncRuns {
		result[id] = rc.CurrentState
	}

	return result
}

// CleanupAsyncRuns removes terminal runs older than the given duration so the
// tracking map cannot grow without bound.
func (e *Engine) CleanupAsyncRuns(olderThan time.Duration) int {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	now := time.Now()
	count := 0

	for id, rc := range e.asyncRuns {
		if rc.IsTerminal() && now.Sub(rc.StateStartTimes[rc.CurrentState]) > olderThan {
			delete(e.asyncRuns, id)
			count++
		}
	}

	return count
}
