package queryhive

import "fmt"

// Error codes for specific failure types
const (
	ErrCodeRejected       = "QUERY_REJECTED"
	ErrCodePlanGeneration = "PLAN_GENERATION_ERROR"
	ErrCodePlanValidation = "PLAN_VALIDATION_ERROR"
	ErrCodeExecution      = "PIPELINE_EXECUTION_ERROR"
	ErrCodeSourceFailure  = "SOURCE_EXECUTION_ERROR"
	ErrCodeUnsafeQuery    = "UNSAFE_STATEMENT"
	ErrCodeNoData         = "NO_SOURCE_DATA"
	ErrCodeUpstream       = "UPSTREAM_CALL_ERROR"
	ErrCodeValidation     = "ANSWER_VALIDATION_ERROR"
	ErrCodeCache          = "CACHE_ERROR"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeCancelled      = "EXECUTION_CANCELLED"
	ErrCodeTimeout        = "EXECUTION_TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Error is the orchestration error type. Code is machine readable, Stage
// names the pipeline phase where the failure surfaced.
type Error struct {
	Code    string
	Stage   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause, allowing errors.Is/As chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{Code: code, Stage: stage, Message: message, Cause: cause}
}

// IsEngineError reports whether err is (or wraps) a queryhive Error.
func IsEngineError(err error) bool {
	_, ok := err.(*Error)
	return ok
}

// Specific error constructors

// NewRejectionError surfaces a guardrail/intent refusal. Terminal: it
// short-circuits the pipeline.
func NewRejectionError(agent AgentKind, reason string) *Error {
	return NewError(ErrCodeRejected, "guarding", fmt.Sprintf("query rejected by %s: %s", agent, reason), nil)
}

func NewPlanGenerationError(cause error) *Error {
	return NewError(ErrCodePlanGeneration, "planning", "failed to generate execution plan", cause)
}

func NewPlanValidationError(message string, cause error) *Error {
	return NewError(ErrCodePlanValidation, "planning", message, cause)
}

func NewExecutionError(message string, cause error) *Error {
	return NewError(ErrCodeExecution, "execution", message, cause)
}

func NewSourceError(sourceID string, cause error) *Error {
	return NewError(ErrCodeSourceFailure, "execution", fmt.Sprintf("source '%s' execution failed", sourceID), cause)
}

// NewUnsafeStatementError marks a generated statement that the safety pass
// blocked outright.
func NewUnsafeStatementError(reason string) *Error {
	return NewError(ErrCodeUnsafeQuery, "execution", fmt.Sprintf("unsafe statement: %s", reason), nil)
}

// NewNoDataError is the explicit refusal when every source execution failed
// or returned no data.
func NewNoDataError(detail string) *Error {
	if detail == "" {
		detail = "every source execution failed or returned no data"
	}
	return NewError(ErrCodeNoData, "aggregation", detail, nil)
}

func NewUpstreamError(service string, cause error) *Error {
	return NewError(ErrCodeUpstream, "upstream", fmt.Sprintf("call to %s failed", service), cause)
}

func NewValidationError(stage, message string, cause error) *Error {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewCacheError(operation string, cause error) *Error {
	return NewError(ErrCodeCache, "cache", fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewTimeoutError(stage string, cause error) *Error {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}
