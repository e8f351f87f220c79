package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Scheduler / Queue errors (-32010 to -32039) ----

var (
	ErrTaskNotFound      = &EngineError{Code: -32010, Message: "task not found"}
	ErrDuplicateTask     = &EngineError{Code: -32011, Message: "task already exists"}
	ErrUnknownDependency = &EngineError{Code: -32012, Message: "task depends on unknown task"}
	ErrDependencyCycle   = &EngineError{Code: -32013, Message: "task graph contains a dependency cycle"}
	ErrInvalidTransition = &EngineError{Code: -32014, Message: "invalid task status transition"}
	ErrTaskNotRetryable  = &EngineError{Code: -32015, Message: "only blocked or exhausted tasks can be retried"}
	ErrTaskTerminal      = &EngineError{Code: -32016, Message: "task is already in a terminal state"}
	ErrNoWorkerType      = &EngineError{Code: -32017, Message: "task has no worker type"}
)

// ---- Controller / Attempt errors (-32040 to -32069) ----

var (
	ErrBudgetExhausted   = &EngineError{Code: -32040, Message: "iteration budget exhausted"}
	ErrDecisionRequired  = &EngineError{Code: -32041, Message: "a human decision is required"}
	ErrInvalidDecision   = &EngineError{Code: -32042, Message: "decision option not valid for this suspension point"}
	ErrAttemptFailed     = &EngineError{Code: -32043, Message: "worker attempt failed"}
	ErrRunNotSuspended   = &EngineError{Code: -32044, Message: "run is not awaiting a decision"}
	ErrDecisionNotFound  = &EngineError{Code: -32045, Message: "decision request not found"}
	ErrDecisionCancelled = &EngineError{Code: -32046, Message: "decision wait cancelled"}
)

// ---- Gate / Check errors (-32070 to -32099) ----

var (
	ErrCheckUnavailable = &EngineError{Code: -32070, Message: "verification check could not run"}
	ErrNoChecks         = &EngineError{Code: -32071, Message: "gate has no checks registered"}
	ErrInvalidRule      = &EngineError{Code: -32072, Message: "guardrail rule pattern does not compile"}
	ErrBaselineMissing  = &EngineError{Code: -32073, Message: "no baseline snapshot available"}
)

// ---- Knowledge errors (-32100 to -32129) ----

var (
	ErrArtifactNotFound  = &EngineError{Code: -32100, Message: "knowledge artifact not found"}
	ErrArtifactNoTags    = &EngineError{Code: -32101, Message: "knowledge artifact requires at least one tag"}
	ErrArtifactImmutable = &EngineError{Code: -32102, Message: "approved artifacts are immutable except for metrics"}
	ErrArtifactNotDraft  = &EngineError{Code: -32103, Message: "artifact is not in draft state"}
	ErrInvalidImpact     = &EngineError{Code: -32104, Message: "impact score must be within [0.0, 1.0]"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit      = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery     = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite     = &EngineError{Code: -32132, Message: "store write failed"}
	ErrOptimisticLock = &EngineError{Code: -32133, Message: "optimistic lock conflict: task was modified concurrently"}
	ErrConfigInvalid  = &EngineError{Code: -32134, Message: "invalid configuration"}
)

// ---- Backend / Workspace errors (-32160 to -32189) ----

var (
	ErrWorkerUnavailable = &EngineError{Code: -32160, Message: "no worker backend for worker type"}
	ErrWorkspaceEscape   = &EngineError{Code: -32161, Message: "diff path escapes the workspace root"}
)
