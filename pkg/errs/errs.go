// Package errs defines the run-time error taxonomy shared by the engine,
// the executors and the transaction manager. Plan validation errors live in
// pkg/plan because they are produced before any of this machinery runs.
package errs

import "fmt"

// ExecutionError reports a step executor failure. Recoverable: the engine
// retries it up to the step's budget and then consults the recovery gateway.
type ExecutionError struct {
	StepID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that a step exceeded its deadline. It is a subtype
// of ExecutionError for retry purposes.
type TimeoutError struct {
	StepID  string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepID, e.Timeout)
}

// SandboxSecurityError reports that a code step violated its capability
// allowlist. Never retried, always terminal.
type SandboxSecurityError struct {
	StepID string
	Detail string
}

func (e *SandboxSecurityError) Error() string {
	return fmt.Sprintf("step %q sandbox violation: %s", e.StepID, e.Detail)
}

// RecoveryExhausted reports that retries and the recovery gateway both
// failed to resolve a step. Terminal: the run halts at this step.
type RecoveryExhausted struct {
	StepID string
	Err    error
}

func (e *RecoveryExhausted) Error() string {
	return fmt.Sprintf("step %q failed and recovery could not resolve it: %v", e.StepID, e.Err)
}

func (e *RecoveryExhausted) Unwrap() error { return e.Err }

// RollbackError reports a single failed undo. Collected per operation
// during a rollback sweep, never raised mid-sweep.
type RollbackError struct {
	OpID string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback operation %q: %v", e.OpID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
