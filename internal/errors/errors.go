// Package errors provides centralized error definitions and error handling
// utilities for oxyrun. It defines the error taxonomy of the runtime
// orchestrator, sentinel errors, constructors with context wrapping, and
// classification helpers.
//
// # Error Types
//
// Domain-specific errors map to the failure classes of a dev session:
//   - CompileError: the bundler failed a build stage (client or server)
//   - RuntimeStartError: the sandbox could not boot or reload (missing bundle, boot failure)
//   - DisposalError: a resource failed while closing (codegen, watcher, runtime, tunnel)
//   - StreamSubscriberError: a debug-network subscriber broke its stream
//
// Semantic errors represent common error conditions:
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewCompileError(errors.StageClient, cause)
//	if errors.Is(err, errors.ErrClientBuildFailed) { ... }
//
//	var startErr *errors.RuntimeStartError
//	if errors.As(err, &startErr) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on the next build cycle
//   - UserFacing: errors safe to display to users (vs internal bookkeeping)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Build pipeline sentinel errors
var (
	// ErrCycleSuperseded settles the signals of a build cycle replaced by a newer one.
	ErrCycleSuperseded = New("build cycle superseded")
	// ErrCoordinatorClosed settles the signals of a build cycle interrupted by Close.
	ErrCoordinatorClosed = New("build coordinator closed")
	// ErrClientBuildFailed indicates the client stage rejected, so the server stage was skipped.
	ErrClientBuildFailed = New("client build failed")
	// ErrServerBuildFailed indicates the server stage rejected.
	ErrServerBuildFailed = New("server build failed")
)

// Runtime sentinel errors
var (
	// ErrBundleMissing indicates the server bundle file does not exist.
	ErrBundleMissing = New("server bundle not found")
	// ErrSandboxBoot indicates the sandbox failed to boot or apply new options.
	ErrSandboxBoot = New("sandbox failed to boot")
	// ErrRuntimeAlreadyRunning indicates Start was called while a handle is active.
	ErrRuntimeAlreadyRunning = New("runtime already running")
	// ErrRuntimeNotRunning indicates an operation needs a running runtime.
	ErrRuntimeNotRunning = New("runtime not running")
	// ErrHandleClosed indicates an operation on a handle that was already closed.
	ErrHandleClosed = New("runtime handle closed")
)

// Telemetry sentinel errors
var (
	// ErrSubscriberGone indicates a stream subscriber can no longer receive events.
	ErrSubscriberGone = New("stream subscriber gone")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// OxyrunError is the base interface for all oxyrun errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type OxyrunError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the condition is transient.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// Stage names a build stage.
type Stage string

const (
	StageClient Stage = "client"
	StageServer Stage = "server"
)

// CompileError represents a build stage rejected by the bundler. Downstream
// stages of the same cycle are aborted and a running runtime is left untouched.
//
// Example:
//
//	err := errors.NewCompileError(errors.StageClient, cause).WithCycle(3)
//	fmt.Println(err) // "compile error [stage=client, cycle=3]: build failed: <cause>"
type CompileError struct {
	baseError
	Stage Stage
	Cycle uint64
}

// NewCompileError creates a new CompileError for the given stage.
func NewCompileError(stage Stage, cause error) *CompileError {
	return &CompileError{
		baseError: baseError{
			message:    "build failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Stage: stage,
	}
}

// WithCycle adds the build cycle number to the error context.
func (e *CompileError) WithCycle(cycle uint64) *CompileError {
	e.Cycle = cycle
	return e
}

// Error returns the formatted error message.
func (e *CompileError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.Cycle != 0 {
		parts = append(parts, fmt.Sprintf("cycle=%d", e.Cycle))
	}

	prefix := "compile error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("compile error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *CompileError) Is(target error) bool {
	if _, ok := target.(*CompileError); ok {
		return true
	}
	switch {
	case target == ErrClientBuildFailed && e.Stage == StageClient:
		return true
	case target == ErrServerBuildFailed && e.Stage == StageServer:
		return true
	}
	return e.baseError.Is(target)
}

// RuntimeStartError represents a sandbox that could not start or reload.
// It is fatal for the cycle that produced it; a previous handle keeps serving.
//
// Example:
//
//	err := errors.NewRuntimeStartError("reload failed", errors.ErrBundleMissing).
//		WithBundlePath("/app/dist/server/index.js")
type RuntimeStartError struct {
	baseError
	BundlePath string
	Worker     string
}

// NewRuntimeStartError creates a new RuntimeStartError.
func NewRuntimeStartError(message string, cause error) *RuntimeStartError {
	return &RuntimeStartError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithBundlePath adds the bundle path to the error context.
func (e *RuntimeStartError) WithBundlePath(path string) *RuntimeStartError {
	e.BundlePath = path
	return e
}

// WithWorker adds the worker name to the error context.
func (e *RuntimeStartError) WithWorker(name string) *RuntimeStartError {
	e.Worker = name
	return e
}

// WithSeverity sets the error severity.
func (e *RuntimeStartError) WithSeverity(s Severity) *RuntimeStartError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *RuntimeStartError) Error() string {
	var parts []string
	if e.Worker != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.Worker))
	}
	if e.BundlePath != "" {
		parts = append(parts, fmt.Sprintf("bundle=%s", e.BundlePath))
	}

	prefix := "runtime error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("runtime error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RuntimeStartError) Is(target error) bool {
	if _, ok := target.(*RuntimeStartError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DisposalError represents a resource that failed to release during close.
// Disposal errors are logged individually and never returned to the caller
// of Close.
type DisposalError struct {
	baseError
	Resource string
}

// NewDisposalError creates a new DisposalError for the named resource.
func NewDisposalError(resource string, cause error) *DisposalError {
	return &DisposalError{
		baseError: baseError{
			message:    "failed to dispose",
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: false,
		},
		Resource: resource,
	}
}

// Error returns the formatted error message.
func (e *DisposalError) Error() string {
	prefix := "disposal error"
	if e.Resource != "" {
		prefix = fmt.Sprintf("disposal error [resource=%s]", e.Resource)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *DisposalError) Is(target error) bool {
	if _, ok := target.(*DisposalError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StreamSubscriberError represents a debug-network subscriber whose stream
// broke. The bus deregisters it and keeps serving the others.
type StreamSubscriberError struct {
	baseError
	SubscriberID uint64
}

// NewStreamSubscriberError creates a new StreamSubscriberError.
func NewStreamSubscriberError(subscriberID uint64, cause error) *StreamSubscriberError {
	return &StreamSubscriberError{
		baseError: baseError{
			message:    "stream closed",
			cause:      cause,
			severity:   SeverityDebug,
			retryable:  false,
			userFacing: false,
		},
		SubscriberID: subscriberID,
	}
}

// WithSeverity sets the error severity.
func (e *StreamSubscriberError) WithSeverity(s Severity) *StreamSubscriberError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *StreamSubscriberError) Error() string {
	prefix := fmt.Sprintf("subscriber error [subscriber=%d]", e.SubscriberID)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StreamSubscriberError) Is(target error) bool {
	if _, ok := target.(*StreamSubscriberError); ok {
		return true
	}
	if target == ErrSubscriberGone {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("bundle path cannot be empty").WithField("BundlePath")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition,
// such as a compile error that the next save may fix.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var oxyErr OxyrunError
	if As(err, &oxyErr) {
		return oxyErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var oxyErr OxyrunError
	if As(err, &oxyErr) {
		return oxyErr.IsUserFacing()
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement OxyrunError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var oxyErr OxyrunError
	if As(err, &oxyErr) {
		return oxyErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
