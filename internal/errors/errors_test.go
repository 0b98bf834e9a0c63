package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// CompileError Tests
// -----------------------------------------------------------------------------

func TestCompileError_Error(t *testing.T) {
	cause := New("syntax error in app/root.tsx")

	tests := []struct {
		name string
		err  *CompileError
		want string
	}{
		{
			name: "stage only",
			err:  NewCompileError(StageClient, nil),
			want: "compile error [stage=client]: build failed",
		},
		{
			name: "stage and cycle with cause",
			err:  NewCompileError(StageServer, cause).WithCycle(3),
			want: "compile error [stage=server, cycle=3]: build failed: syntax error in app/root.tsx",
		},
		{
			name: "no context",
			err:  NewCompileError("", nil),
			want: "compile error: build failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompileError_Is(t *testing.T) {
	cause := New("boom")
	clientErr := NewCompileError(StageClient, cause)
	serverErr := NewCompileError(StageServer, nil)

	if !errors.Is(clientErr, ErrClientBuildFailed) {
		t.Error("client CompileError should match ErrClientBuildFailed")
	}
	if errors.Is(clientErr, ErrServerBuildFailed) {
		t.Error("client CompileError should not match ErrServerBuildFailed")
	}
	if !errors.Is(serverErr, ErrServerBuildFailed) {
		t.Error("server CompileError should match ErrServerBuildFailed")
	}
	if !errors.Is(clientErr, cause) {
		t.Error("CompileError should match its cause")
	}

	var target *CompileError
	wrapped := fmt.Errorf("cycle: %w", clientErr)
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find CompileError through wrapping")
	}
	if target.Stage != StageClient {
		t.Errorf("Stage = %q, want %q", target.Stage, StageClient)
	}
}

func TestCompileError_Classification(t *testing.T) {
	err := NewCompileError(StageClient, nil)
	if !IsRetryable(err) {
		t.Error("compile errors should be retryable")
	}
	if !IsUserFacing(err) {
		t.Error("compile errors should be user facing")
	}
	if got := GetSeverity(err); got != SeverityError {
		t.Errorf("GetSeverity() = %v, want %v", got, SeverityError)
	}
}

// -----------------------------------------------------------------------------
// RuntimeStartError Tests
// -----------------------------------------------------------------------------

func TestRuntimeStartError(t *testing.T) {
	err := NewRuntimeStartError("reload failed", ErrBundleMissing).
		WithBundlePath("/app/dist/server/index.js").
		WithWorker("hydrogen")

	want := "runtime error [worker=hydrogen, bundle=/app/dist/server/index.js]: reload failed: server bundle not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrBundleMissing) {
		t.Error("RuntimeStartError should match ErrBundleMissing cause")
	}
	if !errors.Is(err, &RuntimeStartError{}) {
		t.Error("RuntimeStartError should match its own type")
	}
	if GetSeverity(err) != SeverityCritical {
		t.Errorf("GetSeverity() = %v, want %v", GetSeverity(err), SeverityCritical)
	}
}

// -----------------------------------------------------------------------------
// DisposalError Tests
// -----------------------------------------------------------------------------

func TestDisposalError(t *testing.T) {
	err := NewDisposalError("tunnel", New("connection reset"))

	if got, want := err.Error(), "disposal error [resource=tunnel]: failed to dispose: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if IsRetryable(err) {
		t.Error("disposal errors should not be retryable")
	}
	if IsUserFacing(err) {
		t.Error("disposal errors should not be user facing")
	}
}

// -----------------------------------------------------------------------------
// StreamSubscriberError Tests
// -----------------------------------------------------------------------------

func TestStreamSubscriberError(t *testing.T) {
	err := NewStreamSubscriberError(7, New("broken pipe"))

	if got, want := err.Error(), "subscriber error [subscriber=7]: stream closed: broken pipe"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrSubscriberGone) {
		t.Error("StreamSubscriberError should match ErrSubscriberGone")
	}
	if GetSeverity(err) != SeverityDebug {
		t.Errorf("GetSeverity() = %v, want %v", GetSeverity(err), SeverityDebug)
	}
	if got := GetSeverity(err.WithSeverity(SeverityWarning)); got != SeverityWarning {
		t.Errorf("GetSeverity() after WithSeverity = %v, want %v", got, SeverityWarning)
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestValidationError(t *testing.T) {
	err := NewValidationError("must be positive").WithField("Port").WithValue(-1)

	if got, want := err.Error(), "validation error [field=Port, value=-1]: must be positive"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("codegen shutdown", 500*time.Millisecond)

	if got, want := err.Error(), "timeout error: codegen shutdown (timeout: 500ms)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	if !IsRetryable(err) {
		t.Error("TimeoutError should be retryable")
	}

	withCause := NewTimeoutError("close", time.Second).WithCause(context.DeadlineExceeded)
	if !errors.Is(withCause, context.DeadlineExceeded) {
		t.Error("TimeoutError should match its cause")
	}
}

// -----------------------------------------------------------------------------
// Helper Tests
// -----------------------------------------------------------------------------

func TestClassificationHelpers_Nil(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) = true")
	}
	if IsUserFacing(nil) {
		t.Error("IsUserFacing(nil) = true")
	}
	if GetSeverity(nil) != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", GetSeverity(nil))
	}
}

func TestClassificationHelpers_PlainErrors(t *testing.T) {
	plain := New("plain")
	if IsRetryable(plain) {
		t.Error("plain errors should not be retryable")
	}
	if IsUserFacing(plain) {
		t.Error("plain errors should not be user facing")
	}
	if GetSeverity(plain) != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want error", GetSeverity(plain))
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", ErrTimeout)) {
		t.Error("wrapped ErrTimeout should be retryable")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}

	err := Wrapf(ErrBundleMissing, "reload %s", "hydrogen")
	if err.Error() != "reload hydrogen: server bundle not found" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !Is(err, ErrBundleMissing) {
		t.Error("wrapped error should match sentinel")
	}
	if !Is(Wrap(ErrHandleClosed, "close"), ErrHandleClosed) {
		t.Error("Wrap should preserve the chain")
	}
}
