package temporal

import (
	"errors"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"

	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
)

// encodeActivityError converts a node activity failure into a Temporal
// application error. The error type carries the classification kind, the
// details carry the full classified error, and fatal kinds are marked
// non-retryable so the per-activity retry policy only fires on retryable
// failures. Unclassified errors are conservatively treated as fatal.
func encodeActivityError(err error) error {
	if err == nil {
		return nil
	}
	eerr := execerrors.FromError(err)
	return temporal.NewApplicationErrorWithOptions(eerr.Message, string(eerr.Kind), temporal.ApplicationErrorOptions{
		NonRetryable: !eerr.Kind.Retryable(),
		Details:      []any{*eerr},
	})
}

// decodeActivityError translates a Temporal failure back into the classified
// error the task runner works with. Application errors produced by
// encodeActivityError rehydrate losslessly; activity timeouts map to aborted
// and cancellations to cancelled. Anything else passes through unchanged.
func decodeActivityError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.HasDetails() {
			var wire execerrors.Error
			if derr := appErr.Details(&wire); derr == nil && wire.Kind.Valid() {
				return &wire
			}
		}
		if kind := execerrors.Kind(appErr.Type()); kind.Valid() {
			return execerrors.New(kind, appErr.Message())
		}
		return err
	}

	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return execerrors.Wrap(execerrors.KindAborted, "activity deadline exceeded", err)
	}

	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return execerrors.Wrap(execerrors.KindCancelled, "activity cancelled", err)
	}

	return err
}

// mapSignalError translates Temporal service errors raised by signal, cancel
// and describe calls into the engine's sentinel errors so callers can use
// errors.Is without importing the SDK.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, notFound.Message)
	}
	var precondition *serviceerror.FailedPrecondition
	if errors.As(err, &precondition) {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowCompleted, precondition.Message)
	}
	return err
}

// mapExecutionStatus translates Temporal's workflow execution status into the
// engine's lifecycle status.
func mapExecutionStatus(s enumspb.WorkflowExecutionStatus) engine.RunStatus {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return engine.RunStatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.RunStatusCanceled
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusTerminated
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusTimedOut
	default:
		// Running and continued-as-new executions are still in flight.
		return engine.RunStatusRunning
	}
}
