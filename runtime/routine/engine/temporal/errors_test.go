package temporal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"

	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
)

func TestEncodeActivityErrorMarksFatalNonRetryable(t *testing.T) {
	t.Parallel()

	err := encodeActivityError(execerrors.ForNode(execerrors.KindInvalidInput, "n1", "bad payload"))

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(execerrors.KindInvalidInput), appErr.Type())
	require.True(t, appErr.NonRetryable())
}

func TestEncodeActivityErrorKeepsRetryableRetryable(t *testing.T) {
	t.Parallel()

	err := encodeActivityError(execerrors.New(execerrors.KindPluginRetryable, "upstream 503"))

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(execerrors.KindPluginRetryable), appErr.Type())
	require.False(t, appErr.NonRetryable())
}

func TestEncodeActivityErrorClassifiesPlainErrors(t *testing.T) {
	t.Parallel()

	err := encodeActivityError(errors.New("boom"))

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, string(execerrors.KindPluginFatal), appErr.Type())
	require.True(t, appErr.NonRetryable())
}

func TestDecodeActivityErrorRoundTrips(t *testing.T) {
	t.Parallel()

	orig := execerrors.WrapForNode(execerrors.KindMissingCredentials, "n3", "credential lookup", errors.New("not found"))
	decoded := decodeActivityError(encodeActivityError(orig))

	var eerr *execerrors.Error
	require.ErrorAs(t, decoded, &eerr)
	require.Equal(t, execerrors.KindMissingCredentials, eerr.Kind)
	require.Equal(t, "n3", eerr.NodeID)
	require.Equal(t, "credential lookup", eerr.Message)
	require.NotNil(t, eerr.Cause)
	require.False(t, execerrors.IsRetryable(decoded))
}

func TestDecodeActivityErrorMapsTimeouts(t *testing.T) {
	t.Parallel()

	decoded := decodeActivityError(temporal.NewTimeoutError(enumspb.TIMEOUT_TYPE_START_TO_CLOSE, nil))
	require.Equal(t, execerrors.KindAborted, execerrors.KindOf(decoded))

	decoded = decodeActivityError(temporal.NewCanceledError())
	require.Equal(t, execerrors.KindCancelled, execerrors.KindOf(decoded))
}

func TestDecodeActivityErrorPassesThroughUnknownErrors(t *testing.T) {
	t.Parallel()

	want := errors.New("transport unavailable")
	require.ErrorIs(t, decodeActivityError(want), want)
}

func TestMapSignalError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "nil",
			err:  nil,
			want: nil,
		},
		{
			name: "not found maps to workflow not found",
			err:  serviceerror.NewNotFound("execution not found"),
			want: engine.ErrWorkflowNotFound,
		},
		{
			name: "failed precondition maps to workflow completed",
			err:  serviceerror.NewFailedPrecondition("workflow execution already completed"),
			want: engine.ErrWorkflowCompleted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mapSignalError(tc.err)
			if tc.want == nil {
				require.NoError(t, got)
				return
			}
			require.ErrorIs(t, got, tc.want)
		})
	}
}

func TestMapSignalErrorPassesThroughUnknownErrors(t *testing.T) {
	t.Parallel()

	want := errors.New("signal transport unavailable")
	require.ErrorIs(t, mapSignalError(want), want)
}

func TestMapExecutionStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, engine.RunStatusCompleted, mapExecutionStatus(enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED))
	require.Equal(t, engine.RunStatusFailed, mapExecutionStatus(enumspb.WORKFLOW_EXECUTION_STATUS_FAILED))
	require.Equal(t, engine.RunStatusCanceled, mapExecutionStatus(enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED))
	require.Equal(t, engine.RunStatusTimedOut, mapExecutionStatus(enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT))
	require.Equal(t, engine.RunStatusRunning, mapExecutionStatus(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING))
	require.Equal(t, engine.RunStatusRunning, mapExecutionStatus(enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW))
}
