package execerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(KindValidation, "routine has no entry nodes")
	require.Equal(t, KindValidation, err.Kind)
	require.Equal(t, "validation: routine has no entry nodes", err.Error())
}

func TestForNodeIncludesNodeInMessage(t *testing.T) {
	err := ForNode(KindPluginNotFound, "n1", `plugin "missing" not registered`)
	require.Equal(t, "n1", err.NodeID)
	require.Contains(t, err.Error(), "(node n1)")
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindPluginRetryable, "fetch failed", cause)
	require.Equal(t, KindPluginRetryable, err.Kind)
	require.NotNil(t, err.Cause)
	require.Equal(t, "connection reset", err.Cause.Message)
}

func TestWrapEmptyMessageUsesCause(t *testing.T) {
	err := Wrap(KindPluginFatal, "", errors.New("boom"))
	require.Equal(t, "boom", err.Message)
}

func TestFromErrorPassesThroughClassified(t *testing.T) {
	orig := ForNode(KindMissingCredentials, "n2", "credential httpAuth absent")
	wrapped := fmt.Errorf("invoke: %w", orig)
	got := FromError(wrapped)
	require.Equal(t, KindMissingCredentials, got.Kind)
	require.Equal(t, "n2", got.NodeID)
}

func TestFromErrorDefaultsToFatal(t *testing.T) {
	got := FromError(errors.New("unexpected"))
	require.Equal(t, KindPluginFatal, got.Kind)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindTimeout, KindOf(New(KindTimeout, "deadline exceeded")))
	require.Equal(t, KindPluginFatal, KindOf(errors.New("plain")))
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", ForNode(KindInvalidOutput, "n3", "port out item 0 invalid"))
	require.True(t, errors.Is(err, &Error{Kind: KindInvalidOutput}))
	require.False(t, errors.Is(err, &Error{Kind: KindInvalidInput}))
}

func TestRetryableKinds(t *testing.T) {
	require.True(t, IsRetryable(New(KindPluginRetryable, "socket timeout")))
	for _, k := range []Kind{
		KindValidation, KindPluginNotFound, KindInvalidInput, KindInvalidOutput,
		KindMissingCredentials, KindPluginFatal, KindStalled, KindCancelled,
		KindTimeout, KindAborted,
	} {
		require.False(t, IsRetryable(New(k, "x")), "kind %s", k)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := Wrap(KindPluginRetryable, "fetch failed", errors.New("connection reset"))
	orig.NodeID = "n4"
	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Error
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, orig.Kind, back.Kind)
	require.Equal(t, orig.NodeID, back.NodeID)
	require.Equal(t, "connection reset", back.Cause.Message)
	require.True(t, errors.Is(&back, &Error{Kind: KindPluginRetryable}))
}
