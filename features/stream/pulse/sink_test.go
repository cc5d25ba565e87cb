package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "flowstate.dev/flowstate/features/stream/pulse/clients/pulse"
	"flowstate.dev/flowstate/runtime/routine/state"
	"flowstate.dev/flowstate/runtime/routine/stream"
)

func TestSendPublishesEnvelope(t *testing.T) {
	t.Parallel()

	str := &fakeStream{}
	cli := &fakeClient{streams: map[string]*fakeStream{"execution/exec-123": str}}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	payload := stream.NodeCompletedPayload{
		NodeID: "A",
		Result: &state.NodeResult{
			NodeID: "A",
			Status: state.StatusCompleted,
			Outputs: map[string][]state.Item{
				"out": {{Data: "v"}},
			},
		},
		Timestamp: 42,
	}
	err = sink.Send(context.Background(), stream.NewNodeCompleted("exec-123", "r1", payload))
	require.NoError(t, err)

	require.Len(t, str.added, 1)
	require.Equal(t, "nodeCompleted", str.added[0].event)

	var env envelope
	require.NoError(t, json.Unmarshal(str.added[0].payload, &env))
	require.Equal(t, "nodeCompleted", env.Type)
	require.Equal(t, "exec-123", env.ExecutionID)
	require.Equal(t, "r1", env.RoutineID)
	require.False(t, env.Timestamp.IsZero())

	body, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "A", body["nodeId"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "completed", result["status"])
}

func TestSendRequiresExecutionID(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)

	err = sink.Send(context.Background(), stream.NewNodeStarted("", "r1", stream.NodeStartedPayload{NodeID: "A"}))
	require.Error(t, err)
}

func TestSendCustomStreamID(t *testing.T) {
	t.Parallel()

	str := &fakeStream{}
	cli := &fakeClient{streams: map[string]*fakeStream{"tenant-7/exec-1": str}}

	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(e stream.Event) (string, error) {
			return "tenant-7/" + e.ExecutionID(), nil
		},
	})
	require.NoError(t, err)

	err = sink.Send(context.Background(), stream.NewExecutionCreated("exec-1", "r1", stream.ExecutionCreatedPayload{}))
	require.NoError(t, err)
	require.Len(t, str.added, 1)
}

func TestSendMarshalFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("marshal failed")
	sink, err := NewSink(Options{
		Client:          &fakeClient{streams: map[string]*fakeStream{"execution/exec-1": {}}},
		MarshalEnvelope: func(envelope) ([]byte, error) { return nil, boom },
	})
	require.NoError(t, err)

	err = sink.Send(context.Background(), stream.NewExecutionCreated("exec-1", "r1", stream.ExecutionCreatedPayload{}))
	require.ErrorIs(t, err, boom)
}

func TestNewSinkRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewSink(Options{})
	require.Error(t, err)
}

type addCall struct {
	event   string
	payload []byte
}

type fakeClient struct {
	streams map[string]*fakeStream
	closed  bool
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	str, ok := c.streams[name]
	if !ok {
		return nil, errors.New("unexpected stream " + name)
	}
	return str, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

type fakeStream struct {
	added   []addCall
	addErr  error
	sink    *fakeSink
	sinkErr error
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, addCall{event: event, payload: append([]byte(nil), payload...)})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.sinkErr != nil {
		return nil, s.sinkErr
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error {
	return nil
}
