package splitbatches_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"flowstate.dev/flowstate/plugins/splitbatches"
	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/state"
)

func invoke(t *testing.T, iteration int, config map[string]any, inputs []state.Item) *plugin.Output {
	t.Helper()
	p := splitbatches.New()
	out, err := p.Execute(context.Background(), plugin.Request{
		Inputs: map[string][]state.Item{splitbatches.PortIn: inputs},
		Config: config,
		Context: plugin.Context{
			LoopIteration: &iteration,
		},
	})
	require.NoError(t, err)
	return out
}

func collectionItem(values ...any) []state.Item {
	return []state.Item{{Data: values, Metadata: state.ItemMetadata{SourceNode: "S", SourcePort: "out"}}}
}

func TestIteratesCollectionInBatches(t *testing.T) {
	t.Parallel()

	inputs := collectionItem([]any{"a", "b", "c"}...)
	config := map[string]any{"batchSize": 2.0}

	out := invoke(t, 0, config, inputs)
	require.Equal(t, []any{"a", "b"}, out.Ports[plugin.PortBody])
	require.Equal(t, 2, out.Accumulator)

	out = invoke(t, 1, config, inputs)
	require.Equal(t, []any{"c"}, out.Ports[plugin.PortBody])
	require.Equal(t, 3, out.Accumulator)

	out = invoke(t, 2, config, inputs)
	require.Empty(t, out.Ports[plugin.PortBody])
	require.Equal(t, []any{[]any{"a", "b", "c"}}, out.Ports[plugin.PortDone])
}

func TestDefaultBatchSizeIsOne(t *testing.T) {
	t.Parallel()

	inputs := collectionItem([]any{"x", "y"}...)

	out := invoke(t, 0, map[string]any{}, inputs)
	require.Equal(t, []any{"x"}, out.Ports[plugin.PortBody])

	out = invoke(t, 1, map[string]any{}, inputs)
	require.Equal(t, []any{"y"}, out.Ports[plugin.PortBody])

	out = invoke(t, 2, map[string]any{}, inputs)
	require.Len(t, out.Ports[plugin.PortDone], 1)
}

func TestEmptyCollectionCompletesImmediately(t *testing.T) {
	t.Parallel()

	out := invoke(t, 0, map[string]any{}, nil)
	require.Empty(t, out.Ports[plugin.PortBody])
	require.Equal(t, []any{[]any{}}, out.Ports[plugin.PortDone])
	require.Equal(t, 0, out.Accumulator)
}

func TestScalarItemsIterateIndividually(t *testing.T) {
	t.Parallel()

	inputs := []state.Item{
		{Data: 1.0},
		{Data: []any{2.0, 3.0}},
		{Data: 4.0},
	}

	out := invoke(t, 0, map[string]any{"batchSize": 3.0}, inputs)
	require.Equal(t, []any{1.0, 2.0, 3.0}, out.Ports[plugin.PortBody])

	out = invoke(t, 1, map[string]any{"batchSize": 3.0}, inputs)
	require.Equal(t, []any{4.0}, out.Ports[plugin.PortBody])
}

func TestDeclaresLoopPorts(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(splitbatches.New()))
	entry, ok := reg.Lookup(splitbatches.ID)
	require.True(t, ok)
	require.True(t, entry.Definition().Loop)
	require.Equal(t, []string{plugin.PortBody, plugin.PortDone}, entry.OutputPorts())
}
