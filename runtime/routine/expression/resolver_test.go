package expression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowstate.dev/flowstate/runtime/routine/state"
)

func testContext() Context {
	return Context{
		Vars: map[string]any{
			"count": 3.0,
			"name":  "Ada",
			"on":    true,
			"obj":   map[string]any{"key": "v", "list": []any{1.0, 2.0}},
			"nul":   nil,
		},
		Trigger: map[string]any{"kind": "webhook", "payload": map[string]any{"id": 7.0}},
		Execution: Execution{
			ID:        "exec-1",
			RoutineID: "r1",
			StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		Nodes: NodeLookupFunc(func(nodeID, port string) ([]state.Item, bool) {
			if nodeID == "A" && port == "out" {
				return []state.Item{
					{Data: map[string]any{"value": 21.0}},
					{Data: map[string]any{"value": 42.0}},
				}, true
			}
			if nodeID == "empty" && port == "out" {
				return nil, true
			}
			return nil, false
		}),
	}
}

func TestWholeValuePreservesType(t *testing.T) {
	ctx := testContext()
	require.Equal(t, 3.0, Resolve("{{ vars.count }}", ctx))
	require.Equal(t, true, Resolve("{{ vars.on }}", ctx))
	require.Equal(t, map[string]any{"key": "v", "list": []any{1.0, 2.0}}, Resolve("{{ vars.obj }}", ctx))
}

func TestWhitespaceVariantsResolveIdentically(t *testing.T) {
	ctx := testContext()
	for _, s := range []string{"{{vars.count}}", "{{ vars.count }}", "{{\nvars.count\n}}", "{{\tvars.count\t}}"} {
		require.Equal(t, 3.0, Resolve(s, ctx), "template %q", s)
	}
}

func TestMissingReferenceIsUndefined(t *testing.T) {
	ctx := testContext()
	require.Nil(t, Resolve("{{ vars.nothere }}", ctx))
	require.Nil(t, Resolve("{{ nodes.B.out }}", ctx))
	require.Nil(t, Resolve("{{ bogusroot.x }}", ctx))
	require.Equal(t, "value: ", Resolve("value: {{ vars.nothere }}", ctx))
}

func TestEmbeddedCoercion(t *testing.T) {
	ctx := testContext()
	require.Equal(t, "Hello, Ada!", Resolve("Hello, {{ vars.name }}!", ctx))
	require.Equal(t, "count=3, on=true", Resolve("count={{ vars.count }}, on={{ vars.on }}", ctx))
	require.Equal(t, `obj={"key":"v","list":[1,2]}`, Resolve("obj={{ vars.obj }}", ctx))
	require.Equal(t, "null value: null", Resolve("null value: {{ vars.nul }}", ctx))
}

func TestNodeOutputResolution(t *testing.T) {
	ctx := testContext()
	require.Equal(t, map[string]any{"value": 21.0}, Resolve("{{ nodes.A.out }}", ctx))
	require.Equal(t, 21.0, Resolve("{{ nodes.A.out.value }}", ctx))
	require.Equal(t, 42.0, Resolve("{{ nodes.A.out[1].value }}", ctx))
	require.Nil(t, Resolve("{{ nodes.A.out[5].value }}", ctx))
	// A port that fired with zero items has no first item to address.
	require.Nil(t, Resolve("{{ nodes.empty.out }}", ctx))
}

func TestTriggerAndExecutionRoots(t *testing.T) {
	ctx := testContext()
	require.Equal(t, "webhook", Resolve("{{ trigger.kind }}", ctx))
	require.Equal(t, 7.0, Resolve("{{ trigger.payload.id }}", ctx))
	require.Equal(t, "exec-1", Resolve("{{ execution.id }}", ctx))
	require.Equal(t, "r1", Resolve("{{ execution.routineId }}", ctx))
	require.Equal(t, "2024-05-01T12:00:00Z", Resolve("{{ execution.startedAt }}", ctx))
}

func TestBracketKeyAccess(t *testing.T) {
	ctx := testContext()
	require.Equal(t, "v", Resolve(`{{ vars.obj["key"] }}`, ctx))
	require.Equal(t, 2.0, Resolve("{{ vars.obj.list[1] }}", ctx))
}

func TestResolveWalksContainersImmutably(t *testing.T) {
	ctx := testContext()
	in := map[string]any{
		"greeting": "Hello, {{ vars.name }}!",
		"nested":   []any{"{{ vars.count }}", map[string]any{"flag": "{{ vars.on }}"}},
		"plain":    42.0,
	}
	out := Resolve(in, ctx)
	require.Equal(t, map[string]any{
		"greeting": "Hello, Ada!",
		"nested":   []any{3.0, map[string]any{"flag": true}},
		"plain":    42.0,
	}, out)
	// Input untouched.
	require.Equal(t, "Hello, {{ vars.name }}!", in["greeting"])
	require.Equal(t, "{{ vars.count }}", in["nested"].([]any)[0])
}

func TestResolveIdempotentWithoutTemplates(t *testing.T) {
	ctx := testContext()
	in := map[string]any{
		"s": "no templates here",
		"n": 1.5,
		"b": false,
		"a": []any{"x", 2.0, map[string]any{"k": nil}},
	}
	require.Equal(t, in, Resolve(in, ctx))
}

func TestNonStringScalarsPassThrough(t *testing.T) {
	ctx := testContext()
	require.Equal(t, 42.0, Resolve(42.0, ctx))
	require.Equal(t, true, Resolve(true, ctx))
	require.Nil(t, Resolve(nil, ctx))
}

func TestMalformedPathIsUndefined(t *testing.T) {
	ctx := testContext()
	require.Nil(t, Resolve("{{ vars.obj[bad] }}", ctx))
	require.Nil(t, Resolve("{{ vars. }}", ctx))
	require.Nil(t, Resolve("{{ vars }}", ctx))
}

func TestAdjacentTemplatesAreEmbedded(t *testing.T) {
	ctx := testContext()
	require.Equal(t, "3true", Resolve("{{ vars.count }}{{ vars.on }}", ctx))
}
