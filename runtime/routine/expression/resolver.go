// Package expression resolves {{ ... }} templates inside node parameters
// just before plugin invocation.
//
// An expression is a dotted path rooted at one of vars, nodes, trigger, or
// execution. When a string is exactly one expression the resolved value keeps
// its raw type; when expressions are embedded in a larger string each
// reference is coerced to text. Missing references resolve to undefined (nil
// for whole values, the empty string when embedded), never to the literal
// template text.
package expression

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"flowstate.dev/flowstate/runtime/routine/state"
)

// template matches one {{ expr }} reference, tolerating interior whitespace
// including tabs and newlines.
var template = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

type (
	// Context carries the roots available to expressions while resolving one
	// task's parameters.
	Context struct {
		// Vars holds the frozen routine variables.
		Vars map[string]any

		// Nodes resolves upstream node outputs under the task's loop context.
		Nodes NodeLookup

		// Trigger is the execution's trigger payload.
		Trigger map[string]any

		// Execution describes the running execution.
		Execution Execution
	}

	// Execution is the execution metadata exposed under the `execution` root.
	Execution struct {
		ID        string
		RoutineID string
		StartedAt time.Time
	}

	// NodeLookup resolves the most recent output items of a node's port under
	// the caller's loop context. The boolean is false when the node has no
	// terminal result visible from that context.
	NodeLookup interface {
		Output(nodeID, port string) ([]state.Item, bool)
	}

	// NodeLookupFunc adapts a function to the NodeLookup interface.
	NodeLookupFunc func(nodeID, port string) ([]state.Item, bool)
)

// Output implements NodeLookup.
func (f NodeLookupFunc) Output(nodeID, port string) ([]state.Item, bool) {
	return f(nodeID, port)
}

// Resolve walks value and returns a copy with every template resolved
// against ctx. The input is never mutated. Values without templates come
// back deep-equal to the input.
func Resolve(value any, ctx Context) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Resolve(elem, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Resolve(elem, ctx)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, ctx Context) any {
	matches := template.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	// A string that is exactly one expression keeps the raw resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		v, _ := evaluate(s[matches[0][2]:matches[0][3]], ctx)
		return v
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, ok := evaluate(s[m[2]:m[3]], ctx)
		if ok {
			b.WriteString(stringify(v))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// stringify coerces a resolved value to its embedded string form: strings
// verbatim, everything else as compact JSON (numbers minimal, booleans
// true/false, objects and arrays with sorted keys).
func stringify(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// evaluate resolves a single dotted-path expression. The boolean is false
// when the reference is undefined (unknown root, missing name, bad index, or
// a malformed path).
func evaluate(expr string, ctx Context) (any, bool) {
	segs, err := parsePath(expr)
	if err != nil || len(segs) == 0 || segs[0].kind != segIdent {
		return nil, false
	}
	switch segs[0].name {
	case "vars":
		if len(segs) < 2 || segs[1].kind == segIndex {
			return nil, false
		}
		v, ok := ctx.Vars[segs[1].name]
		if !ok {
			return nil, false
		}
		return drill(v, segs[2:])
	case "trigger":
		return drill(mapValue(ctx.Trigger), segs[1:])
	case "execution":
		view := map[string]any{
			"id":        ctx.Execution.ID,
			"routineId": ctx.Execution.RoutineID,
			"startedAt": ctx.Execution.StartedAt.UTC().Format(time.RFC3339),
		}
		return drill(view, segs[1:])
	case "nodes":
		return evaluateNode(segs[1:], ctx)
	default:
		return nil, false
	}
}

// evaluateNode resolves nodes.<id>.<port>[...]<path>: the items on the
// port under the current loop context, an optional item index (first item
// when absent), then a drill into the item's data.
func evaluateNode(segs []segment, ctx Context) (any, bool) {
	if ctx.Nodes == nil || len(segs) < 2 || segs[0].kind == segIndex || segs[1].kind == segIndex {
		return nil, false
	}
	items, ok := ctx.Nodes.Output(segs[0].name, segs[1].name)
	if !ok {
		return nil, false
	}
	rest := segs[2:]
	idx := 0
	if len(rest) > 0 && rest[0].kind == segIndex {
		idx = rest[0].index
		rest = rest[1:]
	}
	if idx < 0 || idx >= len(items) {
		return nil, false
	}
	return drill(items[idx].Data, rest)
}

// drill follows the remaining path segments into a value.
func drill(v any, segs []segment) (any, bool) {
	for _, seg := range segs {
		switch seg.kind {
		case segIdent, segKey:
			m, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok = m[seg.name]
			if !ok {
				return nil, false
			}
		case segIndex:
			arr, ok := v.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil, false
			}
			v = arr[seg.index]
		}
	}
	return v, true
}

func mapValue(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type segKind int

const (
	segIdent segKind = iota // bare dotted name
	segIndex                // [0]
	segKey                  // ["key"] or ['key']
)

type segment struct {
	kind  segKind
	name  string
	index int
}

type pathError struct{ pos int }

func (e *pathError) Error() string {
	return "malformed expression path at offset " + strconv.Itoa(e.pos)
}

// parsePath tokenizes a dotted path with optional bracket indexing:
// idents separated by dots, [n] for array/item indexes, ["k"] for keys.
func parsePath(expr string) ([]segment, error) {
	var segs []segment
	i := 0
	for i < len(expr) {
		switch c := expr[i]; {
		case c == '.':
			i++
			if i >= len(expr) {
				return nil, &pathError{pos: i}
			}
		case c == '[':
			j := strings.IndexByte(expr[i:], ']')
			if j < 0 {
				return nil, &pathError{pos: i}
			}
			inner := expr[i+1 : i+j]
			i += j + 1
			if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') {
				if inner[len(inner)-1] != inner[0] {
					return nil, &pathError{pos: i}
				}
				segs = append(segs, segment{kind: segKey, name: inner[1 : len(inner)-1]})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil {
				return nil, &pathError{pos: i}
			}
			segs = append(segs, segment{kind: segIndex, index: n})
		case isIdentStart(c):
			j := i + 1
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			segs = append(segs, segment{kind: segIdent, name: expr[i:j]})
			i = j
		default:
			return nil, &pathError{pos: i}
		}
	}
	return segs, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '-' || ('0' <= c && c <= '9')
}
