package state

import (
	"strconv"
	"strings"
)

type (
	// Frame marks one level of loop nesting. A frame is pushed when the
	// iterator schedules a loop iteration and identifies the iteration's
	// position so downstream nodes run once per iteration.
	Frame struct {
		// EdgeID is the canonical body edge of the loop node that opened this
		// frame (the lexicographically smallest edge leaving the body port).
		EdgeID string `json:"edgeId"`

		// Iteration is the zero-based iteration this frame represents.
		Iteration int `json:"iteration"`

		// Accumulator is the opaque per-loop state the plugin reads and
		// writes on each iteration. Nil outside accumulator-carrying loops.
		Accumulator any `json:"accumulator,omitempty"`
	}

	// LoopContext is a stack of loop frames identifying a position inside
	// nested loops. The zero value is the empty stack (no enclosing loop).
	// Push copies, so derived contexts never mutate their parents.
	LoopContext []Frame
)

// Push returns a new context with frame appended as the innermost level.
func (c LoopContext) Push(frame Frame) LoopContext {
	out := make(LoopContext, len(c)+1)
	copy(out, c)
	out[len(c)] = frame
	return out
}

// Pop returns the context with the innermost frame removed. Popping the
// empty context returns the empty context.
func (c LoopContext) Pop() LoopContext {
	if len(c) == 0 {
		return nil
	}
	return c[:len(c)-1]
}

// Depth reports the number of enclosing loop frames.
func (c LoopContext) Depth() int { return len(c) }

// Iteration returns the innermost frame's iteration counter. The second
// return is false when the context is empty.
func (c LoopContext) Iteration() (int, bool) {
	if len(c) == 0 {
		return 0, false
	}
	return c[len(c)-1].Iteration, true
}

// Accumulator returns the innermost frame's accumulator, or nil when the
// context is empty.
func (c LoopContext) Accumulator() any {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1].Accumulator
}

// Key serializes the context as "edgeId:iteration" segments joined by "|".
// The empty context serializes to the empty string, so results recorded
// outside any loop are keyed by node id alone.
func (c LoopContext) Key() string {
	if len(c) == 0 {
		return ""
	}
	segs := make([]string, len(c))
	for i, f := range c {
		segs[i] = f.EdgeID + ":" + strconv.Itoa(f.Iteration)
	}
	return strings.Join(segs, "|")
}

// HasPrefix reports whether key identifies a context at or below the
// context serialized as prefix (every frame of prefix present, in order,
// from the outermost level).
func HasPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	if key == prefix {
		return true
	}
	return strings.HasPrefix(key, prefix+"|")
}
