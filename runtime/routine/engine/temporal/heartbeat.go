package temporal

import (
	"context"

	"go.temporal.io/sdk/activity"

	"flowstate.dev/flowstate/runtime/routine/plugin"
)

// Heartbeater returns a heartbeat recorder backed by Temporal activity
// heartbeats. Outside an activity context the recorder is inert, so the same
// invoker wiring works under the in-memory engine and in plain tests.
func Heartbeater() plugin.Heartbeater {
	return plugin.HeartbeatFunc(func(ctx context.Context, details ...any) {
		if activity.IsActivity(ctx) {
			activity.RecordHeartbeat(ctx, details...)
		}
	})
}

// Attempt returns the 1-based attempt counter of the current activity, or 1
// when ctx does not belong to a Temporal activity. Activity handlers use it to
// count retries without importing the SDK themselves.
func Attempt(ctx context.Context) int {
	if !activity.IsActivity(ctx) {
		return 1
	}
	if n := activity.GetInfo(ctx).Attempt; n > 1 {
		return int(n)
	}
	return 1
}
