// Package commandqueue serialises work per lane. The agent uses one lane per
// thread so a thread advances one turn at a time while distinct threads run
// concurrently.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A caller whose context ends while queued is removed and gets ctx.Err().
// - Idle lanes are released.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "thread:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
