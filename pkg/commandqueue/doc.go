// Package commandqueue runs tasks in named lanes. Tasks in one lane run in
// FIFO order with bounded concurrency (one at a time by default); separate
// lanes run independently. Idle lanes are dropped, so per-entity lanes such
// as "session-<id>" do not accumulate.
//
// Invariants:
// - Tasks in the same lane start in enqueue order.
// - A task whose caller gave up before it started never runs.
// - Close cancels running tasks and rejects new ones.
//
// Usage:
//
//	q := commandqueue.New(commandqueue.Options{})
//	defer q.Close()
//	v, err := q.Enqueue(ctx, "session-abc", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	})
package commandqueue
