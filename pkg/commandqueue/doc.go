// Package commandqueue serializes work per lane.
//
// The protocol adapter runs every prompt of a session in the lane
// SessionLane(id), so a second prompt on the same session waits for the
// first to finish while other sessions proceed.
//
// Invariants:
//   - Tasks in the same lane start in FIFO order.
//   - Tasks in different lanes may run concurrently.
//   - Empty lanes are dropped; lane sizes are exported as metrics.
//
// Usage:
//
//	q := commandqueue.New(logger)
//	defer q.Close()
//	err := q.Run(ctx, commandqueue.SessionLane(id), func(ctx context.Context) error {
//		return runPrompt(ctx)
//	}, nil)
package commandqueue
