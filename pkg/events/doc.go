// Package events carries typed agent events from a running prompt to a front-end.
//
// Invariants:
// - Events in one Queue are delivered in emission order.
// - Once a Queue is closed, Put is a no-op and never blocks.
// - Each permission request id resolves at most once.
// - An "always allow" grant lasts for the lifetime of the Queue.
//
// Usage:
//
//	q := events.NewQueue("session-1")
//	go events.Forward(ctx, q, sink, logger)
//	q.EmitTextChunk("hello")
//	q.Close()
package events
