// Package acp serves coding-agent sessions over the Agent Client Protocol,
// JSON-RPC 2.0 carried as newline-delimited JSON on stdio or as websocket
// messages.
//
// A Server maps session RPCs onto the session.Store and runs prompts through
// the agent.Runner. While a prompt runs, its event queue is drained into
// session/update notifications, and permission requests become outbound
// session/request_permission calls whose answers resolve the queue's pending
// request. Prompts on one session are serialized on the command queue lane
// commandqueue.SessionLane(id).
package acp
