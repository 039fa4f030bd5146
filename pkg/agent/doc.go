// Package agent drives the model/tool loop of one prompt.
//
// Invariants:
// - Every tool call of a step gets exactly one tool message, in call order,
//   before the next model call.
// - A run ends on final content, cancellation, model failure or the step limit.
// - The returned history is complete even when the run did not finish.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Provider: provider, Registry: registry, Logger: logger})
//	result, err := runner.Run(ctx, agent.RunParams{
//		SessionID: st.ID,
//		Prompt:    "hello",
//		Config:    st.Config,
//		History:   st.History,
//		Queue:     q,
//	})
//	_ = store.RecordTurn(ctx, st.ID, result.History, result.LastResponseID)
package agent
