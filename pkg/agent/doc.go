// Package agent runs the tool-using conversation loop for a thread.
//
// Invariants:
// - One thread advances one turn at a time through its commandqueue lane.
// - The turn is checkpointed after every state transition.
// - The tool-call index only moves when a tool is dispatched.
// - Tool calls route through toolexecutor only.
//
// Usage:
//
//	orch, _ := agent.NewOrchestrator(agent.Config{...})
//	result, _ := orch.Run(ctx, agent.RunRequest{
//		ThreadID:       "thread-1",
//		ExplicitUserID: "alice",
//		Message:        "what is on my calendar today?",
//	})
//	if result.State == agent.StateAwaitingApproval {
//		result, _ = orch.Resume(ctx, agent.ResumeRequest{
//			ThreadID: "thread-1",
//			Decision: toolexecutor.Approve(),
//		})
//	}
package agent
