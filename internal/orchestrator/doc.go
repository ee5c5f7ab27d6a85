// Package orchestrator runs the agent's claim/execute/report loop.
//
// One Orchestrator processes at most one job at a time:
//
//	claim -> mark running -> (workspace) -> execute -> report -> (cleanup)
//
// Claims are spaced by a minimum request interval and back off
// exponentially on transport errors. Repeated failures inside a sliding
// window trip the circuit breaker and stop the loop. Stop reports any
// in-flight job as failed exactly once before the agent exits.
//
// Example usage:
//
//	orch := orchestrator.New(orchestrator.RequiredConfig{
//		Gateway:  gw,
//		Executor: exec,
//	}, orchestrator.WithJournal(journal), orchestrator.WithLogger(log))
//	err := orch.Start(ctx)
package orchestrator
