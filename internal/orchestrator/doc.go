// Package orchestrator runs the backlog stored in the state database.
//
// Each step takes a scheduler snapshot and does one of:
//   - Complete a decomposed epic whose subtasks are all done
//   - Apply critic verdicts that arrived for a parked task
//   - Decompose an epic into subtasks
//   - Dispatch the highest priority task to an idle agent
//
// A dispatch claims the task (pending -> in_progress), executes it under an
// account lease from the router and records exactly one outcome: critic
// policy on success, needs_improvement or blocked on failure, pending when
// the run was interrupted or every provider is in cooldown.
//
// Example usage:
//
//	orch, err := orchestrator.New(orchestrator.RequiredConfig{
//		Store:    db,
//		Executor: executor,
//		Router:   r,
//		Agents:   pool,
//	}, orchestrator.WithPolicy(pol))
//	if err != nil {
//		return err
//	}
//	defer orch.Close()
//	err = orch.Run(ctx)
package orchestrator
