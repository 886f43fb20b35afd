package lifecycle

import (
	"fmt"
	"sort"
	"time"
)

// RecoveryPlan is what the orchestrator rebuilds from persisted records at
// startup.
type RecoveryPlan struct {
	// Requeue holds QUEUED agents in dispatch order.
	Requeue []Agent
	// Interrupted holds agents that were in flight when the process died,
	// already moved to ERRORED. They must be saved before anything else runs.
	Interrupted []Agent
	// Reviewing holds agents still waiting on accept or reject.
	Reviewing []Agent
	// Terminal holds agents eligible for retention sweeps.
	Terminal []Agent
}

// Reconcile classifies records without side effects. In-flight agents are
// never resumed: execution is not assumed to survive a restart.
func Reconcile(records []Agent, now time.Time) RecoveryPlan {
	var plan RecoveryPlan
	for _, a := range records {
		switch {
		case a.State == StateQueued:
			plan.Requeue = append(plan.Requeue, a)
		case a.State.InFlight():
			from := a.State
			// Fail cannot reject an in-flight state.
			_ = a.Fail(ErrorInterrupted, fmt.Sprintf("interrupted by restart while %s", from), now)
			plan.Interrupted = append(plan.Interrupted, a)
		case a.State == StateReviewing:
			plan.Reviewing = append(plan.Reviewing, a)
		case a.State.Terminal():
			plan.Terminal = append(plan.Terminal, a)
		}
	}
	sort.SliceStable(plan.Requeue, func(i, j int) bool {
		pi, pj := plan.Requeue[i].Priority.Rank(), plan.Requeue[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return plan.Requeue[i].Seq < plan.Requeue[j].Seq
	})
	return plan
}
