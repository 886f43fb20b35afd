package bus

import "time"

// Agent lifecycle topics. Subscribe to "agent." for all of them.
const (
	TopicAgentStateChanged = "agent.state_changed"
	TopicAgentMerged       = "agent.merged"
	TopicAgentTrashed      = "agent.trashed"
	TopicSlotsChanged      = "scheduler.slots"
)

// AgentStateChanged is published after a transition has been persisted.
type AgentStateChanged struct {
	AgentID   string
	From      string
	To        string
	ErrorKind string // set when To is ERRORED
	At        time.Time
	// RunDuration is set on the first transition out of the in-flight
	// states and covers GENERATING through the exit.
	RunDuration time.Duration
}

// AgentMerged is published after an accept wrote the overlay into stable.
type AgentMerged struct {
	AgentID     string
	FilesMerged int
	Conflicts   int
}

// AgentTrashed is published after a terminal agent's storage was removed.
type AgentTrashed struct {
	AgentID string
	State   string
}

// SlotsChanged reports execution slot occupancy.
type SlotsChanged struct {
	InUse int
	Total int
}
