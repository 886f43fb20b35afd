// Package lifecycle defines the agent record, its state machine and the
// durable store every transition is written through.
package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

type State string

const (
	StateQueued     State = "QUEUED"
	StateGenerating State = "GENERATING"
	StateExecuting  State = "EXECUTING"
	StateSubmitting State = "SUBMITTING"
	StateReviewing  State = "REVIEWING"
	StateAccepted   State = "ACCEPTED"
	StateRejected   State = "REJECTED"
	StateErrored    State = "ERRORED"
)

// States lists every state in lifecycle order.
var States = []State{
	StateQueued, StateGenerating, StateExecuting, StateSubmitting,
	StateReviewing, StateAccepted, StateRejected, StateErrored,
}

var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateGenerating: {},
	},
	StateGenerating: {
		StateExecuting: {},
		StateErrored:   {},
	},
	StateExecuting: {
		StateSubmitting: {},
		StateErrored:    {},
	},
	StateSubmitting: {
		StateReviewing: {},
		StateErrored:   {},
	},
	StateReviewing: {
		StateAccepted: {},
		StateRejected: {},
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateErrored
}

// InFlight reports whether an agent in s holds an execution slot.
func (s State) InFlight() bool {
	return s == StateGenerating || s == StateExecuting || s == StateSubmitting
}

func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown agent state %q", raw)
	}
	return s, nil
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// ParsePriority accepts "high" or "normal"; empty means normal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("unknown priority %q (want high or normal)", raw)
}

// Rank orders priorities; lower runs first.
func (p Priority) Rank() int {
	if p == PriorityHigh {
		return 0
	}
	return 1
}

// ErrorKind classifies why an agent ended ERRORED (or why accept failed).
type ErrorKind string

const (
	ErrorResolution        ErrorKind = "resolution"
	ErrorValidation        ErrorKind = "validation"
	ErrorExecution         ErrorKind = "execution"
	ErrorLimitExceeded     ErrorKind = "limit_exceeded"
	ErrorContractViolation ErrorKind = "contract_violation"
	ErrorInterrupted       ErrorKind = "interrupted"
	ErrorMerge             ErrorKind = "merge"
)

// AgentError is the failure recorded on an agent.
type AgentError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Submission is the payload a run hands back through submit_result.
type Submission struct {
	Summary      string    `json:"summary"`
	ChangedFiles []string  `json:"changed_files"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Agent is one unit of requested work, persisted under key agent:{id}.
type Agent struct {
	ID             string      `json:"agent_id"`
	Reference      string      `json:"reference"`
	Priority       Priority    `json:"priority"`
	State          State       `json:"state"`
	Seq            int64       `json:"seq"`
	CreatedAt      time.Time   `json:"created_at"`
	StateChangedAt time.Time   `json:"state_changed_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	DBPath         string      `json:"db_path"`
	RunDir         string      `json:"run_dir,omitempty"`
	PreviewDir     string      `json:"preview_dir,omitempty"`
	Language       string      `json:"language,omitempty"`
	Submission     *Submission `json:"submission"`
	Error          *AgentError `json:"error"`
}

// NewAgent returns a QUEUED record.
func NewAgent(id, reference string, priority Priority, seq int64, now time.Time) Agent {
	now = now.UTC()
	return Agent{
		ID:             id,
		Reference:      reference,
		Priority:       priority,
		State:          StateQueued,
		Seq:            seq,
		CreatedAt:      now,
		StateChangedAt: now,
	}
}

// Advance moves a to the next state, keeping StateChangedAt non-decreasing.
func (a *Agent) Advance(to State, now time.Time) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for agent %s", a.State, to, a.ID)
	}
	now = now.UTC()
	if now.Before(a.StateChangedAt) {
		now = a.StateChangedAt
	}
	a.State = to
	a.StateChangedAt = now
	return nil
}

// Fail moves a to ERRORED with the given reason.
func (a *Agent) Fail(kind ErrorKind, msg string, now time.Time) error {
	if err := a.Advance(StateErrored, now); err != nil {
		return err
	}
	a.Error = &AgentError{Kind: kind, Message: msg, At: a.StateChangedAt}
	return nil
}

// RunDuration is how long a held its slot, zero if it never started.
func (a Agent) RunDuration() time.Duration {
	if a.StartedAt == nil {
		return 0
	}
	return a.StateChangedAt.Sub(*a.StartedAt)
}
