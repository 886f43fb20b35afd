package command

import (
	"errors"

	"github.com/basket/sandcastle/internal/lifecycle"
	"github.com/basket/sandcastle/internal/workspace"
)

// ErrorKind classifies a failed Outcome for callers.
type ErrorKind string

const (
	ErrorInvalid      ErrorKind = "invalid"
	ErrorNotFound     ErrorKind = "not_found"
	ErrorPrecondition ErrorKind = "precondition"
	ErrorMerge        ErrorKind = "merge"
	ErrorInternal     ErrorKind = "internal"
)

type OutcomeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// MergeSummary reports what an accept wrote to stable.
type MergeSummary struct {
	FilesMerged int      `json:"files_merged"`
	Conflicts   []string `json:"conflicts,omitempty"`
}

// Outcome is the result of one command, identical for every origin.
type Outcome struct {
	OK        bool              `json:"ok"`
	Command   Kind              `json:"command"`
	RequestID string            `json:"request_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Agent     *lifecycle.Agent  `json:"agent,omitempty"`
	Agents    []lifecycle.Agent `json:"agents,omitempty"`
	Merge     *MergeSummary     `json:"merge,omitempty"`
	// Removed is set by trash: false means the id was already gone.
	Removed *bool         `json:"removed,omitempty"`
	Error   *OutcomeError `json:"error,omitempty"`
}

// Failed builds a failed outcome, classifying err.
func Failed(c Command, err error) Outcome {
	return Outcome{
		OK:        false,
		Command:   c.Kind,
		RequestID: c.RequestID,
		AgentID:   c.AgentID,
		Error:     &OutcomeError{Kind: Classify(err), Message: err.Error()},
	}
}

// Classify maps an error to the kind reported to callers.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalid):
		return ErrorInvalid
	case errors.Is(err, lifecycle.ErrNotFound):
		return ErrorNotFound
	case errors.Is(err, lifecycle.ErrPrecondition):
		return ErrorPrecondition
	case errors.Is(err, workspace.ErrMergeAborted):
		return ErrorMerge
	}
	return ErrorInternal
}

// Err turns a failed outcome back into an error; nil when OK.
func (o Outcome) Err() error {
	if o.OK || o.Error == nil {
		return nil
	}
	return &RemoteError{Kind: o.Error.Kind, Message: o.Error.Message}
}

// RemoteError is an outcome failure carried across a transport.
type RemoteError struct {
	Kind    ErrorKind
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
