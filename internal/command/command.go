// Package command is the transport-neutral request model. The CLI and the
// signal-file watcher both normalize into Command and render Outcome.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/sandcastle/internal/lifecycle"
)

type Kind string

const (
	KindQueue      Kind = "queue"
	KindAccept     Kind = "accept"
	KindReject     Kind = "reject"
	KindStatus     Kind = "status"
	KindListAgents Kind = "list_agents"
	KindTrash      Kind = "trash"
)

// Kinds lists every command kind.
var Kinds = []Kind{KindQueue, KindAccept, KindReject, KindStatus, KindListAgents, KindTrash}

type Origin string

const (
	OriginCLI    Origin = "cli"
	OriginSignal Origin = "signal"
)

// ErrInvalid is matched by every validation failure from Normalize.
var ErrInvalid = errors.New("command: invalid")

// Command is one normalized request. Origin is informational only.
type Command struct {
	Kind      Kind               `json:"command"`
	AgentID   string             `json:"agent_id,omitempty"`
	Reference string             `json:"reference,omitempty"`
	Priority  lifecycle.Priority `json:"priority,omitempty"`
	State     lifecycle.State    `json:"state,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
	Origin    Origin             `json:"-"`
}

// ParseKind accepts the canonical kind names plus the CLI's dashed forms.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown command %q", ErrInvalid, raw)
}

// Normalize trims fields, fills defaults and checks each kind has the
// arguments it needs.
func Normalize(c Command) (Command, error) {
	kind, err := ParseKind(string(c.Kind))
	if err != nil {
		return c, err
	}
	c.Kind = kind
	c.AgentID = strings.TrimSpace(c.AgentID)
	c.Reference = strings.TrimSpace(c.Reference)
	if c.Origin == "" {
		c.Origin = OriginCLI
	}

	switch c.Kind {
	case KindQueue:
		if c.Reference == "" {
			return c, fmt.Errorf("%w: queue requires a reference", ErrInvalid)
		}
		p, err := lifecycle.ParsePriority(string(c.Priority))
		if err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		c.Priority = p
	case KindAccept, KindReject, KindStatus, KindTrash:
		if c.AgentID == "" {
			return c, fmt.Errorf("%w: %s requires an agent id", ErrInvalid, c.Kind)
		}
	case KindListAgents:
		if c.State != "" {
			st, err := lifecycle.ParseState(string(c.State))
			if err != nil {
				return c, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			c.State = st
		}
	}
	return c, nil
}
