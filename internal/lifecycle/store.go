package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/basket/sandcastle/internal/workspace"
)

const (
	keyPrefix = "agent:"
	seqKey    = "seq:agents"
)

var (
	// ErrNotFound is returned by Load for an unknown agent id.
	ErrNotFound = errors.New("lifecycle: agent not found")
	// ErrPrecondition is matched by every *PreconditionError.
	ErrPrecondition = errors.New("lifecycle: precondition failed")
)

// PreconditionError reports a command addressed to an agent in the wrong state.
type PreconditionError struct {
	AgentID string
	Op      string
	State   State
	Want    []State
}

func (e *PreconditionError) Error() string {
	want := make([]string, len(e.Want))
	for i, s := range e.Want {
		want[i] = string(s)
	}
	return fmt.Sprintf("%s %s: agent is %s, requires %s", e.Op, e.AgentID, e.State, strings.Join(want, " or "))
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// Key is the KV key an agent record lives under.
func Key(agentID string) string { return keyPrefix + agentID }

// Store persists agent records as JSON in the bin workspace's KV namespace.
// Each Save is a single-key write.
type Store struct {
	bin *workspace.Workspace
	now func() time.Time
}

// NewStore keeps records in bin. now stamps transitions; nil means time.Now.
func NewStore(bin *workspace.Workspace, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{bin: bin, now: now}
}

// NextSeq returns a process-independent, strictly increasing enqueue number.
func (s *Store) NextSeq(ctx context.Context) (int64, error) {
	return s.bin.KVIncrement(ctx, seqKey)
}

func (s *Store) Save(ctx context.Context, a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("save agent: empty id")
	}
	if !a.State.Valid() {
		return fmt.Errorf("save agent %s: invalid state %q", a.ID, a.State)
	}
	prev, err := s.Load(ctx, a.ID)
	switch {
	case err == nil:
		if a.StateChangedAt.Before(prev.StateChangedAt) {
			return fmt.Errorf("save agent %s: state_changed_at %s precedes stored %s", a.ID,
				a.StateChangedAt.Format(time.RFC3339Nano), prev.StateChangedAt.Format(time.RFC3339Nano))
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", a.ID, err)
	}
	return s.bin.KVSet(ctx, Key(a.ID), string(raw))
}

func (s *Store) Load(ctx context.Context, id string) (Agent, error) {
	raw, err := s.bin.KVGet(ctx, Key(id))
	if errors.Is(err, workspace.ErrNotFound) {
		return Agent{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Agent{}, err
	}
	var a Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Agent{}, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return a, nil
}

// Filter narrows List. The zero Filter matches every record.
type Filter struct {
	States []State
}

func (f Filter) match(a Agent) bool {
	return len(f.States) == 0 || slices.Contains(f.States, a.State)
}

// List returns matching records in enqueue order.
func (s *Store) List(ctx context.Context, f Filter) ([]Agent, error) {
	pairs, err := s.bin.KVList(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Agent, 0, len(pairs))
	for _, p := range pairs {
		var a Agent
		if err := json.Unmarshal([]byte(p.Value), &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Key, err)
		}
		if f.match(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes a record. Unknown ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.bin.KVDelete(ctx, Key(id))
}

// Transition loads id, checks it is in one of allowedFrom, applies mutate
// and advances it to `to`, then saves. Callers serialize per agent id.
func (s *Store) Transition(ctx context.Context, id, op string, allowedFrom []State, to State, mutate func(*Agent) error) (Agent, error) {
	a, err := s.Load(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if !slices.Contains(allowedFrom, a.State) {
		return a, &PreconditionError{AgentID: id, Op: op, State: a.State, Want: allowedFrom}
	}
	if mutate != nil {
		if err := mutate(&a); err != nil {
			return a, err
		}
	}
	if err := a.Advance(to, s.now()); err != nil {
		return a, err
	}
	if err := s.Save(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// Counts tallies records by state.
func Counts(agents []Agent) map[State]int {
	out := make(map[State]int, len(States))
	for _, st := range States {
		out[st] = 0
	}
	for _, a := range agents {
		out[a.State]++
	}
	return out
}
