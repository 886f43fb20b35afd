package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy decides what happens when an overlay and its target disagree.
type Strategy string

const (
	StrategyOverlayWins Strategy = "overlay-wins"
	StrategyBaseWins    Strategy = "base-wins"
	StrategyError       Strategy = "error"
	StrategyCallback    Strategy = "callback"
)

// ParseStrategy maps a config or CLI string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyOverlayWins:
		return StrategyOverlayWins, nil
	case StrategyBaseWins:
		return StrategyBaseWins, nil
	case StrategyError:
		return StrategyError, nil
	case StrategyCallback:
		return StrategyCallback, nil
	}
	return "", fmt.Errorf("unknown merge strategy %q", s)
}

// Conflict is handed to a Resolver with both competing contents.
type Conflict struct {
	Path    string
	Overlay []byte
	Target  []byte
}

// Resolution is a Resolver's verdict for one conflict.
type Resolution int

const (
	TakeOverlay Resolution = iota
	TakeTarget
)

// Resolver decides a single conflict for StrategyCallback.
type Resolver func(ctx context.Context, c Conflict) (Resolution, error)

// MergeOptions configures Merge.
type MergeOptions struct {
	Strategy Strategy
	Resolver Resolver
}

// MergeResult reports what a merge did.
type MergeResult struct {
	FilesMerged []string `json:"files_merged"`
	Conflicts   []string `json:"conflicts"`
	Errors      []string `json:"errors"`
}

// ErrMergeAborted is matched by every *MergeError.
var ErrMergeAborted = errors.New("workspace: merge aborted")

// MergeError reports a merge that wrote nothing.
type MergeError struct {
	Conflicts []string
	Errors    []string
}

func (e *MergeError) Error() string {
	switch {
	case len(e.Errors) > 0:
		return fmt.Sprintf("merge aborted: %s", strings.Join(e.Errors, "; "))
	default:
		return fmt.Sprintf("merge aborted: %d conflict(s): %s", len(e.Conflicts), strings.Join(e.Conflicts, ", "))
	}
}

func (e *MergeError) Is(target error) bool { return target == ErrMergeAborted }

// Merge applies overlay's local entries to target in one transaction.
// A conflict is a path present in both with different content at merge
// time; an overlay whiteout deletes the target path without conflicting.
// Under StrategyError any conflict aborts the merge, and under every
// strategy a collected error rolls the whole merge back, so target is
// either fully updated or untouched.
func Merge(ctx context.Context, overlay, target *Workspace, opts MergeOptions) (MergeResult, error) {
	var result MergeResult
	if overlay == nil || overlay.base == nil {
		return result, ErrNotOverlay
	}
	if target == nil || target.base != nil {
		return result, fmt.Errorf("merge target must be a base workspace")
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyOverlayWins
	}
	if opts.Strategy == StrategyCallback && opts.Resolver == nil {
		return result, fmt.Errorf("merge strategy %s requires a resolver", StrategyCallback)
	}

	target.mergeMu.Lock()
	defer target.mergeMu.Unlock()

	local, err := localEntries(ctx, overlay.db, "", true)
	if err != nil {
		return result, err
	}
	removed := make(map[string]bool)
	for _, e := range local {
		if e.whiteout {
			removed[e.path] = true
		}
	}

	err = retryOnBusy(ctx, 3, func() error {
		result = MergeResult{}
		tx, err := target.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin merge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now()
		for _, e := range local {
			if err := ctx.Err(); err != nil {
				return err
			}
			cur, exists, err := lookupLocal(ctx, tx, e.path)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if !exists && e.whiteout {
				continue
			}
			if exists && !e.whiteout && cur.digest == e.digest {
				continue
			}

			take := true
			if exists && !e.whiteout {
				result.Conflicts = append(result.Conflicts, e.path)
				switch opts.Strategy {
				case StrategyOverlayWins:
				case StrategyBaseWins:
					take = false
				case StrategyError:
					take = false
				case StrategyCallback:
					res, err := opts.Resolver(ctx, Conflict{Path: e.path, Overlay: e.content, Target: cur.content})
					if err != nil {
						result.Errors = append(result.Errors, fmt.Sprintf("resolve %s: %v", e.path, err))
						continue
					}
					take = res == TakeOverlay
				default:
					return fmt.Errorf("unknown merge strategy %q", opts.Strategy)
				}
			}
			if !take {
				continue
			}

			if e.whiteout {
				if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?;`, e.path); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", e.path, err))
					continue
				}
			} else if err := shapeConflict(ctx, tx, e.path, removed); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			} else if err := upsertFile(ctx, tx, e.path, e.content, e.mode, now); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.FilesMerged = append(result.FilesMerged, e.path)
		}

		if len(result.Errors) > 0 {
			return &MergeError{Conflicts: result.Conflicts, Errors: result.Errors}
		}
		if opts.Strategy == StrategyError && len(result.Conflicts) > 0 {
			return &MergeError{Conflicts: result.Conflicts}
		}
		return tx.Commit()
	})
	if err != nil {
		result.FilesMerged = nil
		return result, err
	}
	return result, nil
}

// shapeConflict reports whether writing p into a base workspace would put a
// file above or below another file. Paths the overlay deletes are ignored.
func shapeConflict(ctx context.Context, q querier, p string, removed map[string]bool) error {
	for i := strings.Index(p, "/"); i >= 0; {
		parent := p[:i]
		if _, ok, err := lookupLocal(ctx, q, parent); err != nil {
			return err
		} else if ok && !removed[parent] {
			return fmt.Errorf("%s: %s is a file", p, parent)
		}
		next := strings.Index(p[i+1:], "/")
		if next < 0 {
			break
		}
		i += next + 1
	}
	under, err := localEntries(ctx, q, p+"/", false)
	if err != nil {
		return err
	}
	for _, e := range under {
		if !e.whiteout && !removed[e.path] {
			return fmt.Errorf("%s: it is a directory holding %s", p, e.path)
		}
	}
	return nil
}
