package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/basket/sandcastle/internal/fsutil"
	"github.com/basket/sandcastle/internal/lifecycle"
)

// QueueStats is the periodic snapshot written to StatsFile.
type QueueStats struct {
	At         time.Time               `json:"at"`
	Counts     map[lifecycle.State]int `json:"counts"`
	QueueDepth int                     `json:"queue_depth"`
	Running    int                     `json:"running"`
	FreeSlots  int                     `json:"free_slots"`
	Slots      int                     `json:"slots"`
}

// Sweep trashes terminal agents whose last transition is older than the
// retention window. REVIEWING agents are never swept.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	if o.cfg.TrashAfter <= 0 {
		return 0, nil
	}
	agents, err := o.store.List(ctx, lifecycle.Filter{States: []lifecycle.State{
		lifecycle.StateAccepted, lifecycle.StateRejected, lifecycle.StateErrored,
	}})
	if err != nil {
		return 0, err
	}
	cutoff := o.now().Add(-o.cfg.TrashAfter)
	swept := 0
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if !a.StateChangedAt.Before(cutoff) {
			continue
		}
		removed, _, err := o.trashAgent(ctx, a.ID)
		if err != nil {
			o.logger.Warn("retention sweep failed", "agent_id", a.ID, "error", err)
			continue
		}
		if removed {
			swept++
		}
	}
	if swept > 0 {
		o.logger.Info("retention sweep", "trashed", swept, "older_than", o.cfg.TrashAfter)
	}
	return swept, nil
}

// Stats reports record counts and scheduler occupancy.
func (o *Orchestrator) Stats(ctx context.Context) (QueueStats, error) {
	agents, err := o.store.List(ctx, lifecycle.Filter{})
	if err != nil {
		return QueueStats{}, err
	}
	st := o.sched.Stats()
	return QueueStats{
		At:         o.now().UTC(),
		Counts:     lifecycle.Counts(agents),
		QueueDepth: st.Queued,
		Running:    st.Running,
		FreeSlots:  st.FreeSlots,
		Slots:      st.Slots,
	}, nil
}

// SnapshotStats writes Stats to StateRoot/StatsFile.
func (o *Orchestrator) SnapshotStats(ctx context.Context) error {
	stats, err := o.Stats(ctx)
	if err != nil {
		return err
	}
	p := filepath.Join(o.cfg.StateRoot, filepath.FromSlash(StatsFile))
	if err := fsutil.WriteJSON(p, stats); err != nil {
		return fmt.Errorf("write queue stats: %w", err)
	}
	return nil
}
