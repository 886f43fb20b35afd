package otel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/sandcastle/internal/bus"
)

// Recorder turns bus events into metric points.
type Recorder struct {
	metrics *Metrics
	logger  *slog.Logger
	sub     *bus.Subscription
	eb      *bus.Bus
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewRecorder subscribes to b. Call Start to begin consuming and Stop to
// unsubscribe.
func NewRecorder(b *bus.Bus, m *Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		metrics: m,
		logger:  logger,
		sub:     b.Subscribe(""),
		eb:      b,
		done:    make(chan struct{}),
	}
}

// Start consumes events until ctx is done or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.sub.Ch():
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer goroutine.
func (r *Recorder) Stop() {
	r.once.Do(func() { r.eb.Unsubscribe(r.sub) })
	if r.started.Load() {
		<-r.done
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.AgentStateChanged:
		attrs := metric.WithAttributes(AttrFromState.String(p.From), AttrState.String(p.To), AttrErrorKind.String(p.ErrorKind))
		r.metrics.Transitions.Add(ctx, 1, attrs)
		if p.RunDuration > 0 {
			r.metrics.RunDuration.Record(ctx, p.RunDuration.Seconds(), metric.WithAttributes(AttrState.String(p.To)))
		}
	case bus.SlotsChanged:
		r.metrics.SlotsInUse.Record(ctx, int64(p.InUse))
	case bus.AgentMerged:
		r.metrics.MergeFiles.Add(ctx, int64(p.FilesMerged))
	case bus.AgentTrashed:
		r.metrics.Trashed.Add(ctx, 1, metric.WithAttributes(AttrState.String(p.State)))
	default:
		r.logger.Debug("otel recorder ignoring event", "topic", ev.Topic)
	}
}
