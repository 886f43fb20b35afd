// Package scheduler admits queued agents under a fixed number of execution
// slots.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/basket/sandcastle/internal/bus"
)

var (
	ErrQueueClosed   = errors.New("scheduler: queue closed")
	ErrAlreadyQueued = errors.New("scheduler: item already queued")
)

// Handler runs one dispatched item. It must not retain the slot.
type Handler func(ctx context.Context, item Item)

type Config struct {
	Slots   int
	Handler Handler
	Bus     *bus.Bus
	Logger  *slog.Logger
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	FreeSlots int `json:"free_slots"`
	Slots     int `json:"slots"`
}

type Scheduler struct {
	slots   int
	sem     *semaphore.Weighted
	handler Handler
	bus     *bus.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	queue  itemHeap
	queued map[string]bool
	closed bool
	wake   chan struct{}

	running atomic.Int64
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

func New(cfg Config) *Scheduler {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = func(context.Context, Item) {}
	}
	return &Scheduler{
		slots:    cfg.Slots,
		sem:      semaphore.NewWeighted(int64(cfg.Slots)),
		handler:  cfg.Handler,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		queued:   make(map[string]bool),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
}

// Enqueue adds item. Items may be enqueued before Start.
func (s *Scheduler) Enqueue(item Item) error {
	if item.ID == "" {
		return fmt.Errorf("enqueue: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrQueueClosed
	}
	if s.queued[item.ID] {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, item.ID)
	}
	s.queued[item.ID] = true
	heap.Push(&s.queue, item)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the dispatch loop until ctx is done or Stop is called.
// Handlers receive a context detached from ctx's cancellation: stopping
// the loop never interrupts a running item.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.loop(loopCtx, context.WithoutCancel(ctx))
	})
}

func (s *Scheduler) loop(ctx, runCtx context.Context) {
	defer close(s.loopDone)
	for {
		if !s.waitForItem(ctx) {
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		item, ok := s.pop()
		if !ok {
			s.sem.Release(1)
			continue
		}
		slot := newSlot(func() {
			s.running.Add(-1)
			s.sem.Release(1)
			s.publishSlots()
		})
		s.running.Add(1)
		s.publishSlots()
		s.wg.Add(1)
		go s.dispatch(runCtx, slot, item)
	}
}

func (s *Scheduler) waitForItem(ctx context.Context) bool {
	for {
		s.mu.Lock()
		n := len(s.queue)
		s.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.wake:
		}
	}
}

func (s *Scheduler) pop() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Item{}, false
	}
	it := heap.Pop(&s.queue).(Item)
	delete(s.queued, it.ID)
	return it, true
}

// dispatch owns the slot for the lifetime of the handler.
func (s *Scheduler) dispatch(ctx context.Context, slot *Slot, item Item) {
	defer s.wg.Done()
	defer slot.Release()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("scheduler handler panic", "agent_id", item.ID, "panic", p)
		}
	}()
	s.handler(ctx, item)
}

func (s *Scheduler) publishSlots() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicSlotsChanged, bus.SlotsChanged{InUse: int(s.running.Load()), Total: s.slots})
}

// Stop closes the queue and stops the loop. Running handlers continue; use
// Drain to wait for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel == nil {
			close(s.loopDone)
			return
		}
		cancel()
	})
	<-s.loopDone
}

// Drain waits up to timeout for running handlers and reports whether they
// all finished.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	running := int(s.running.Load())
	return Stats{Queued: queued, Running: running, FreeSlots: s.slots - running, Slots: s.slots}
}

// Pending returns queued items in dispatch order.
func (s *Scheduler) Pending() []Item {
	s.mu.Lock()
	out := append([]Item(nil), s.queue...)
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
