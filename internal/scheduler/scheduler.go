// Package scheduler serialises work onto named lanes. A lane is a bounded
// concurrency domain with strict-FIFO admission: model calls for one agent
// share a lane so runs never interleave, and resource-heavy tools get their
// own.
package scheduler

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
)

// DefaultConcurrency is the slot count for lanes that are not configured
// explicitly. One slot means strict serialisation.
const DefaultConcurrency = 1

type waiter struct {
	ready chan struct{}
	elem  *list.Element
}

type lane struct {
	mu      sync.Mutex
	name    string
	slots   int
	inUse   int
	waiters *list.List // FIFO of *waiter
}

// Scheduler owns all lanes. Lanes are created on first use with the
// configured (or default) concurrency.
type Scheduler struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	concurrency map[string]int
}

// New builds a scheduler. concurrency maps lane name to slot count;
// missing lanes default to 1.
func New(concurrency map[string]int) *Scheduler {
	return &Scheduler{
		lanes:       make(map[string]*lane),
		concurrency: concurrency,
	}
}

func (s *Scheduler) lane(name string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[name]; ok {
		return l
	}
	slots := s.concurrency[name]
	if slots <= 0 {
		slots = DefaultConcurrency
	}
	l := &lane{name: name, slots: slots, waiters: list.New()}
	s.lanes[name] = l
	return l
}

// Acquire blocks until a slot on the named lane is free or ctx is done.
// Waiters are admitted strictly in arrival order; a cancelled waiter is
// removed from the queue and never woken.
func (s *Scheduler) Acquire(ctx context.Context, name string) error {
	l := s.lane(name)

	l.mu.Lock()
	if l.inUse < l.slots && l.waiters.Len() == 0 {
		l.inUse++
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	w.elem = l.waiters.PushBack(w)
	l.mu.Unlock()

	slog.Debug("scheduler.waiting", "lane", name)
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.elem != nil {
			l.waiters.Remove(w.elem)
			w.elem = nil
			l.mu.Unlock()
			return ctx.Err()
		}
		l.mu.Unlock()
		// Lost the race: the slot was already handed to us. Give it back
		// so the next waiter runs, then report cancellation.
		s.Release(name)
		return ctx.Err()
	}
}

// Release frees one slot and wakes the oldest waiter, if any. Callers must
// pair every successful Acquire with exactly one Release, typically via
// defer.
func (s *Scheduler) Release(name string) {
	l := s.lane(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	if front := l.waiters.Front(); front != nil {
		w := front.Value.(*waiter)
		l.waiters.Remove(front)
		w.elem = nil
		// Slot transfers directly to the waiter; inUse stays constant.
		close(w.ready)
		return
	}
	if l.inUse > 0 {
		l.inUse--
	}
}

// Run acquires the lane, runs fn, and releases on every exit path.
func (s *Scheduler) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := s.Acquire(ctx, name); err != nil {
		return err
	}
	defer s.Release(name)
	return fn(ctx)
}

// Depth reports the current queue length of a lane, for health snapshots.
func (s *Scheduler) Depth(name string) int {
	l := s.lane(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}
