package dispatch

import (
	"context"
	"sync"
)

// gates serializes mutations per habit. Waiting interactive callers are
// admitted before waiting sweep callers on the same habit.
type gates struct {
	mu sync.Mutex
	m  map[string]*gate
}

type gate struct {
	held        bool
	interactive int // interactive callers currently waiting
	wake        chan struct{}
}

func newGates() *gates { return &gates{m: map[string]*gate{}} }

func (g *gates) get(id string) *gate {
	gt := g.m[id]
	if gt == nil {
		gt = &gate{wake: make(chan struct{})}
		g.m[id] = gt
	}
	return gt
}

// acquire blocks until the caller owns the habit or ctx ends.
func (g *gates) acquire(ctx context.Context, habitID string, prio Priority) (release func(), err error) {
	waiting := false
	for {
		g.mu.Lock()
		gt := g.get(habitID)
		if !gt.held && (prio == PriorityInteractive || gt.interactive == 0) {
			gt.held = true
			if waiting {
				gt.interactive--
			}
			g.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { g.release(habitID) }) }, nil
		}
		if prio == PriorityInteractive && !waiting {
			gt.interactive++
			waiting = true
		}
		wake := gt.wake
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			if waiting {
				g.mu.Lock()
				gt := g.get(habitID)
				gt.interactive--
				g.broadcastLocked(habitID, gt)
				g.mu.Unlock()
			}
			return nil, ctx.Err()
		}
	}
}

func (g *gates) release(habitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt := g.m[habitID]
	if gt == nil {
		return
	}
	gt.held = false
	g.broadcastLocked(habitID, gt)
}

func (g *gates) broadcastLocked(habitID string, gt *gate) {
	close(gt.wake)
	gt.wake = make(chan struct{})
	if !gt.held && gt.interactive == 0 {
		delete(g.m, habitID)
	}
}

// busy returns the number of habits currently being mutated.
func (g *gates) busy() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, gt := range g.m {
		if gt.held {
			n++
		}
	}
	return n
}
