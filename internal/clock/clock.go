// Package clock is the single logical time source of the engine.
//
// Time advances in whole ticks (one tick = one second of the configured
// countdowns). One-shot triggers are kept in a min-heap ordered by fire tick
// and then by scheduling order, so triggers due on the same tick always fire
// in the order they were armed.
package clock

import (
	"container/heap"

	"github.com/google/uuid"
)

// Tick is a logical timestamp. The zero tick is the moment the engine starts.
type Tick int64

// Kind is a caller-defined discriminator carried by a trigger.
type Kind uint8

// TimerID identifies an armed trigger so it can be disarmed.
type TimerID uint64

// Trigger is a one-shot timer that became due.
type Trigger struct {
	ID   TimerID
	At   Tick
	Key  uuid.UUID
	Kind Kind
}

// Clock is not thread-safe. It is owned by the coordinating loop.
// Disarmed triggers stay in the heap and are skipped when they come due.
type Clock struct {
	now    Tick
	nextID TimerID
	timers timerHeap
	armed  map[TimerID]struct{}
}

func New() *Clock {
	return &Clock{
		armed: make(map[TimerID]struct{}),
	}
}

// Now returns the current tick.
func (c *Clock) Now() Tick {
	return c.now
}

// After arms a trigger that fires delay ticks from now. A delay below one
// tick is rounded up so a trigger never fires inside the tick that armed it.
func (c *Clock) After(delay int64, key uuid.UUID, kind Kind) TimerID {
	if delay < 1 {
		delay = 1
	}
	c.nextID++
	c.armed[c.nextID] = struct{}{}
	heap.Push(&c.timers, &Trigger{
		ID:   c.nextID,
		At:   c.now + Tick(delay),
		Key:  key,
		Kind: kind,
	})
	return c.nextID
}

// Disarm cancels an armed trigger. Returns false if it already fired or
// was never armed.
func (c *Clock) Disarm(id TimerID) bool {
	if _, ok := c.armed[id]; !ok {
		return false
	}
	delete(c.armed, id)
	return true
}

// Advance moves time forward by one tick and returns every trigger due at
// or before the new tick, in firing order.
func (c *Clock) Advance() (Tick, []Trigger) {
	c.now++

	var due []Trigger
	for c.timers.Len() > 0 && c.timers[0].At <= c.now {
		t := heap.Pop(&c.timers).(*Trigger)
		if _, ok := c.armed[t.ID]; !ok {
			continue
		}
		delete(c.armed, t.ID)
		due = append(due, *t)
	}
	return c.now, due
}

// Pending returns the number of armed, not yet fired triggers.
func (c *Clock) Pending() int {
	return len(c.armed)
}

// --- heap ---

type timerHeap []*Trigger

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].At != h[j].At {
		return h[i].At < h[j].At
	}
	// IDs are issued monotonically, so they preserve arming order.
	return h[i].ID < h[j].ID
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*Trigger))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
