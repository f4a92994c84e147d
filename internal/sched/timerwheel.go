package sched

import (
	"sync"
	"time"
)

// timerWheel is a hashed timing wheel: O(1) insertion and expiry at
// millisecond resolution. Slots beyond the wheel's span wrap around by
// cascading — an entry whose deadline is more than one revolution away is
// kept in its slot with a round counter and only fires once that counter
// reaches zero on a later pass.
type timerWheel struct {
	mu         sync.Mutex
	resolution time.Duration
	slots      []map[Handle]*timerEntry
	current    int
	lastTick   time.Time
}

type timerEntry struct {
	handle   Handle
	rounds   int
	fire     func()
	canceled bool
}

func newTimerWheel(resolution time.Duration, numSlots int) *timerWheel {
	slots := make([]map[Handle]*timerEntry, numSlots)
	for i := range slots {
		slots[i] = make(map[Handle]*timerEntry)
	}
	return &timerWheel{
		resolution: resolution,
		slots:      slots,
		lastTick:   time.Now(),
	}
}

func (w *timerWheel) schedule(h Handle, deadline time.Time, fire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delay := deadline.Sub(w.lastTick)
	if delay < 0 {
		delay = 0
	}
	ticks := int64(delay / w.resolution)

	n := len(w.slots)
	slotOffset := int(ticks) % n
	rounds := int(ticks) / n
	slotIdx := (w.current + slotOffset) % n

	w.slots[slotIdx][h] = &timerEntry{handle: h, rounds: rounds, fire: fire}
}

func (w *timerWheel) cancel(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, slot := range w.slots {
		if e, ok := slot[h]; ok {
			e.canceled = true
			delete(slot, h)
			return
		}
	}
}

// advance moves the wheel forward to now, firing every entry whose slot
// is reached and whose round counter has decremented to zero.
func (w *timerWheel) advance(now time.Time) {
	w.mu.Lock()
	ticksElapsed := int64(now.Sub(w.lastTick) / w.resolution)
	if ticksElapsed <= 0 {
		w.mu.Unlock()
		return
	}
	w.lastTick = w.lastTick.Add(time.Duration(ticksElapsed) * w.resolution)

	var toFire []func()
	n := len(w.slots)
	for i := int64(0); i < ticksElapsed; i++ {
		slot := w.slots[w.current]
		for h, e := range slot {
			if e.canceled {
				delete(slot, h)
				continue
			}
			if e.rounds <= 0 {
				toFire = append(toFire, e.fire)
				delete(slot, h)
			} else {
				e.rounds--
			}
		}
		w.current = (w.current + 1) % n
	}
	w.mu.Unlock()

	for _, fire := range toFire {
		fire()
	}
}
