// Package queue implements a bounded, lock-free multi-producer
// multi-consumer ring buffer used for cross-event-loop hand-off. The
// design is a cache-line-padded slot array with an atomic CAS sequencer
// for producers and a shared consumer cursor for pop, following the same
// claim-then-publish discipline as an LMAX-style disruptor: producers
// reserve a sequence number with compare-and-swap, write their slot, then
// publish by storing the sequence number into the slot (a release),
// observed by consumers and readers through an acquire load.
package queue

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrFull is returned by Push when a bounded queue has no free slot.
var ErrFull = errors.New("queue: full")

const cacheLinePad = 64 - 8 // slot holds one uint64 sequence; pad to a cache line

type slot struct {
	sequence uint64
	item     any
	_        [cacheLinePad]byte
}

// Queue is a bounded MPMC ring buffer. The zero value is not usable; use
// New.
type Queue struct {
	mask  uint64
	slots []slot

	// producerCursor is the next sequence a producer will try to claim.
	producerCursor uint64
	// consumerCursor is the next sequence a consumer will try to claim.
	consumerCursor uint64
}

// New creates a queue with the given capacity, rounded to the next power
// of two if it isn't one already.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	q := &Queue{
		mask:  size - 1,
		slots: make([]slot, size),
	}
	for i := range q.slots {
		q.slots[i].sequence = uint64(i)
	}
	return q
}

// Push attempts to enqueue item. It never blocks: on a full queue it
// returns ErrFull immediately.
func (q *Queue) Push(item any) error {
	for {
		pos := atomic.LoadUint64(&q.producerCursor)
		s := &q.slots[pos&q.mask]
		seq := atomic.LoadUint64(&s.sequence)
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.producerCursor, pos, pos+1) {
				s.item = item
				atomic.StoreUint64(&s.sequence, pos+1) // release: publish
				return nil
			}
			// lost the race, retry
		case diff < 0:
			return ErrFull
		default:
			// another producer is mid-publish on this slot; retry
		}
		runtime.Gosched()
	}
}

// Pop attempts to dequeue one item, non-blocking. It returns ok == false
// when the queue is empty.
func (q *Queue) Pop() (item any, ok bool) {
	for {
		pos := atomic.LoadUint64(&q.consumerCursor)
		s := &q.slots[pos&q.mask]
		seq := atomic.LoadUint64(&s.sequence)
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.consumerCursor, pos, pos+1) {
				item = s.item
				s.item = nil
				atomic.StoreUint64(&s.sequence, pos+q.mask+1) // acquire/release: free slot for reuse
				return item, true
			}
		case diff < 0:
			return nil, false
		default:
			// producer claimed but hasn't published yet; retry
		}
		runtime.Gosched()
	}
}
