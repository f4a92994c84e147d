// Package broadcast is the SSE fan-out hub: monotonic event ids, a
// history ring buffer supporting Last-Event-ID replay, and per-
// subscriber bounded buffers with a drop-on-overflow policy. It is
// grounded on the per-client bounded-channel drop-on-full hub used for
// WebSocket fan-out in the corpus, with the transport changed to SSE and
// the history/replay-by-id machinery synthesized fresh (no pack source
// replays by id).
package broadcast

import (
	"sync"

	"veloz/internal/errs"
)

// Event is one broadcastable item. Payload is opaque to the hub; callers
// serialize/deserialize it.
type Event struct {
	ID      uint64
	Payload any
}

// Subscription is a handle a caller polls or ranges over for delivered
// events.
type Subscription struct {
	id       uint64
	ch       chan Event
	hub      *Hub
	closed   bool
	replayGap bool
}

// Events returns the channel events are delivered on. It is closed when
// the subscription is removed (explicitly, or due to SlowConsumer).
func (s *Subscription) Events() <-chan Event { return s.ch }

// ReplayGap reports whether the initial replay on subscribe could not
// cover every event since last_id (the client must reconcile from the
// store).
func (s *Subscription) ReplayGap() bool { return s.replayGap }

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// Stats summarizes the hub's runtime state.
type Stats struct {
	SubscriberCount int
	NextID          uint64
	HistoryLen      int
	DroppedSlow     int64
}

// Hub is the broadcaster. The zero value is not usable; use New.
type Hub struct {
	mu sync.Mutex

	nextID      uint64
	subscribers map[uint64]*subscriberEntry
	nextSubID   uint64

	history     []Event
	historyCap  int
	historyHead int // index of the oldest entry in history

	subscriberBufferLen int
	droppedSlow         int64
}

type subscriberEntry struct {
	sub *Subscription
}

// New creates a hub with the given history ring size and per-subscriber
// buffer length.
func New(historySize, subscriberBufferLen int) *Hub {
	if historySize <= 0 {
		historySize = 1
	}
	if subscriberBufferLen <= 0 {
		subscriberBufferLen = 1
	}
	return &Hub{
		subscribers:         make(map[uint64]*subscriberEntry),
		historyCap:          historySize,
		subscriberBufferLen: subscriberBufferLen,
	}
}

// Subscribe registers a new subscriber and replays {e in history : e.ID
// > lastID} in order when lastID is non-nil. If lastID is older than
// everything retained in history, ReplayGap is set on the returned
// Subscription.
func (h *Hub) Subscribe(lastID *uint64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSubID++
	sub := &Subscription{
		id:  h.nextSubID,
		ch:  make(chan Event, h.subscriberBufferLen),
		hub: h,
	}

	if lastID != nil {
		gap, toReplay := h.replaySetLocked(*lastID)
		sub.replayGap = gap
		for _, e := range toReplay {
			select {
			case sub.ch <- e:
			default:
				// buffer full during replay itself; stop delivering further
				// history, the subscriber will catch up from live broadcasts
			}
		}
	}

	h.subscribers[sub.id] = &subscriberEntry{sub: sub}
	return sub
}

// replaySetLocked must be called with h.mu held.
func (h *Hub) replaySetLocked(lastID uint64) (gap bool, events []Event) {
	ordered := h.orderedViewLocked()
	if len(ordered) == 0 {
		return false, nil
	}
	minID := ordered[0].ID
	if lastID < minID {
		return true, ordered
	}
	for _, e := range ordered {
		if e.ID > lastID {
			events = append(events, e)
		}
	}
	return false, events
}

// Broadcast wraps payload in an Event carrying the next id (assigned
// under the hub's lock) and delivers it to every currently-subscribed
// channel. Subscribers whose buffer is full have their channel closed,
// are removed, and are counted as dropped slow consumers.
func (h *Hub) Broadcast(payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broadcastLocked(payload)
}

// BroadcastBatch delivers each payload in order, each receiving its own
// monotonic id, under a single critical section so cross-subscriber
// ordering matches id order across the whole batch.
func (h *Hub) BroadcastBatch(payloads []any) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, h.broadcastLocked(p))
	}
	return out
}

func (h *Hub) broadcastLocked(payload any) Event {
	h.nextID++
	e := Event{ID: h.nextID, Payload: payload}

	h.appendHistoryLocked(e)

	var slow []uint64
	for id, entry := range h.subscribers {
		select {
		case entry.sub.ch <- e:
		default:
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		h.closeSubscriberLocked(id)
		h.droppedSlow++
	}

	return e
}

func (h *Hub) appendHistoryLocked(e Event) {
	if len(h.history) < h.historyCap {
		h.history = append(h.history, e)
		return
	}
	h.history[h.historyHead] = e
	h.historyHead = (h.historyHead + 1) % h.historyCap
}

// orderedViewLocked returns history in ascending id order regardless of
// where the ring's write head currently is.
func (h *Hub) orderedViewLocked() []Event {
	if len(h.history) < h.historyCap {
		return h.history
	}
	out := make([]Event, 0, len(h.history))
	out = append(out, h.history[h.historyHead:]...)
	out = append(out, h.history[:h.historyHead]...)
	return out
}

// GetHistory returns the events in history with id > lastID, in order.
func (h *Hub) GetHistory(lastID uint64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.orderedViewLocked() {
		if e.ID > lastID {
			out = append(out, e)
		}
	}
	return out
}

// SubscriptionCount returns the number of currently open subscriptions.
func (h *Hub) SubscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		SubscriberCount: len(h.subscribers),
		NextID:          h.nextID,
		HistoryLen:      len(h.history),
		DroppedSlow:     h.droppedSlow,
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeSubscriberLocked(id)
}

func (h *Hub) closeSubscriberLocked(id uint64) {
	entry, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(entry.sub.ch)
}

// SlowConsumerErr builds the error surfaced when a subscriber is
// dropped for falling behind.
func SlowConsumerErr() error {
	return errs.New(errs.SlowConsumer, "subscriber buffer overflow")
}
