package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSubscriberBuffer = 256
	dropLogInterval         = 5 * time.Second
)

// Envelope is what live subscribers receive: the event name plus payload.
type Envelope struct {
	Group   string
	Name    string
	Payload any
}

// Hub is an in-process Broadcaster. Delivery is best-effort: a subscriber
// whose buffer is full loses events, with a rate-limited warning, so a slow
// reader can never block a state transition.
type Hub struct {
	buffer int
	logger *zap.Logger

	mu     sync.RWMutex
	groups map[string]map[int64]chan Envelope
	nextID atomic.Int64

	dropped     atomic.Int64
	dropLimiter rateLimiter
}

// NewHub builds a Hub. bufferSize <= 0 uses the default of 256.
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		buffer:      bufferSize,
		logger:      logger,
		groups:      make(map[string]map[int64]chan Envelope),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Subscribe registers a listener on the group. The returned cancel func
// unsubscribes and closes the channel; it is safe to call once.
func (h *Hub) Subscribe(group string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, h.buffer)
	id := h.nextID.Add(1)

	h.mu.Lock()
	subs, ok := h.groups[group]
	if !ok {
		subs = make(map[int64]chan Envelope)
		h.groups[group] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.groups[group]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(h.groups, group)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscriptions across groups.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.groups {
		n += len(subs)
	}
	return n
}

// BroadcastToGroup implements dispatch.Broadcaster. It never blocks.
func (h *Hub) BroadcastToGroup(groupID string, eventName string, payload any) {
	h.mu.RLock()
	subs := h.groups[groupID]
	for _, ch := range subs {
		select {
		case ch <- Envelope{Group: groupID, Name: eventName, Payload: payload}:
		default:
			h.dropped.Add(1)
			if h.dropLimiter.Allow(time.Now()) {
				count := h.dropped.Swap(0)
				h.logger.Warn("live events dropped due to slow subscriber",
					zap.String("group", groupID),
					zap.Int64("dropped", count),
				)
			}
		}
	}
	h.mu.RUnlock()
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
