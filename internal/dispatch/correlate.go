package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCorrelationWindow is the number of outstanding correlation ids kept.
const DefaultCorrelationWindow = 1024

// Correlator pairs device-to-cloud messages with the cloud-to-device
// messages that answer them, by correlation id.
//
// Memory is bounded: once window ids are outstanding the oldest is evicted.
type Correlator struct {
	mu      sync.Mutex
	window  int
	order   *list.List
	entries map[string]*list.Element
}

type pending struct {
	id     string
	sentAt time.Time
}

// NewCorrelator returns a correlator keeping at most window ids.
func NewCorrelator(window int) *Correlator {
	if window <= 0 {
		window = DefaultCorrelationWindow
	}
	return &Correlator{
		window:  window,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Track records that a message with id left the device at sentAt.
// Tracking an id again moves its time forward.
func (c *Correlator) Track(id string, sentAt time.Time) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		el.Value.(*pending).sentAt = sentAt
		c.order.MoveToBack(el)
		return
	}
	c.entries[id] = c.order.PushBack(&pending{id: id, sentAt: sentAt})
	for c.order.Len() > c.window {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*pending).id)
	}
}

// Resolve returns the time since id was tracked and forgets it.
func (c *Correlator) Resolve(id string, at time.Time) (time.Duration, bool) {
	if id == "" {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	c.order.Remove(el)
	delete(c.entries, id)
	return at.Sub(el.Value.(*pending).sentAt), true
}

// Len returns the number of outstanding ids.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
