package events

import (
	"sync"
)

// Hub provides pub/sub for execution progress events. Delivery is
// at-least-once: a slow subscriber queues events rather than dropping
// them, and each subscriber observes events in publish order.
type Hub interface {
	Publish(event Event)
	Subscribe(executionID string) *Subscription
	CloseTopic(executionID string)
	EvictTopic(executionID string)
}

// Subscription is one subscriber's view of an execution's event stream.
// Events arrives in publish order on C. C is closed when the topic is
// closed or the subscription is cancelled.
type Subscription struct {
	C <-chan Event

	cancel func()
	once   sync.Once
}

// Close detaches the subscription. Safe to call more than once; pending
// queued events are still delivered before C closes.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// ClosedSubscription returns a subscription whose stream already ended,
// for executions that reached a terminal state before the subscriber
// arrived.
func ClosedSubscription() *Subscription {
	ch := make(chan Event)
	close(ch)
	return &Subscription{C: ch, cancel: func() {}}
}

// subscriber owns an unbounded FIFO queue drained by a pump goroutine,
// so Publish never blocks on a slow consumer and never drops.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	out chan Event
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan Event)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) enqueue(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
}

// close marks the queue finished. Queued events drain before out closes.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Signal()
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- event
	}
}

// topic groups the subscribers of one execution.
type topic struct {
	subs   map[uint64]*subscriber
	closed bool
}

// MemoryHub is the in-process Hub implementation. Topics are keyed by
// execution id and torn down when an execution leaves retention.
type MemoryHub struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		topics: make(map[string]*topic),
	}
}

// Publish enqueues the event for every subscriber of its execution.
// Never blocks. Publishing to a closed or unknown topic is a no-op.
func (h *MemoryHub) Publish(event Event) {
	h.mu.Lock()
	t, ok := h.topics[event.ExecutionID]
	if !ok || t.closed {
		h.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(event)
	}
}

// Subscribe attaches to an execution's topic, creating it on first use.
// Subscribing to a closed topic yields an already-closed channel.
func (h *MemoryHub) Subscribe(executionID string) *Subscription {
	h.mu.Lock()
	t, ok := h.topics[executionID]
	if !ok {
		t = &topic{subs: make(map[uint64]*subscriber)}
		h.topics[executionID] = t
	}

	sub := newSubscriber()
	if t.closed {
		sub.close()
		h.mu.Unlock()
		return &Subscription{C: sub.out, cancel: func() {}}
	}

	h.nextID++
	id := h.nextID
	t.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if t, ok := h.topics[executionID]; ok {
			delete(t.subs, id)
		}
		h.mu.Unlock()
		sub.close()
	}

	return &Subscription{C: sub.out, cancel: cancel}
}

// CloseTopic ends an execution's stream. Subscribers receive all events
// already published, then their channels close. The topic stays in the
// map as a closed tombstone so a late Subscribe observes the ended
// stream instead of starting a fresh one; EvictTopic removes it once the
// execution leaves retention.
func (h *MemoryHub) CloseTopic(executionID string) {
	h.mu.Lock()
	t, ok := h.topics[executionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	t.closed = true
	subs := make([]*subscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[uint64]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// EvictTopic drops a topic entirely, closing any remaining subscribers.
// Called when the execution leaves the in-memory retention window;
// subscribers arriving after that are served a snapshot from the store.
func (h *MemoryHub) EvictTopic(executionID string) {
	h.mu.Lock()
	t, ok := h.topics[executionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	delete(h.topics, executionID)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

var _ Hub = (*MemoryHub)(nil)
