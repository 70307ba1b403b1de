package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace
// prefix filtering. It carries the cross-cutting notifications of the
// client (chat list changed, presence changed, privilege gate, session
// status) so no component holds a direct reference to another's state.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Sub
	next int
}

// Sub is a live subscription handle. Cancel is safe to call more than
// once and after the subscriber has been torn down.
type Sub struct {
	namespace string
	ch        chan Event
	cancel    func()
}

// C returns the channel events are delivered on.
func (s *Sub) C() <-chan Event { return s.ch }

// Cancel removes the subscription from the bus.
func (s *Sub) Cancel() { s.cancel() }

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Sub)}
}

// Publish delivers evt to every subscriber whose namespace is a prefix
// of evt.Kind. Delivery is non-blocking; a full subscriber drops the
// event rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Emit publishes an event of the given kind, stamping the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, At: time.Now(), Payload: payload})
}

// Subscribe registers a subscriber for the given namespace prefix with
// the given channel buffer size.
func (b *Bus) Subscribe(namespace string, bufSize int) *Sub {
	sub := &Sub{
		namespace: namespace,
		ch:        make(chan Event, bufSize),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return sub
}
