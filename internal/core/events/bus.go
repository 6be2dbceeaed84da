package events

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var log = logging.Logger("events")

var emitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "plugin",
	Name:      "local_events_total",
	Help:      "Local event emissions by topic and whether anyone was listening.",
}, []string{"topic", "delivered"})

// Listener observes payloads emitted on a topic.
type Listener func(payload any)

type listener struct {
	id int
	fn Listener
}

// Bus delivers events to in-process listeners only. Emission is synchronous
// and follows registration order.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string][]listener
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[string][]listener)}
}

// On registers fn for topic. The returned func removes it.
func (b *Bus) On(topic string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[topic] = append(b.listeners[topic], listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

// Listen registers a listener that only sees payloads of type P. Payloads of
// another type are skipped.
func Listen[P any](b *Bus, topic string, fn func(P)) func() {
	return b.On(topic, func(payload any) {
		switch p := payload.(type) {
		case P:
			fn(p)
		case *P:
			if p != nil {
				fn(*p)
			}
		default:
			log.Debugw("listener skipped payload", "topic", topic, "type", fmt.Sprintf("%T", payload))
		}
	})
}

func (b *Bus) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[topic]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		// Copy so an emission iterating the old slice is unaffected.
		next := make([]listener, 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, topic)
		} else {
			b.listeners[topic] = next
		}
		return
	}
}

// Emit delivers payload to the listeners of topic. No listeners is a no-op.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	ls := b.listeners[topic]
	b.mu.RUnlock()

	emitted.WithLabelValues(topic, fmt.Sprint(len(ls) > 0)).Inc()
	for _, l := range ls {
		b.deliver(topic, l, payload)
	}
}

func (b *Bus) deliver(topic string, l listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("listener panicked", "topic", topic, "listener", l.id, "panic", r)
		}
	}()
	l.fn(payload)
}

// Listeners returns the number of listeners registered for topic.
func (b *Bus) Listeners(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}
