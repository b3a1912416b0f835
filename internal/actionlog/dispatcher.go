package actionlog

import (
	"slices"
	"sync"
)

// Dispatcher is an in-process EventSource. Producers call Dispatch; every
// open subscription interested in the event's kind receives it
// synchronously, in subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID int
	subs   []*dispatcherSub
}

type dispatcherSub struct {
	id      int
	kinds   map[EventKind]bool
	capture bool
	handler func(DOMEvent)
	d       *Dispatcher
	once    sync.Once
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Subscribe(kinds []EventKind, capture bool, handler func(DOMEvent)) (Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub := &dispatcherSub{
		id:      d.nextID,
		kinds:   make(map[EventKind]bool, len(kinds)),
		capture: capture,
		handler: handler,
		d:       d,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	d.nextID++
	d.subs = append(d.subs, sub)
	return sub, nil
}

// Dispatch delivers ev and returns the number of handlers that received it.
// Capture-phase subscribers run before bubble-phase ones.
func (d *Dispatcher) Dispatch(ev DOMEvent) int {
	d.mu.RLock()
	var capture, bubble []func(DOMEvent)
	for _, sub := range d.subs {
		if !sub.kinds[ev.Kind] {
			continue
		}
		if sub.capture {
			capture = append(capture, sub.handler)
		} else {
			bubble = append(bubble, sub.handler)
		}
	}
	d.mu.RUnlock()

	handlers := append(capture, bubble...)
	for _, h := range handlers {
		h(ev)
	}
	return len(handlers)
}

// Active returns the number of open subscriptions.
func (d *Dispatcher) Active() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (s *dispatcherSub) Close() error {
	s.once.Do(func() {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
		s.d.subs = slices.DeleteFunc(s.d.subs, func(other *dispatcherSub) bool {
			return other.id == s.id
		})
	})
	return nil
}
