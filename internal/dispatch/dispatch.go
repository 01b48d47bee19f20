// Package dispatch fans inbound chat messages out to the screens that are
// currently interested in them.
package dispatch

import (
	"log"
	"runtime/debug"
	"sync"

	"github.com/4xmen/hamdam/internal/models"
)

// Reserved listener keys. Counterparty keys are positive user ids.
const (
	// AllConversations receives every message, for list overview screens.
	AllConversations = -1
	// Relay is used by the local bridge to forward messages to UI sockets.
	Relay = -2
)

type Listener func(msg models.Message)

// Dispatcher is a broadcast registry holding at most one listener per key.
// It does not filter by conversation; listeners decide what is relevant.
type Dispatcher struct {
	mu        sync.RWMutex
	order     []int
	listeners map[int]Listener
}

func New() *Dispatcher {
	return &Dispatcher{listeners: make(map[int]Listener)}
}

// AddMessageListener registers fn under key. Registering again under the same
// key replaces the previous callback and keeps its position.
func (d *Dispatcher) AddMessageListener(key int, fn Listener) {
	if fn == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.listeners[key]; !ok {
		d.order = append(d.order, key)
	}
	d.listeners[key] = fn
}

func (d *Dispatcher) RemoveMessageListener(key int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.listeners[key]; !ok {
		return
	}
	delete(d.listeners, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Broadcast invokes every registered listener with msg, in registration order.
// A panicking listener is logged and does not affect the others.
func (d *Dispatcher) Broadcast(msg models.Message) {
	d.mu.RLock()
	keys := make([]int, len(d.order))
	fns := make([]Listener, len(d.order))
	for i, k := range d.order {
		keys[i] = k
		fns[i] = d.listeners[k]
	}
	d.mu.RUnlock()

	for i, fn := range fns {
		invoke(keys[i], fn, msg)
	}
}

func invoke(key int, fn Listener, msg models.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Printf("dispatch: listener panic key=%d message_id=%d error=%v\n%s", key, msg.ID, recovered, debug.Stack())
		}
	}()
	fn(msg)
}

// Matching wraps fn so it only sees messages exchanged between self and
// counterparty, in either direction.
func Matching(self, counterparty int, fn Listener) Listener {
	return func(msg models.Message) {
		if msg.Between(self, counterparty) {
			fn(msg)
		}
	}
}
