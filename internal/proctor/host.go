package proctor

import (
	"errors"
	"sync"
)

// ErrUnsupported is returned by a Host that cannot deliver a signal kind.
var ErrUnsupported = errors.New("proctor: signal not supported by host")

// Listener receives events from a Host.
type Listener func(*Event)

// Host is the environment a Monitor observes. Listen registers fn for kind
// and returns a cancel func that removes it. Cancel must be synchronous:
// once it returns, fn is never invoked again.
type Host interface {
	Listen(kind Kind, fn Listener) (cancel func(), err error)
}

type listenerEntry struct {
	fn      Listener
	removed bool
}

// Dispatcher is an in-memory Host. Events passed to Dispatch are delivered
// to listeners in registration order, one event at a time, in the order the
// caller dispatches them.
type Dispatcher struct {
	mu          sync.Mutex
	listeners   map[Kind][]*listenerEntry
	unsupported map[Kind]bool
}

// NewDispatcher creates a dispatcher. Kinds passed as unsupported make
// Listen return ErrUnsupported, which is how a host without focus or
// visibility APIs is modelled.
func NewDispatcher(unsupported ...Kind) *Dispatcher {
	d := &Dispatcher{
		listeners:   make(map[Kind][]*listenerEntry),
		unsupported: make(map[Kind]bool),
	}
	for _, k := range unsupported {
		d.unsupported[k] = true
	}
	return d
}

// Listen implements Host.
func (d *Dispatcher) Listen(kind Kind, fn Listener) (func(), error) {
	if fn == nil {
		return nil, errors.New("proctor: nil listener")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unsupported[kind] {
		return nil, ErrUnsupported
	}

	entry := &listenerEntry{fn: fn}
	d.listeners[kind] = append(d.listeners[kind], entry)

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(kind, entry) })
	}, nil
}

func (d *Dispatcher) remove(kind Kind, entry *listenerEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry.removed = true
	entries := d.listeners[kind]
	for i, e := range entries {
		if e == entry {
			d.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(d.listeners[kind]) == 0 {
		delete(d.listeners, kind)
	}
}

// Dispatch delivers e to every listener of e.Kind and reports whether the
// default action was prevented. A listener removed while an earlier
// listener of the same event runs is skipped.
func (d *Dispatcher) Dispatch(e *Event) bool {
	if e == nil {
		return false
	}

	d.mu.Lock()
	snapshot := make([]*listenerEntry, len(d.listeners[e.Kind]))
	copy(snapshot, d.listeners[e.Kind])
	d.mu.Unlock()

	for _, entry := range snapshot {
		d.mu.Lock()
		removed := entry.removed
		d.mu.Unlock()
		if removed {
			continue
		}
		entry.fn(e)
	}
	return e.DefaultPrevented()
}

// ListenerCount returns the number of registered listeners across all kinds.
func (d *Dispatcher) ListenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, entries := range d.listeners {
		n += len(entries)
	}
	return n
}
