package websocket

import (
	"log/slog"
	"sync"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/deferred"
)

type listenerEntry struct {
	id int
	fn hostrpc.Listener
}

// listeners holds event callbacks in registration order.
type listeners struct {
	mu     sync.Mutex
	nextID int
	byName map[hostrpc.Event][]listenerEntry
	logger *slog.Logger
}

func newListeners(logger *slog.Logger) *listeners {
	return &listeners{
		byName: make(map[hostrpc.Event][]listenerEntry),
		logger: logger,
	}
}

func (l *listeners) add(ev hostrpc.Event, fn hostrpc.Listener) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.byName[ev] = append(l.byName[ev], listenerEntry{id: l.nextID, fn: fn})
	return l.nextID
}

func (l *listeners) remove(ev hostrpc.Event, id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.byName[ev]
	for i, e := range entries {
		if e.id == id {
			l.byName[ev] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// once resolves the returned Deferred on the next ev and then unregisters.
func (l *listeners) once(ev hostrpc.Event) *deferred.Deferred[struct{}] {
	d := deferred.New[struct{}]()
	var (
		mu sync.Mutex
		id int
	)
	mu.Lock()
	id = l.add(ev, func(hostrpc.Event, hostrpc.State) {
		mu.Lock()
		self := id
		mu.Unlock()
		l.remove(ev, self)
		_ = d.Resolve(struct{}{})
	})
	mu.Unlock()
	return d
}

// fire calls every listener for ev. Listeners run outside the lock, so they
// may add or remove listeners.
func (l *listeners) fire(ev hostrpc.Event, state hostrpc.State) {
	l.mu.Lock()
	entries := append([]listenerEntry(nil), l.byName[ev]...)
	l.mu.Unlock()

	for _, e := range entries {
		l.call(e, ev, state)
	}
}

func (l *listeners) call(e listenerEntry, ev hostrpc.Event, state hostrpc.State) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("event listener panicked", "event", string(ev), "listener", e.id, "panic", p)
		}
	}()
	e.fn(ev, state)
}
