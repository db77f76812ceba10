package amqp

import "sync"

// Subscription is a scoped event-handler registration. Cancel removes
// the handler; it is safe to call more than once and after the owning
// connection or channel has closed.
type Subscription struct {
	once   sync.Once
	remove func()
}

func (s *Subscription) Cancel() {
	s.once.Do(s.remove)
}

// BlockedEvent reports a connection.blocked or connection.unblocked
// notification from the broker.
type BlockedEvent struct {
	Blocked bool
	Reason  string
}

// handlerList is the per-instance handler set behind every On* method.
// Registration returns a Subscription that removes exactly the handler
// it added; closing the owner clears the whole set.
type handlerList[T any] struct {
	mu   sync.Mutex
	seq  int
	fns  map[int]T
	dead bool
}

func (hl *handlerList[T]) subscribe(fn T) *Subscription {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	if hl.dead {
		return &Subscription{remove: func() {}}
	}
	if hl.fns == nil {
		hl.fns = make(map[int]T)
	}
	id := hl.seq
	hl.seq++
	hl.fns[id] = fn
	return &Subscription{remove: func() {
		hl.mu.Lock()
		delete(hl.fns, id)
		hl.mu.Unlock()
	}}
}

// snapshot returns the current handlers; callers invoke them outside the
// lock so a handler may cancel its own subscription.
func (hl *handlerList[T]) snapshot() []T {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	out := make([]T, 0, len(hl.fns))
	for _, fn := range hl.fns {
		out = append(out, fn)
	}
	return out
}

func (hl *handlerList[T]) clear() {
	hl.mu.Lock()
	hl.fns = nil
	hl.dead = true
	hl.mu.Unlock()
}
