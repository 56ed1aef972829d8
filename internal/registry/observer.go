package registry

import "idlecode/internal/session"

// Observer receives the events of the sessions it is attached to. Deliver is
// called from the registry's control goroutine and must not block; returning
// false reports the observer unreachable and detaches it everywhere.
type Observer interface {
	ID() string
	Deliver(ev session.Event) bool
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc struct {
	Name string
	Fn   func(session.Event) bool
}

func (o ObserverFunc) ID() string                    { return o.Name }
func (o ObserverFunc) Deliver(ev session.Event) bool { return o.Fn(ev) }
