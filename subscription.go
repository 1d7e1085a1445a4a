package unitmgr

import (
	"github.com/godbus/dbus/v5"
	"github.com/juju/collections/set"
)

// Subscriber is an endpoint registered for lifecycle notifications
type Subscriber struct {
	// Bus is the channel the subscriber is reachable on
	Bus Bus
	// Name is the subscriber's endpoint name, used for directed delivery
	Name string
}

func (s Subscriber) key() string {
	return s.Bus.ID() + "\x00" + s.Name
}

// subscriptions is the strict subscriber set. It is not safe for
// concurrent use; the Manager serializes access.
type subscriptions struct {
	members map[string]Subscriber
	order   []string
}

func newSubscriptions() *subscriptions {
	return &subscriptions{members: make(map[string]Subscriber)}
}

// add inserts s and reports false if it was already present
func (r *subscriptions) add(s Subscriber) bool {
	k := s.key()
	if _, ok := r.members[k]; ok {
		return false
	}
	r.members[k] = s
	r.order = append(r.order, k)
	return true
}

// remove deletes s and reports false if it was absent
func (r *subscriptions) remove(s Subscriber) bool {
	k := s.key()
	if _, ok := r.members[k]; !ok {
		return false
	}
	delete(r.members, k)
	for i, o := range r.order {
		if o == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// dropBus removes every subscriber reachable on b
func (r *subscriptions) dropBus(b Bus) int {
	var dropped int
	for _, s := range r.list() {
		if s.Bus.ID() == b.ID() {
			r.remove(s)
			dropped++
		}
	}
	return dropped
}

func (r *subscriptions) size() int {
	return len(r.order)
}

func (r *subscriptions) list() []Subscriber {
	out := make([]Subscriber, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.members[k])
	}
	return out
}

// fanout delivers sig according to the subscriber count: nothing for
// none, a directed send for one, and one undirected copy per distinct
// channel otherwise. Delivery continues past failures; the returned
// MultiError names the first one.
type fanout struct {
	subs    *subscriptions
	private []Bus
	api     Bus
}

func (f *fanout) broadcast(sig *dbus.Signal) error {
	switch f.subs.size() {
	case 0:
		return nil
	case 1:
		s := f.subs.members[f.subs.order[0]]
		return s.Bus.Emit(s.Name, sig)
	}

	merr := &MultiError{}
	seen := set.NewStrings()
	send := func(b Bus) {
		if b == nil || seen.Contains(b.ID()) {
			return
		}
		seen.Add(b.ID())
		merr.Add(b.Emit("", sig))
	}

	if f.api != nil {
		seen.Add(f.api.ID())
	}
	for _, b := range f.private {
		send(b)
	}
	for _, s := range f.subs.list() {
		send(s.Bus)
	}
	if f.api != nil {
		seen.Remove(f.api.ID())
		send(f.api)
	}
	return merr.Err()
}

func newSignal(member string, body ...interface{}) *dbus.Signal {
	return &dbus.Signal{
		Path: ManagerPath,
		Name: ManagerInterface + "." + member,
		Body: body,
	}
}
