package connection

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type subscriber struct {
	id        SubscriptionID
	onMessage MessageHandler
	onState   StateHandler
	active    atomic.Bool
}

// subscriberSet keeps subscriptions in registration order. Dispatch iterates a
// snapshot, so Unsubscribe from inside a handler cannot skip or repeat others.
type subscriberSet struct {
	mu    sync.RWMutex
	order []*subscriber
	byID  map[SubscriptionID]*subscriber
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{byID: make(map[SubscriptionID]*subscriber)}
}

func (s *subscriberSet) add(onMessage MessageHandler, onState StateHandler) *subscriber {
	sub := &subscriber{
		id:        uuid.New(),
		onMessage: onMessage,
		onState:   onState,
	}
	sub.active.Store(true)

	s.mu.Lock()
	s.order = append(s.order, sub)
	s.byID[sub.id] = sub
	s.mu.Unlock()
	return sub
}

func (s *subscriberSet) remove(id SubscriptionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byID[id]
	if !ok {
		return false
	}
	sub.active.Store(false)
	delete(s.byID, id)

	order := make([]*subscriber, 0, len(s.order)-1)
	for _, o := range s.order {
		if o != sub {
			order = append(order, o)
		}
	}
	s.order = order
	return true
}

func (s *subscriberSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.order {
		sub.active.Store(false)
	}
	s.order = nil
	s.byID = make(map[SubscriptionID]*subscriber)
}

// snapshot returns the current subscribers. The slice is never mutated after
// it is returned.
func (s *subscriberSet) snapshot() []*subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order
}

func (s *subscriberSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
