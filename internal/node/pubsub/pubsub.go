// Package pubsub distributes cloud connectivity transitions to the
// components that need to react to them (launcher, resource monitor).
package pubsub

import (
	"sync"

	"github.com/aosedge/edgenode/internal/aoserrors"
)

// ConnectionSubscriber is notified about cloud connection transitions.
type ConnectionSubscriber interface {
	OnConnect()
	OnDisconnect()
}

// ConnectionPublisher lets components subscribe to connectivity events.
type ConnectionPublisher interface {
	Subscribe(subscriber ConnectionSubscriber) error
	Unsubscribe(subscriber ConnectionSubscriber)
}

// ConnectionEvents is a simple fan-out ConnectionPublisher that loops
// through each subscriber and calls its handler inline. Event ordering
// across subscribers follows subscription order.
type ConnectionEvents struct {
	mu          sync.Mutex
	subscribers []ConnectionSubscriber
	connected   bool
}

var _ ConnectionPublisher = (*ConnectionEvents)(nil)

func NewConnectionEvents() *ConnectionEvents {
	return &ConnectionEvents{
		subscribers: make([]ConnectionSubscriber, 0),
	}
}

// Subscribe registers a subscriber. Subscribing the same subscriber twice
// is an error.
func (p *ConnectionEvents) Subscribe(subscriber ConnectionSubscriber) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.subscribers {
		if s == subscriber {
			return aoserrors.ErrAlreadyExists
		}
	}

	p.subscribers = append(p.subscribers, subscriber)

	return nil
}

// Unsubscribe removes a subscriber. Removing an unknown subscriber is a no-op.
func (p *ConnectionEvents) Unsubscribe(subscriber ConnectionSubscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.subscribers {
		if s == subscriber {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			return
		}
	}
}

// Connect notifies all subscribers that the cloud connection is up.
func (p *ConnectionEvents) Connect() {
	for _, s := range p.snapshot(true) {
		s.OnConnect()
	}
}

// Disconnect notifies all subscribers that the cloud connection is down.
func (p *ConnectionEvents) Disconnect() {
	for _, s := range p.snapshot(false) {
		s.OnDisconnect()
	}
}

// Connected reports the last published connection state.
func (p *ConnectionEvents) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

// Subscriber handlers are called without holding the publisher lock so they
// may subscribe or unsubscribe reentrantly.
func (p *ConnectionEvents) snapshot(connected bool) []ConnectionSubscriber {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connected = connected

	subscribers := make([]ConnectionSubscriber, len(p.subscribers))
	copy(subscribers, p.subscribers)

	return subscribers
}
