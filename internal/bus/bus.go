// Package bus fans agent and chat events out to gateway subscribers, and
// optionally across gateway instances through Redis.
package bus

import "sync"

// Event is a named payload broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler receives broadcast events. Handlers must not block.
type EventHandler func(Event)

// MessageBus broadcasts events to in-process subscribers.
type MessageBus struct {
	subscribers map[string]EventHandler
	subMu       sync.RWMutex

	relay   func(Event)
	relayMu sync.RWMutex
}

func New() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]EventHandler),
	}
}

// Subscribe registers an event subscriber under id, replacing any previous one.
func (mb *MessageBus) Subscribe(id string, handler EventHandler) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	mb.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (mb *MessageBus) Unsubscribe(id string) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	delete(mb.subscribers, id)
}

// SetRelay installs a hook that receives every locally originated event
// (used by the Redis bridge). nil removes it.
func (mb *MessageBus) SetRelay(fn func(Event)) {
	mb.relayMu.Lock()
	defer mb.relayMu.Unlock()
	mb.relay = fn
}

// Broadcast delivers an event to local subscribers and the relay.
func (mb *MessageBus) Broadcast(event Event) {
	mb.BroadcastLocal(event)

	mb.relayMu.RLock()
	relay := mb.relay
	mb.relayMu.RUnlock()
	if relay != nil {
		relay(event)
	}
}

// BroadcastLocal delivers an event to local subscribers only.
func (mb *MessageBus) BroadcastLocal(event Event) {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	for _, handler := range mb.subscribers {
		handler(event)
	}
}

// SubscriberCount reports the number of local subscribers.
func (mb *MessageBus) SubscriberCount() int {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	return len(mb.subscribers)
}
