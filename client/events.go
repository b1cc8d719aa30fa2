// events.go - Client event points.
// Copyright (C) 2018  intelliBrain.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package client

import (
	"fmt"
	"sync"
)

// Event is the generic client event.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// MessageReceivedEvent is the event fired when an application message is
// delivered.
type MessageReceivedEvent struct {
	// ClientID is the identity of the owning client.
	ClientID []byte

	// Frames is the application payload, decrypted if the session was
	// secured.
	Frames [][]byte
}

// String returns a string representation of the MessageReceivedEvent.
func (e *MessageReceivedEvent) String() string {
	return fmt.Sprintf("MessageReceived: %d frames", len(e.Frames))
}

// InvalidMessageReceivedEvent is the event fired when frames arrive in
// secured mode before the session is established and are not a
// recognizable handshake reply, or when an established frame fails
// authentication.
type InvalidMessageReceivedEvent struct {
	// ClientID is the identity of the owning client.
	ClientID []byte

	// Frames is the offending message as received.
	Frames [][]byte
}

// String returns a string representation of the InvalidMessageReceivedEvent.
func (e *InvalidMessageReceivedEvent) String() string {
	return fmt.Sprintf("InvalidMessageReceived: %d frames", len(e.Frames))
}

// ProtocolEstablishedEvent is the event fired when the handshake completes
// and sends become permitted.
type ProtocolEstablishedEvent struct{}

// String returns a string representation of the ProtocolEstablishedEvent.
func (e *ProtocolEstablishedEvent) String() string {
	return "ProtocolEstablished"
}

// ProtocolFailedEvent is the event fired when the handshake fails: a
// malformed server step, a rejected proof, or any failure phase.
type ProtocolFailedEvent struct {
	// Err is the reason for the failure.
	Err error
}

// String returns a string representation of the ProtocolFailedEvent.
func (e *ProtocolFailedEvent) String() string {
	return fmt.Sprintf("ProtocolFailed: %v", e.Err)
}

// SubscriptionID identifies a subscribed handler for removal.
type SubscriptionID uint64

// eventRegistry is one event point: a mapping from subscription to handler
// with concurrent add and remove.  Invocation is serialized on the dispatch
// loop; handlers run against a snapshot so an unsubscribe during dispatch
// never mutates the iteration.
type eventRegistry struct {
	sync.Mutex
	nextID   SubscriptionID
	handlers map[SubscriptionID]func(Event)
}

func (r *eventRegistry) subscribe(fn func(Event)) SubscriptionID {
	r.Lock()
	defer r.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[SubscriptionID]func(Event))
	}
	r.nextID++
	id := r.nextID
	r.handlers[id] = fn
	return id
}

func (r *eventRegistry) unsubscribe(id SubscriptionID) {
	r.Lock()
	defer r.Unlock()
	delete(r.handlers, id)
}

func (r *eventRegistry) dispatch(e Event) {
	r.Lock()
	snapshot := make([]func(Event), 0, len(r.handlers))
	for _, fn := range r.handlers {
		snapshot = append(snapshot, fn)
	}
	r.Unlock()

	for _, fn := range snapshot {
		fn(e)
	}
}

// SubscribeMessageReceived registers a handler for delivered application
// messages.
func (c *Client) SubscribeMessageReceived(fn func(*MessageReceivedEvent)) SubscriptionID {
	return c.onMessage.subscribe(func(e Event) { fn(e.(*MessageReceivedEvent)) })
}

// UnsubscribeMessageReceived removes a handler registered with
// SubscribeMessageReceived.
func (c *Client) UnsubscribeMessageReceived(id SubscriptionID) {
	c.onMessage.unsubscribe(id)
}

// SubscribeInvalidMessageReceived registers a handler for unclassifiable
// inbound messages.
func (c *Client) SubscribeInvalidMessageReceived(fn func(*InvalidMessageReceivedEvent)) SubscriptionID {
	return c.onInvalidMessage.subscribe(func(e Event) { fn(e.(*InvalidMessageReceivedEvent)) })
}

// UnsubscribeInvalidMessageReceived removes a handler registered with
// SubscribeInvalidMessageReceived.
func (c *Client) UnsubscribeInvalidMessageReceived(id SubscriptionID) {
	c.onInvalidMessage.unsubscribe(id)
}

// SubscribeProtocolEstablished registers a handler for handshake
// completion.
func (c *Client) SubscribeProtocolEstablished(fn func(*ProtocolEstablishedEvent)) SubscriptionID {
	return c.onEstablished.subscribe(func(e Event) { fn(e.(*ProtocolEstablishedEvent)) })
}

// UnsubscribeProtocolEstablished removes a handler registered with
// SubscribeProtocolEstablished.
func (c *Client) UnsubscribeProtocolEstablished(id SubscriptionID) {
	c.onEstablished.unsubscribe(id)
}

// SubscribeProtocolFailed registers a handler for handshake failure.
func (c *Client) SubscribeProtocolFailed(fn func(*ProtocolFailedEvent)) SubscriptionID {
	return c.onFailed.subscribe(func(e Event) { fn(e.(*ProtocolFailedEvent)) })
}

// UnsubscribeProtocolFailed removes a handler registered with
// SubscribeProtocolFailed.
func (c *Client) UnsubscribeProtocolFailed(id SubscriptionID) {
	c.onFailed.unsubscribe(id)
}
