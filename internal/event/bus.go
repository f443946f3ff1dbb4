// Package event provides a pub/sub event system for the server using watermill.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/grovhq/grov-proxy/internal/logging"
)

// EventType represents the type of event.
type EventType string

const (
	SessionCreated   EventType = "session.created"
	SessionCompleted EventType = "session.completed"
	SessionError     EventType = "session.error"
	TurnCompleted    EventType = "turn.completed"
	MemoryInjected   EventType = "memory.injected"
	MemoryExpanded   EventType = "memory.expanded"
	TaskLifecycle    EventType = "task.lifecycle"
	DriftDetected    EventType = "drift.detected"
	DriftResolved    EventType = "drift.resolved"
	CacheKeepAlive   EventType = "cache.keepalive"
)

// eventsTopic is the single watermill topic every event rides on; EventType
// (carried in the envelope) is what subscribers actually filter on, not the
// topic name.
const eventsTopic = "grov.events"

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// envelope is Event's wire shape for the watermill transport: Data travels
// as raw JSON so it survives the round trip, then gets decoded back into
// its original concrete struct type (via newDataFor) before any subscriber
// sees it. Subscribers such as httpserver's SSE handlers type-switch on
// Event.Data, so a generic map payload would silently break that filtering.
type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus that manages pub/sub using watermill. The async
// Publish path marshals events onto watermill's in-process gochannel
// transport and a background goroutine decodes and fans them out;
// PublishSync bypasses the transport and calls subscribers directly in the
// caller's goroutine, since synchronous call/wait semantics don't map onto
// a channel.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context

	dispatchDone chan struct{}
}

// globalBus is the default event bus instance.
var globalBus = newBus()

// newBus creates a new event bus with watermill infrastructure and starts
// its background dispatch loop.
func newBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[EventType][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
		dispatchDone: make(chan struct{}),
	}
	go b.runDispatchLoop()
	return b
}

// runDispatchLoop subscribes once to the shared topic and decodes/delivers
// every message until the bus is closed.
func (b *Bus) runDispatchLoop() {
	defer close(b.dispatchDone)

	messages, err := b.pubsub.Subscribe(b.closedCtx, eventsTopic)
	if err != nil {
		logging.Error().Err(err).Msg("event bus: failed to subscribe dispatch loop")
		return
	}

	for msg := range messages {
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			logging.Error().Err(err).Msg("event bus: failed to decode envelope")
			msg.Ack()
			continue
		}

		data := newDataFor(env.Type)
		if len(env.Data) > 0 && data != nil {
			if err := json.Unmarshal(env.Data, data); err != nil {
				logging.Error().Err(err).Str("eventType", string(env.Type)).Msg("event bus: failed to decode event data")
			}
		}

		evt := Event{Type: env.Type}
		if data != nil {
			evt.Data = derefData(data)
		}

		b.deliver(evt)
		msg.Ack()
	}
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func Subscribe(eventType EventType, fn Subscriber) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	// Return unsubscribe function
	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.global = append(b.global, entry)

	return func() {
		b.unsubscribeGlobal(id)
	}
}

// unsubscribe removes a subscriber for a specific event type.
func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// unsubscribeGlobal removes a global subscriber.
func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// Publish sends an event to all subscribers asynchronously, routed through
// watermill's gochannel transport. If the transport rejects the message
// (e.g. the bus is shutting down), the event is dropped and logged rather
// than delivered out-of-band, so the async and sync paths never race.
func Publish(event Event) {
	globalBus.Publish(event)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		logging.Error().Err(err).Str("eventType", string(event.Type)).Msg("event bus: failed to encode event data")
		return
	}
	payload, err := json.Marshal(envelope{Type: event.Type, Data: dataJSON})
	if err != nil {
		logging.Error().Err(err).Str("eventType", string(event.Type)).Msg("event bus: failed to encode envelope")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(eventsTopic, msg); err != nil {
		logging.Error().Err(err).Str("eventType", string(event.Type)).Msg("event bus: publish failed")
	}
}

// deliver calls every subscriber registered for event.Type plus every
// global subscriber, each in its own goroutine so one slow or panicking
// subscriber never blocks the dispatch loop or another subscriber.
func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		go callGuarded(sub, event)
	}
}

// PublishSync sends an event to all subscribers synchronously.
// All subscribers are called in the current goroutine before returning.
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

func (b *Bus) PublishSync(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	// Collect subscribers under read lock
	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	// Call all subscribers synchronously, guarding each so one panicking
	// subscriber doesn't stop the rest from running.
	for _, sub := range subs {
		callGuarded(sub, event)
	}
}

func callGuarded(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("eventType", string(event.Type)).
				Msg("event subscriber panicked")
		}
	}()
	fn(event)
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return newBus()
}

// Reset clears all subscribers from the global bus (for testing).
func Reset() {
	globalBus.mu.Lock()
	globalBus.closed = true
	globalBus.closedCancel()
	globalBus.mu.Unlock()

	// Close the old pubsub
	_ = globalBus.pubsub.Close()
	<-globalBus.dispatchDone

	// Small delay to allow goroutines to clean up
	time.Sleep(10 * time.Millisecond)

	// Create a new global bus
	globalBus = newBus()
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	err := b.pubsub.Close()
	<-b.dispatchDone
	return err
}

// PubSub returns the underlying watermill GoChannel for advanced use cases.
// This can be used for middleware, routing, or when switching to distributed backends.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// PubSub returns the global bus's underlying watermill GoChannel.
func PubSub() *gochannel.GoChannel {
	return globalBus.PubSub()
}

// newDataFor returns a fresh pointer to the concrete Data struct for t, or
// nil for an unknown type. json.Unmarshal decodes into this pointer so
// deliver() hands subscribers the exact original struct type rather than a
// generic map, which eventBelongsToSession's type switch depends on.
func newDataFor(t EventType) any {
	switch t {
	case SessionCreated:
		return &SessionCreatedData{}
	case SessionCompleted:
		return &SessionCompletedData{}
	case SessionError:
		return &SessionErrorData{}
	case TurnCompleted:
		return &TurnCompletedData{}
	case MemoryInjected:
		return &MemoryInjectedData{}
	case MemoryExpanded:
		return &MemoryExpandedData{}
	case TaskLifecycle:
		return &TaskLifecycleData{}
	case DriftDetected:
		return &DriftDetectedData{}
	case DriftResolved:
		return &DriftResolvedData{}
	case CacheKeepAlive:
		return &CacheKeepAliveData{}
	default:
		return nil
	}
}

// derefData dereferences the pointer newDataFor returned so Event.Data
// holds the same value shape (not a double pointer) that PublishSync
// callers pass in directly.
func derefData(ptr any) any {
	switch v := ptr.(type) {
	case *SessionCreatedData:
		return *v
	case *SessionCompletedData:
		return *v
	case *SessionErrorData:
		return *v
	case *TurnCompletedData:
		return *v
	case *MemoryInjectedData:
		return *v
	case *MemoryExpandedData:
		return *v
	case *TaskLifecycleData:
		return *v
	case *DriftDetectedData:
		return *v
	case *DriftResolvedData:
		return *v
	case *CacheKeepAliveData:
		return *v
	default:
		return ptr
	}
}
