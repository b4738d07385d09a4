package chatrt

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Unsubscribe removes a previously registered handler. Calling it more than
// once, or after the dispatcher has closed, is a no-op.
type Unsubscribe func()

// handlerSet is one typed fan-out channel. Registration is O(1), dispatch is
// O(subscribers). Handlers are keyed by a monotonically increasing id so that
// dispatch order follows registration order.
type handlerSet[T any] struct {
	handlers map[uint64]func(T)
	order    []uint64
}

func newHandlerSet[T any]() *handlerSet[T] {
	return &handlerSet[T]{handlers: make(map[uint64]func(T))}
}

func (s *handlerSet[T]) add(id uint64, h func(T)) {
	s.handlers[id] = h
	s.order = append(s.order, id)
}

func (s *handlerSet[T]) remove(id uint64) {
	if _, ok := s.handlers[id]; !ok {
		return
	}
	delete(s.handlers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *handlerSet[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handlers[id])
	}
	return out
}

// Dispatcher fans realtime chat events out to any number of concurrently
// mounted consumers (the floating panel and the full conversation page may
// both be subscribed at once). It is owned by a Session and lives exactly as
// long as one login.
//
// A handler that panics is isolated and logged; the remaining handlers in the
// same dispatch still run.
type Dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	closed bool

	message   *handlerSet[MessagePayload]
	delivered *handlerSet[DeliveredPayload]
	read      *handlerSet[ReadPayload]
	reaction  *handlerSet[ReactionPayload]

	log zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		message:   newHandlerSet[MessagePayload](),
		delivered: newHandlerSet[DeliveredPayload](),
		read:      newHandlerSet[ReadPayload](),
		reaction:  newHandlerSet[ReactionPayload](),
		log:       log,
	}
}

// OnMessage registers a handler for chat:message events.
func (d *Dispatcher) OnMessage(h func(MessagePayload)) Unsubscribe {
	return register(d, d.message, h)
}

// OnDelivered registers a handler for chat:messages-delivered batches.
func (d *Dispatcher) OnDelivered(h func(DeliveredPayload)) Unsubscribe {
	return register(d, d.delivered, h)
}

// OnRead registers a handler for chat:messages-read batches.
func (d *Dispatcher) OnRead(h func(ReadPayload)) Unsubscribe {
	return register(d, d.read, h)
}

// OnReaction registers a handler for chat:reaction events.
func (d *Dispatcher) OnReaction(h func(ReactionPayload)) Unsubscribe {
	return register(d, d.reaction, h)
}

func register[T any](d *Dispatcher, set *handlerSet[T], h func(T)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() {}
	}
	d.nextID++
	id := d.nextID
	set.add(id, h)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		set.remove(id)
	}
}

// Close drops every registered handler. Events dispatched afterwards are
// discarded; outstanding Unsubscribe funcs become no-ops.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.message = newHandlerSet[MessagePayload]()
	d.delivered = newHandlerSet[DeliveredPayload]()
	d.read = newHandlerSet[ReadPayload]()
	d.reaction = newHandlerSet[ReactionPayload]()
}

// DispatchEnvelope decodes a raw realtime envelope and fans it out to the
// channel matching its event name. Unknown events and undecodable payloads
// are ignored; presence events are handled by the tracker, not here.
func (d *Dispatcher) DispatchEnvelope(env Envelope) {
	switch env.Event {
	case EventMessage:
		var p MessagePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			d.DispatchMessage(p)
		}
	case EventDelivered:
		var p DeliveredPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			d.DispatchDelivered(p)
		}
	case EventRead:
		var p ReadPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			d.DispatchRead(p)
		}
	case EventReaction:
		var p ReactionPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			d.DispatchReaction(p)
		}
	}
}

// DispatchMessage fans one message event out to all message subscribers.
func (d *Dispatcher) DispatchMessage(p MessagePayload) { dispatch(d, d.message, EventMessage, p) }

// DispatchDelivered fans one delivered batch out to all delivered subscribers.
func (d *Dispatcher) DispatchDelivered(p DeliveredPayload) {
	dispatch(d, d.delivered, EventDelivered, p)
}

// DispatchRead fans one read batch out to all read subscribers.
func (d *Dispatcher) DispatchRead(p ReadPayload) { dispatch(d, d.read, EventRead, p) }

// DispatchReaction fans one reaction event out to all reaction subscribers.
func (d *Dispatcher) DispatchReaction(p ReactionPayload) {
	dispatch(d, d.reaction, EventReaction, p)
}

func dispatch[T any](d *Dispatcher, set *handlerSet[T], event string, payload T) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	handlers := set.snapshot()
	d.mu.Unlock()

	for _, h := range handlers {
		safeCall(d.log, event, h, payload)
	}
}

func safeCall[T any](log zerolog.Logger, event string, h func(T), payload T) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("event", event).Interface("panic", r).
				Msg("event handler panicked; continuing dispatch")
		}
	}()
	h(payload)
}
