package stream

import (
	"sync"

	"predictflow/logger"
	"predictflow/models"
)

// EventHandler consumes one normalized market event.
type EventHandler func(event models.MarketEvent)

// Subscription identifies one registered handler. Zero is never issued,
// so the zero value is safe to pass to Unregister.
type Subscription uint64

type handlerEntry struct {
	sub     Subscription
	handler EventHandler
}

// Dispatcher fans events out to registered handlers. Delivery is
// synchronous and in registration order; a panicking handler is isolated
// so the remaining handlers still receive the event. Each Register call
// is an independent subscription, so distinct consumers of the same
// method all receive events.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]handlerEntry
	byToken  map[Subscription]models.EventType
	nextSub  Subscription
	log      *logger.Log
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[models.EventType][]handlerEntry),
		byToken:  make(map[Subscription]models.EventType),
		log:      logger.GetLogger(),
	}
}

// Register appends a handler for the event type and returns the token
// that cancels it. A nil handler returns zero and registers nothing.
func (d *Dispatcher) Register(eventType models.EventType, handler EventHandler) Subscription {
	if handler == nil {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	sub := d.nextSub
	d.handlers[eventType] = append(d.handlers[eventType], handlerEntry{sub: sub, handler: handler})
	d.byToken[sub] = eventType
	return sub
}

// Unregister removes the subscription. Unknown or zero tokens are ignored.
func (d *Dispatcher) Unregister(sub Subscription) {
	if sub == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	eventType, ok := d.byToken[sub]
	if !ok {
		return
	}
	delete(d.byToken, sub)

	entries := d.handlers[eventType]
	for i, entry := range entries {
		if entry.sub == sub {
			d.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch delivers the event to every handler registered for its type,
// in registration order. No event is dropped because a handler failed.
func (d *Dispatcher) Dispatch(event models.MarketEvent) {
	d.mu.RLock()
	entries := d.handlers[event.Type]
	d.mu.RUnlock()

	for _, entry := range entries {
		d.deliver(entry.handler, event)
	}
}

func (d *Dispatcher) deliver(handler EventHandler, event models.MarketEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithComponent("dispatcher").WithFields(logger.Fields{
				"event_type": event.Type,
				"panic":      r,
			}).Error("handler panicked during dispatch")
		}
	}()
	handler(event)
}
