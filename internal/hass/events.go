package hass

import (
	"context"
	"encoding/json"
)

// handleEvent decodes a pushed event and queues it for the event worker.
// The reader never blocks on user code: a full queue drops the event.
func (c *WSClient) handleEvent(msg *incomingMessage) {
	var ev Event
	if len(msg.Event) > 0 {
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			c.logWarn("discarding malformed event", "error", err)
			return
		}
	}
	if msg.ID != nil {
		ev.SubscriptionID = *msg.ID
	}
	c.eventsReceived.Add(1)

	c.callbackMu.RLock()
	hasHandler := c.onEvent != nil
	c.callbackMu.RUnlock()
	if !hasHandler {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
		c.logWarn("event queue full, dropping event", "event_type", ev.EventType)
	}
}

// eventWorker delivers queued events to the handler until ctx is cancelled.
func (c *WSClient) eventWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.drainEvents()
			return
		case ev := <-c.events:
			c.deliverEvent(ev)
		}
	}
}

// drainEvents discards anything left in the queue so a later Connect starts
// clean.
func (c *WSClient) drainEvents() {
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

func (c *WSClient) deliverEvent(ev Event) {
	c.callbackMu.RLock()
	handler := c.onEvent
	c.callbackMu.RUnlock()
	if handler == nil {
		return
	}
	c.safeCall("on_event", func() { handler(ev) })
}
