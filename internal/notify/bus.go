// Package notify is a fire-and-forget event bus for operator-facing
// notifications (regime changes, safety trips, trade closes). Publishing
// never blocks and the core never reacts to a sink's failure; a slow
// subscriber just drops events.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType tags a notification.
type EventType string

const (
	EventRegimeChange EventType = "regime_change"
	EventTradeOpened  EventType = "trade_opened"
	EventTradeClosed  EventType = "trade_closed"
	EventSafetyTrip   EventType = "safety_trip"
	EventEmergency    EventType = "emergency_close"
)

// Event is one notification.
type Event struct {
	Type      EventType      `json:"type"`
	Symbol    string         `json:"symbol,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const subscriberBuffer = 64

// Bus fans events out to buffered subscriber channels.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates a bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("notify")}
}

// Subscribe returns a channel that receives future events. The channel is
// closed when the bus shuts down.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("Notification dropped, subscriber buffer full",
				zap.String("type", string(e.Type)))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
