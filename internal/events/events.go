package events

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"channelmanager/internal/models"
)

// Event types exchanged with the inventory, pricing and booking services.
const (
	EventInventoryChanged = "inventory.changed"
	EventRatesChanged     = "rates.changed"

	EventBookingCommitted  = "booking.committed"
	EventBookingModified   = "booking.modified"
	EventBookingCancelled  = "booking.cancelled"
	EventBookingConflicted = "booking.conflicted"

	EventConnectionStatus = "connection.status_changed"
)

// BookingEventPayload is the booking snapshot handed to the Booking service.
type BookingEventPayload struct {
	BookingID         int64     `json:"booking_id,omitempty"`
	Reference         string    `json:"reference,omitempty"`
	HotelID           int64     `json:"hotel_id"`
	LocalRoomID       string    `json:"local_room_id"`
	ConnectionID      int64     `json:"connection_id,omitempty"`
	ChannelType       string    `json:"channel_type"`
	ExternalBookingID string    `json:"external_booking_id,omitempty"`
	CheckIn           time.Time `json:"check_in"`
	CheckOut          time.Time `json:"check_out"`
	GuestName         string    `json:"guest_name,omitempty"`
	TotalAmount       float64   `json:"total_amount,omitempty"`
	Currency          string    `json:"currency,omitempty"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`

	// Set on booking.modified when the stay moved.
	PreviousLocalRoomID string     `json:"previous_local_room_id,omitempty"`
	PreviousCheckIn     *time.Time `json:"previous_check_in,omitempty"`
	PreviousCheckOut    *time.Time `json:"previous_check_out,omitempty"`
}

// InventoryChangedPayload is published by the Inventory service.
type InventoryChangedPayload struct {
	HotelID int64                    `json:"hotel_id"`
	Updates []models.InventoryUpdate `json:"updates"`
}

// RatesChangedPayload is published by the Pricing service.
type RatesChangedPayload struct {
	HotelID int64               `json:"hotel_id"`
	Updates []models.RateUpdate `json:"updates"`
}

// ConnectionStatusPayload reports a lifecycle move of a channel connection.
type ConnectionStatusPayload struct {
	ConnectionID int64  `json:"connection_id"`
	HotelID      int64  `json:"hotel_id"`
	ChannelType  string `json:"channel_type"`
	From         string `json:"from"`
	To           string `json:"to"`
	Reason       string `json:"reason,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub. A subscription pattern is either an
// exact event type or a prefix ending in ".*", e.g. "booking.*".
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for an event type or pattern.
func (b *EventBus) Subscribe(pattern string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[pattern] = append(b.subscribers[pattern], handler)
}

func matches(pattern, eventType string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

// Publish runs matching handlers synchronously and returns their joined errors.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	var handlers []EventHandler
	for pattern, hs := range b.subscribers {
		if matches(pattern, event.Type) {
			handlers = append(handlers, hs...)
		}
	}
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event. A nil bus is a no-op.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}
