package orchestrator

import (
	"fmt"
	"time"

	"channelmanager/internal/events"
	"channelmanager/internal/models"
)

// Subscribe wires the orchestrator to the collaborating services: inventory
// and rate changes are pushed out, and every booking change closes or reopens
// the affected nights on the channels. Handlers take their place in each
// connection's lane before returning, so pushes leave in publish order while
// publishers never wait on a channel.
func (o *Orchestrator) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventInventoryChanged, func(e *events.Event) error {
		var p events.InventoryChangedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return o.enqueuePush(p.HotelID, models.RetryPushPayload{Operation: models.OpPushInventory, Inventory: p.Updates})
	})

	bus.Subscribe(events.EventRatesChanged, func(e *events.Event) error {
		var p events.RatesChangedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return o.enqueuePush(p.HotelID, models.RetryPushPayload{Operation: models.OpPushRates, Rates: p.Updates})
	})

	closeOut := func(e *events.Event) error {
		var p events.BookingEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		updates := availabilityChanges(e.Type, p)
		if len(updates) == 0 {
			return nil
		}
		if err := o.enqueuePush(p.HotelID, models.RetryPushPayload{Operation: models.OpPushInventory, Inventory: updates}); err != nil {
			return fmt.Errorf("close-out for %s: %w", p.Reference, err)
		}
		return nil
	}
	bus.Subscribe(events.EventBookingCommitted, closeOut)
	bus.Subscribe(events.EventBookingModified, closeOut)
	bus.Subscribe(events.EventBookingCancelled, closeOut)
}

// availabilityChanges derives the inventory updates a booking event implies.
func availabilityChanges(eventType string, p events.BookingEventPayload) []models.InventoryUpdate {
	switch eventType {
	case events.EventBookingCommitted:
		return nightUpdates(p.LocalRoomID, models.Nights(p.CheckIn, p.CheckOut), false)
	case events.EventBookingCancelled:
		return nightUpdates(p.LocalRoomID, models.Nights(p.CheckIn, p.CheckOut), true)
	case events.EventBookingModified:
		current := models.Nights(p.CheckIn, p.CheckOut)
		updates := nightUpdates(p.LocalRoomID, current, false)
		if p.PreviousCheckIn == nil || p.PreviousCheckOut == nil {
			return updates
		}
		held := make(map[string]bool, len(current))
		for _, n := range current {
			held[p.LocalRoomID+"|"+n.Format(models.DateLayout)] = true
		}
		var freed []models.InventoryUpdate
		for _, n := range models.Nights(*p.PreviousCheckIn, *p.PreviousCheckOut) {
			if !held[p.PreviousLocalRoomID+"|"+n.Format(models.DateLayout)] {
				freed = append(freed, models.InventoryUpdate{RoomID: p.PreviousLocalRoomID, Date: n, Available: true})
			}
		}
		return append(freed, updates...)
	default:
		return nil
	}
}

func nightUpdates(roomID string, nights []time.Time, available bool) []models.InventoryUpdate {
	updates := make([]models.InventoryUpdate, 0, len(nights))
	for _, n := range nights {
		updates = append(updates, models.InventoryUpdate{RoomID: roomID, Date: n, Available: available})
	}
	return updates
}
