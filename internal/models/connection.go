package models

import (
	"encoding/json"
	"time"
)

// ChannelConnection is a hotel's enrollment with one sales channel.
type ChannelConnection struct {
	ID                 int64           `json:"id"`
	HotelID            int64           `json:"hotel_id"`
	ChannelType        string          `json:"channel_type"`
	APICredentials     json.RawMessage `json:"-"`
	ExternalPropertyID string          `json:"external_property_id"`
	Status             string          `json:"status"`
	StatusReason       string          `json:"status_reason,omitempty"`
	LastSyncAt         *time.Time      `json:"last_sync_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty"`
}

// Pushable reports whether the connection receives outbound pushes.
func (c *ChannelConnection) Pushable() bool {
	return c.Status == ConnectionActive && c.DeletedAt == nil
}

// Pullable reports whether bookings are still pulled from the connection.
// Degraded connections keep pulling so no reservation is lost.
func (c *ChannelConnection) Pullable() bool {
	return (c.Status == ConnectionActive || c.Status == ConnectionDegraded) && c.DeletedAt == nil
}

var connectionTransitions = map[string][]string{
	ConnectionPending:  {ConnectionActive, ConnectionInactive},
	ConnectionActive:   {ConnectionDegraded, ConnectionInactive},
	ConnectionDegraded: {ConnectionActive, ConnectionInactive},
	ConnectionInactive: {ConnectionActive},
}

// CanTransition validates a connection lifecycle move.
func CanTransition(from, to string) bool {
	for _, next := range connectionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChannelRoomMapping ties a local room to an external room type and rate plan.
type ChannelRoomMapping struct {
	ID                 int64     `json:"id"`
	ConnectionID       int64     `json:"connection_id"`
	LocalRoomID        string    `json:"local_room_id"`
	ExternalRoomTypeID string    `json:"external_room_type_id"`
	ExternalRatePlanID string    `json:"external_rate_plan_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MappingSet indexes a connection's mappings in both directions.
type MappingSet struct {
	byLocal    map[string]ChannelRoomMapping
	byExternal map[string]ChannelRoomMapping
}

// NewMappingSet builds the lookup tables for a slice of mappings.
func NewMappingSet(mappings []ChannelRoomMapping) MappingSet {
	set := MappingSet{
		byLocal:    make(map[string]ChannelRoomMapping, len(mappings)),
		byExternal: make(map[string]ChannelRoomMapping, len(mappings)),
	}
	for _, m := range mappings {
		set.byLocal[m.LocalRoomID] = m
		set.byExternal[m.ExternalRoomTypeID] = m
	}
	return set
}

func (s MappingSet) ByLocal(roomID string) (ChannelRoomMapping, bool) {
	m, ok := s.byLocal[roomID]
	return m, ok
}

func (s MappingSet) ByExternal(roomTypeID string) (ChannelRoomMapping, bool) {
	m, ok := s.byExternal[roomTypeID]
	return m, ok
}

func (s MappingSet) Len() int { return len(s.byLocal) }
