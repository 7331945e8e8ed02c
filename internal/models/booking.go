package models

import (
	"encoding/json"
	"time"
)

// ExternalBooking is the adapter-agnostic reservation every channel produces.
type ExternalBooking struct {
	ExternalBookingID  string          `json:"external_booking_id"`
	ChannelType        string          `json:"channel_type"`
	ExternalPropertyID string          `json:"external_property_id"`
	ExternalRoomTypeID string          `json:"external_room_type_id"`
	CheckIn            time.Time       `json:"check_in"`
	CheckOut           time.Time       `json:"check_out"`
	GuestName          string          `json:"guest_name"`
	GuestEmail         string          `json:"guest_email,omitempty"`
	GuestPhone         string          `json:"guest_phone,omitempty"`
	GuestCount         int             `json:"guest_count"`
	TotalAmount        float64         `json:"total_amount"`
	Currency           string          `json:"currency"`
	Status             string          `json:"status"`
	RawPayload         json.RawMessage `json:"raw_payload,omitempty"`
}

// Booking is the committed local ledger record.
type Booking struct {
	ID                int64     `json:"id"`
	Reference         string    `json:"reference"`
	HotelID           int64     `json:"hotel_id"`
	LocalRoomID       string    `json:"local_room_id"`
	ConnectionID      *int64    `json:"connection_id,omitempty"`
	Source            string    `json:"source"`
	ChannelType       string    `json:"channel_type"`
	ExternalBookingID string    `json:"external_booking_id"`
	CheckIn           time.Time `json:"check_in"`
	CheckOut          time.Time `json:"check_out"`
	GuestName         string    `json:"guest_name"`
	GuestEmail        string    `json:"guest_email,omitempty"`
	GuestPhone        string    `json:"guest_phone,omitempty"`
	GuestCount        int       `json:"guest_count"`
	TotalAmount       float64   `json:"total_amount"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Version           int64     `json:"version"`
}

// Nights returns every night covered by a stay, check-out excluded.
func Nights(checkIn, checkOut time.Time) []time.Time {
	start := Day(checkIn)
	end := Day(checkOut)
	var nights []time.Time
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		nights = append(nights, d)
	}
	return nights
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
