package agoda

import (
	"encoding/json"
	"strings"
	"time"

	"channelmanager/internal/models"
)

// Credentials is the credential blob stored on an Agoda connection.
type Credentials struct {
	APIKey     string `json:"api_key"`
	PropertyID string `json:"property_id"`
	BaseURL    string `json:"base_url,omitempty"` // one of the configured endpoints
}

type availabilityRequest struct {
	RoomTypeID string             `json:"room_type_id"`
	RatePlanID string             `json:"rate_plan_id,omitempty"`
	Dates      []availabilityDate `json:"dates"`
}

type availabilityDate struct {
	Date      string   `json:"date"`
	Available bool     `json:"available"`
	Price     *float64 `json:"price,omitempty"`
}

type ratesRequest struct {
	RoomTypeID string     `json:"room_type_id"`
	Rates      []rateDate `json:"rates"`
}

type rateDate struct {
	Date       string  `json:"date"`
	RatePlanID string  `json:"rate_plan_id"`
	Price      float64 `json:"price"`
	Currency   string  `json:"currency"`
}

type propertyResponse struct {
	PropertyID string `json:"property_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

type booking struct {
	BookingID  string `json:"booking_id"`
	PropertyID string `json:"property_id"`
	RoomTypeID string `json:"room_type_id"`
	CheckIn    string `json:"check_in"`
	CheckOut   string `json:"check_out"`
	Status     string `json:"status"`
	Guest      struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
	} `json:"guest"`
	Adults   int `json:"adults"`
	Children int `json:"children"`
	Price    struct {
		Total    float64 `json:"total"`
		Currency string  `json:"currency"`
	} `json:"price"`
}

var statusMap = map[string]string{
	"booked":         models.BookingConfirmed,
	"confirmed":      models.BookingConfirmed,
	"amended":        models.BookingModified,
	"modified":       models.BookingModified,
	"cancelled":      models.BookingCancelled,
	"canceled":       models.BookingCancelled,
	"no_show_cancel": models.BookingCancelled,
}

var eventStatus = map[string]string{
	"booking.created":   models.BookingConfirmed,
	"booking.amended":   models.BookingModified,
	"booking.cancelled": models.BookingCancelled,
}

// canonical converts a wire booking. It returns nil when a required field is
// missing or the status is outside the known vocabulary.
func (b *booking) canonical(fallbackStatus string, raw json.RawMessage) *models.ExternalBooking {
	if b == nil || b.BookingID == "" || b.RoomTypeID == "" {
		return nil
	}
	status, ok := statusMap[strings.ToLower(strings.TrimSpace(b.Status))]
	if !ok {
		if b.Status != "" || fallbackStatus == "" {
			return nil
		}
		status = fallbackStatus
	}

	checkIn, err := time.Parse(models.DateLayout, b.CheckIn)
	if err != nil {
		return nil
	}
	checkOut, err := time.Parse(models.DateLayout, b.CheckOut)
	if err != nil || !checkOut.After(checkIn) {
		return nil
	}

	return &models.ExternalBooking{
		ExternalBookingID:  b.BookingID,
		ChannelType:        models.ChannelAgoda,
		ExternalPropertyID: b.PropertyID,
		ExternalRoomTypeID: b.RoomTypeID,
		CheckIn:            checkIn,
		CheckOut:           checkOut,
		GuestName:          strings.TrimSpace(b.Guest.FirstName + " " + b.Guest.LastName),
		GuestEmail:         b.Guest.Email,
		GuestPhone:         b.Guest.Phone,
		GuestCount:         b.Adults + b.Children,
		TotalAmount:        b.Price.Total,
		Currency:           b.Price.Currency,
		Status:             status,
		RawPayload:         raw,
	}
}
