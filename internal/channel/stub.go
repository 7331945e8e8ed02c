package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"channelmanager/internal/models"
)

// credentials is implemented by the typed credential blobs of each channel.
type credentials interface {
	propertyID() string
	validate() error
}

type BookingComCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	HotelID  string `json:"hotel_id"`
}

func (c BookingComCredentials) propertyID() string { return c.HotelID }

func (c BookingComCredentials) validate() error {
	if c.Username == "" || c.Password == "" || c.HotelID == "" {
		return errors.New("username, password and hotel_id are required")
	}
	return nil
}

type ExpediaCredentials struct {
	APIKey     string `json:"api_key"`
	Secret     string `json:"secret"`
	PropertyID string `json:"property_id"`
}

func (c ExpediaCredentials) propertyID() string { return c.PropertyID }

func (c ExpediaCredentials) validate() error {
	if c.APIKey == "" || c.Secret == "" || c.PropertyID == "" {
		return errors.New("api_key, secret and property_id are required")
	}
	return nil
}

type TravelokaCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	PropertyID   string `json:"property_id"`
}

func (c TravelokaCredentials) propertyID() string { return c.PropertyID }

func (c TravelokaCredentials) validate() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.PropertyID == "" {
		return errors.New("client_id, client_secret and property_id are required")
	}
	return nil
}

// B2BCredentials identify a hotel with a wholesale reseller.
type B2BCredentials struct {
	PartnerCode string `json:"partner_code"`
	Endpoint    string `json:"endpoint"`
	Token       string `json:"token"`
}

func (c B2BCredentials) propertyID() string { return c.PartnerCode }

func (c B2BCredentials) validate() error {
	if c.PartnerCode == "" || c.Token == "" {
		return errors.New("partner_code and token are required")
	}
	return nil
}

// DecodeCredentials unmarshals and checks a typed credential blob.
func DecodeCredentials[C credentials](raw json.RawMessage) (C, error) {
	var creds C
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	if err := creds.validate(); err != nil {
		return creds, fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	return creds, nil
}

// Stub is a registered adapter for a channel whose wire protocol is not built
// yet. It checks credential shape and fails every remote call with a CONFIG error.
type Stub[C credentials] struct {
	channelType string
}

func NewBookingCom() *Stub[BookingComCredentials] {
	return &Stub[BookingComCredentials]{channelType: models.ChannelBookingCom}
}

func NewExpedia() *Stub[ExpediaCredentials] {
	return &Stub[ExpediaCredentials]{channelType: models.ChannelExpedia}
}

func NewTraveloka() *Stub[TravelokaCredentials] {
	return &Stub[TravelokaCredentials]{channelType: models.ChannelTraveloka}
}

func NewB2B() *Stub[B2BCredentials] {
	return &Stub[B2BCredentials]{channelType: models.ChannelB2B}
}

func (s *Stub[C]) Type() string { return s.channelType }

func (s *Stub[C]) notImplemented(op string) models.SyncResult {
	return Failure(op, fmt.Errorf("%w: %s %s", ErrNotImplemented, s.channelType, op), nil, "")
}

func (s *Stub[C]) ValidateCredentials(_ context.Context, raw json.RawMessage) (ValidationResult, error) {
	creds, err := DecodeCredentials[C](raw)
	if err != nil {
		return ValidationResult{Valid: false, Message: err.Error()}, nil
	}
	return ValidationResult{
		Valid:              false,
		ExternalPropertyID: creds.propertyID(),
		Message:            fmt.Sprintf("%s adapter not implemented", s.channelType),
	}, nil
}

func (s *Stub[C]) PushInventory(_ context.Context, _ *models.ChannelConnection, _ []models.ChannelRoomMapping, _ []models.InventoryUpdate) models.SyncResult {
	return s.notImplemented(models.OpPushInventory)
}

func (s *Stub[C]) PushRates(_ context.Context, _ *models.ChannelConnection, _ []models.ChannelRoomMapping, _ []models.RateUpdate) models.SyncResult {
	return s.notImplemented(models.OpPushRates)
}

func (s *Stub[C]) PullBookings(_ context.Context, _ *models.ChannelConnection, _ time.Time) ([]models.ExternalBooking, error) {
	return nil, fmt.Errorf("%w: %s %s", ErrNotImplemented, s.channelType, models.OpPullBookings)
}

func (s *Stub[C]) ParseWebhook(_ []byte) *models.ExternalBooking { return nil }

func (s *Stub[C]) CancelBooking(_ context.Context, _ *models.ChannelConnection, _ string) models.SyncResult {
	return s.notImplemented(models.OpCancelUpstream)
}
