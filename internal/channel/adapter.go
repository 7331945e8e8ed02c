// Package channel defines the contract every OTA integration implements and
// the pieces shared between integrations.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"channelmanager/internal/models"
)

var (
	ErrUnknownChannel = errors.New("channel: unknown channel type")
	ErrUnauthorized   = errors.New("channel: unauthorized")
	ErrForbidden      = errors.New("channel: forbidden")
	ErrNotFound       = errors.New("channel: not found")
	ErrNotImplemented = errors.New("channel: not implemented")
	ErrBadCredentials = errors.New("channel: malformed credentials")
)

// ValidationResult is the outcome of a credential check against the channel.
type ValidationResult struct {
	Valid              bool   `json:"valid"`
	ExternalPropertyID string `json:"external_property_id,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Adapter translates between the canonical model and one channel's API.
// Adapters are stateless apart from transport and never touch local state.
type Adapter interface {
	Type() string

	// ValidateCredentials returns an error only when the channel could not be
	// reached. Rejected credentials come back as Valid=false.
	ValidateCredentials(ctx context.Context, creds json.RawMessage) (ValidationResult, error)

	PushInventory(ctx context.Context, conn *models.ChannelConnection, mappings []models.ChannelRoomMapping, updates []models.InventoryUpdate) models.SyncResult
	PushRates(ctx context.Context, conn *models.ChannelConnection, mappings []models.ChannelRoomMapping, updates []models.RateUpdate) models.SyncResult
	PullBookings(ctx context.Context, conn *models.ChannelConnection, since time.Time) ([]models.ExternalBooking, error)

	// ParseWebhook is pure. It returns nil for payloads that are malformed or
	// carry no booking.
	ParseWebhook(payload []byte) *models.ExternalBooking

	// CancelBooking asks the channel to cancel a reservation that could not be
	// honoured locally.
	CancelBooking(ctx context.Context, conn *models.ChannelConnection, externalBookingID string) models.SyncResult
}

// Classify maps an adapter or transport error onto the sync error taxonomy.
func Classify(err error) models.ErrorKind {
	var statusErr *StatusError
	switch {
	case err == nil:
		return models.ErrorNone
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorTimeout
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return models.ErrorCredential
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotImplemented),
		errors.Is(err, ErrBadCredentials), errors.Is(err, ErrUnknownChannel):
		return models.ErrorConfig
	case errors.As(err, &statusErr):
		if statusErr.Retryable() {
			return models.ErrorTransient
		}
		if statusErr.Code == 400 || statusErr.Code == 422 {
			return models.ErrorMalformed
		}
		return models.ErrorConfig
	case errors.As(err, new(*json.SyntaxError)), errors.As(err, new(*json.UnmarshalTypeError)):
		return models.ErrorMalformed
	default:
		return models.ErrorTransient
	}
}

// Failure converts an error into an unsuccessful SyncResult.
func Failure(op string, err error, affected []string, raw string) models.SyncResult {
	res := models.Failed(op, Classify(err), err.Error())
	res.AffectedRooms = affected
	res.RawResponse = raw
	return res
}
