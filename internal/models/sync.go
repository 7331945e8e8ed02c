package models

import (
	"encoding/json"
	"time"
)

// InventoryUpdate is an availability change for one room-night.
// Price 0 means the price is left unchanged on the channel.
type InventoryUpdate struct {
	RoomID    string    `json:"room_id" validate:"required"`
	Date      time.Time `json:"date" validate:"required"`
	Available bool      `json:"available"`
	Price     float64   `json:"price,omitempty" validate:"gte=0"`
}

// RateUpdate is a price change for one room-night.
type RateUpdate struct {
	RoomID             string    `json:"room_id" validate:"required"`
	Date               time.Time `json:"date" validate:"required"`
	Price              float64   `json:"price" validate:"gt=0"`
	Currency           string    `json:"currency" validate:"required,len=3"`
	ExternalRatePlanID string    `json:"external_rate_plan_id,omitempty"`
}

// SyncResult is what an adapter reports for one remote operation.
type SyncResult struct {
	Success       bool      `json:"success"`
	Operation     string    `json:"operation"`
	AffectedRooms []string  `json:"affected_rooms"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	RawResponse   string    `json:"raw_response,omitempty"`
}

// Failed builds an unsuccessful result.
func Failed(op string, kind ErrorKind, msg string) SyncResult {
	return SyncResult{Operation: op, ErrorKind: kind, ErrorMessage: msg}
}

// SyncLog is one append-only audit row per sync attempt.
type SyncLog struct {
	ID                int64     `json:"id"`
	ConnectionID      int64     `json:"connection_id"`
	Operation         string    `json:"operation"`
	Success           bool      `json:"success"`
	AffectedRooms     []string  `json:"affected_rooms"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	Outcome           string    `json:"outcome,omitempty"`
	ExternalBookingID string    `json:"external_booking_id,omitempty"`
	RawResponse       string    `json:"raw_response,omitempty"`
	Attempt           int       `json:"attempt"`
	CreatedAt         time.Time `json:"created_at"`
}

// LogFromResult converts an adapter result into a log row.
func LogFromResult(connectionID int64, res SyncResult, attempt int) *SyncLog {
	return &SyncLog{
		ConnectionID:  connectionID,
		Operation:     res.Operation,
		Success:       res.Success,
		AffectedRooms: res.AffectedRooms,
		ErrorMessage:  res.ErrorMessage,
		ErrorKind:     res.ErrorKind,
		RawResponse:   res.RawResponse,
		Attempt:       attempt,
	}
}

// Sync task types.
const (
	TaskRetryPush      = "retry_push"
	TaskCancelUpstream = "cancel_upstream"
	TaskIngestWebhook  = "ingest_webhook"
)

// Sync task statuses.
const (
	TaskPending    = "pending"
	TaskRetry      = "retry"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// SyncTask represents a queued unit of deferred channel work.
type SyncTask struct {
	ID           int64      `json:"id"`
	TaskType     string     `json:"task_type"`
	ConnectionID int64      `json:"connection_id"`
	Payload      string     `json:"payload"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	LastError    *string    `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at"`
	NextRetryAt  *time.Time `json:"next_retry_at"`
}

// RetryPushPayload is stored in SyncTask.Payload for TaskRetryPush. Seq is
// the position of the first attempt in the connection's push order.
type RetryPushPayload struct {
	Operation string            `json:"operation"`
	Seq       int64             `json:"seq,omitempty"`
	Inventory []InventoryUpdate `json:"inventory,omitempty"`
	Rates     []RateUpdate      `json:"rates,omitempty"`
}

// PushKey names one remote value a push writes: the availability of a
// room-night, or its price on one rate plan.
type PushKey struct {
	RoomID string
	Night  string
	Kind   string
}

const pushKindAvailability = "availability"

// Keys lists the remote values the payload writes.
func (p RetryPushPayload) Keys() []PushKey {
	keys := make([]PushKey, 0, len(p.Inventory)+len(p.Rates))
	for _, u := range p.Inventory {
		keys = append(keys, u.Key())
	}
	for _, u := range p.Rates {
		keys = append(keys, u.Key())
	}
	return keys
}

func (u InventoryUpdate) Key() PushKey {
	return PushKey{RoomID: u.RoomID, Night: u.Date.Format(DateLayout), Kind: pushKindAvailability}
}

func (u RateUpdate) Key() PushKey {
	return PushKey{RoomID: u.RoomID, Night: u.Date.Format(DateLayout), Kind: "rate:" + u.ExternalRatePlanID}
}

// CancelUpstreamPayload is stored in SyncTask.Payload for TaskCancelUpstream.
type CancelUpstreamPayload struct {
	ChannelType       string `json:"channel_type"`
	ExternalBookingID string `json:"external_booking_id"`
	Reason            string `json:"reason"`
}

// WebhookPayload is stored in SyncTask.Payload for TaskIngestWebhook.
type WebhookPayload struct {
	ChannelType string          `json:"channel_type"`
	Body        json.RawMessage `json:"body"`
	ReceivedAt  time.Time       `json:"received_at"`
}
