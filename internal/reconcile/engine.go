// Package reconcile turns bookings delivered by sales channels into committed
// local bookings without ever selling a room-night twice.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"channelmanager/internal/database"
	"channelmanager/internal/domain"
	"channelmanager/internal/events"
	"channelmanager/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned by ReserveDirect when a night of the stay is taken.
var ErrUnavailable = errors.New("room is not available for the requested stay")

// rescheduleAttempts bounds optimistic retries when a booking changes under us.
const rescheduleAttempts = 3

// Result is the reconciliation outcome for one delivered booking.
type Result struct {
	Outcome string
	Booking *models.Booking
	Reason  string
}

type Engine struct {
	bookings domain.BookingStore
	tasks    domain.TaskQueue
	events   domain.EventPublisher
	logger   *zerolog.Logger
}

func NewEngine(bookings domain.BookingStore, tasks domain.TaskQueue, eventBus domain.EventPublisher, logger *zerolog.Logger) *Engine {
	return &Engine{
		bookings: bookings,
		tasks:    tasks,
		events:   eventBus,
		logger:   logger,
	}
}

// Ingest reconciles one booking from conn into the local ledger. localRoomID
// is the room the booking's external room type maps to on that connection.
// The returned error is reserved for store failures; every business outcome,
// conflicts included, comes back in Result.
func (e *Engine) Ingest(ctx context.Context, conn *models.ChannelConnection, localRoomID string, eb *models.ExternalBooking) (Result, error) {
	switch eb.Status {
	case models.BookingConfirmed:
		return e.confirm(ctx, conn, localRoomID, eb)
	case models.BookingModified:
		return e.modify(ctx, conn, localRoomID, eb)
	case models.BookingCancelled:
		return e.cancel(ctx, conn, eb)
	default:
		return Result{Outcome: models.OutcomeDiscarded, Reason: fmt.Sprintf("unknown booking status %q", eb.Status)}, nil
	}
}

func (e *Engine) confirm(ctx context.Context, conn *models.ChannelConnection, localRoomID string, eb *models.ExternalBooking) (Result, error) {
	existing, err := e.bookings.GetBookingByExternalID(ctx, conn.ChannelType, eb.ExternalBookingID)
	switch {
	case err == nil:
		return e.duplicate(ctx, existing, eb)
	case !errors.Is(err, database.ErrNotFound):
		return Result{}, fmt.Errorf("lookup booking %s: %w", eb.ExternalBookingID, err)
	}

	connectionID := conn.ID
	b := &models.Booking{
		Reference:         newReference("CH"),
		HotelID:           conn.HotelID,
		LocalRoomID:       localRoomID,
		ConnectionID:      &connectionID,
		Source:            models.SourceChannel,
		ChannelType:       conn.ChannelType,
		ExternalBookingID: eb.ExternalBookingID,
		CheckIn:           models.Day(eb.CheckIn),
		CheckOut:          models.Day(eb.CheckOut),
		GuestName:         eb.GuestName,
		GuestEmail:        eb.GuestEmail,
		GuestPhone:        eb.GuestPhone,
		GuestCount:        eb.GuestCount,
		TotalAmount:       eb.TotalAmount,
		Currency:          eb.Currency,
	}

	err = e.bookings.CommitBooking(ctx, b)
	switch {
	case err == nil:
		e.publish(events.EventBookingCommitted, bookingPayload(b))
		return Result{Outcome: models.OutcomeCommitted, Booking: b}, nil
	case errors.Is(err, database.ErrDuplicateBooking):
		// Lost the race against a concurrent delivery of the same booking.
		existing, err := e.bookings.GetBookingByExternalID(ctx, conn.ChannelType, eb.ExternalBookingID)
		if err != nil {
			return Result{}, fmt.Errorf("reload duplicate booking %s: %w", eb.ExternalBookingID, err)
		}
		return Result{Outcome: models.OutcomeDuplicate, Booking: existing}, nil
	case errors.Is(err, database.ErrRoomNightTaken):
		return e.conflict(ctx, conn, localRoomID, eb, err.Error(), true), nil
	case errors.Is(err, database.ErrInvalidStay):
		return Result{Outcome: models.OutcomeDiscarded, Reason: "check-out is not after check-in"}, nil
	default:
		return Result{}, fmt.Errorf("commit booking %s: %w", eb.ExternalBookingID, err)
	}
}

// duplicate refreshes guest details on a re-delivered booking. Room and dates
// are left alone.
func (e *Engine) duplicate(ctx context.Context, existing *models.Booking, eb *models.ExternalBooking) (Result, error) {
	if existing.Status != models.BookingCancelled {
		if err := e.bookings.UpdateBookingGuest(ctx, existing.ID, eb); err != nil {
			return Result{}, err
		}
	}
	return Result{Outcome: models.OutcomeDuplicate, Booking: existing}, nil
}

func (e *Engine) modify(ctx context.Context, conn *models.ChannelConnection, localRoomID string, eb *models.ExternalBooking) (Result, error) {
	for attempt := 0; attempt < rescheduleAttempts; attempt++ {
		existing, err := e.bookings.GetBookingByExternalID(ctx, conn.ChannelType, eb.ExternalBookingID)
		if errors.Is(err, database.ErrNotFound) {
			return e.confirm(ctx, conn, localRoomID, eb)
		}
		if err != nil {
			return Result{}, fmt.Errorf("lookup booking %s: %w", eb.ExternalBookingID, err)
		}
		if existing.Status == models.BookingCancelled {
			return Result{Outcome: models.OutcomeDiscarded, Booking: existing, Reason: "booking already cancelled"}, nil
		}

		updated, err := e.bookings.RescheduleBooking(ctx, existing.ID, existing.Version, localRoomID, eb.CheckIn, eb.CheckOut, eb)
		switch {
		case err == nil:
			e.publish(events.EventBookingModified, movedPayload(updated, existing))
			return Result{Outcome: models.OutcomeModified, Booking: updated}, nil
		case errors.Is(err, database.ErrConcurrentModification):
			continue
		case errors.Is(err, database.ErrRoomNightTaken):
			// The original stay is still held, so the channel booking is not
			// cancelled upstream.
			res := e.conflict(ctx, conn, localRoomID, eb, err.Error(), false)
			res.Booking = existing
			return res, nil
		case errors.Is(err, database.ErrBookingCancelled):
			return Result{Outcome: models.OutcomeDiscarded, Booking: existing, Reason: "booking already cancelled"}, nil
		case errors.Is(err, database.ErrInvalidStay):
			return Result{Outcome: models.OutcomeDiscarded, Booking: existing, Reason: "check-out is not after check-in"}, nil
		default:
			return Result{}, fmt.Errorf("reschedule booking %s: %w", eb.ExternalBookingID, err)
		}
	}
	return Result{}, fmt.Errorf("reschedule booking %s: %w", eb.ExternalBookingID, database.ErrConcurrentModification)
}

func (e *Engine) cancel(ctx context.Context, conn *models.ChannelConnection, eb *models.ExternalBooking) (Result, error) {
	existing, err := e.bookings.GetBookingByExternalID(ctx, conn.ChannelType, eb.ExternalBookingID)
	if errors.Is(err, database.ErrNotFound) {
		return Result{Outcome: models.OutcomeDiscarded, Reason: "cancellation for unknown booking"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup booking %s: %w", eb.ExternalBookingID, err)
	}

	cancelled, err := e.bookings.CancelBooking(ctx, existing.ID)
	switch {
	case err == nil:
		e.publish(events.EventBookingCancelled, bookingPayload(cancelled))
		return Result{Outcome: models.OutcomeCancelled, Booking: cancelled}, nil
	case errors.Is(err, database.ErrBookingCancelled):
		return Result{Outcome: models.OutcomeDiscarded, Booking: existing, Reason: "booking already cancelled"}, nil
	default:
		return Result{}, fmt.Errorf("cancel booking %s: %w", eb.ExternalBookingID, err)
	}
}

// conflict reports a booking that cannot be honoured. When cancelUpstream is
// set a compensating cancellation is queued for the channel.
func (e *Engine) conflict(ctx context.Context, conn *models.ChannelConnection, localRoomID string, eb *models.ExternalBooking, reason string, cancelUpstream bool) Result {
	e.logger.Warn().
		Int64("connection_id", conn.ID).
		Str("channel", conn.ChannelType).
		Str("external_booking_id", eb.ExternalBookingID).
		Str("local_room_id", localRoomID).
		Str("reason", reason).
		Msg("Booking conflicts with an existing reservation")

	e.publish(events.EventBookingConflicted, events.BookingEventPayload{
		HotelID:           conn.HotelID,
		LocalRoomID:       localRoomID,
		ConnectionID:      conn.ID,
		ChannelType:       conn.ChannelType,
		ExternalBookingID: eb.ExternalBookingID,
		CheckIn:           models.Day(eb.CheckIn),
		CheckOut:          models.Day(eb.CheckOut),
		GuestName:         eb.GuestName,
		TotalAmount:       eb.TotalAmount,
		Currency:          eb.Currency,
		Status:            eb.Status,
		Reason:            reason,
	})

	if cancelUpstream {
		e.enqueueCancellation(ctx, conn, eb.ExternalBookingID, reason)
	}
	return Result{Outcome: models.OutcomeConflicted, Reason: reason}
}

func (e *Engine) enqueueCancellation(ctx context.Context, conn *models.ChannelConnection, externalBookingID, reason string) {
	if e.tasks == nil {
		return
	}
	payload, err := json.Marshal(models.CancelUpstreamPayload{
		ChannelType:       conn.ChannelType,
		ExternalBookingID: externalBookingID,
		Reason:            reason,
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal cancel payload")
		return
	}
	task := &models.SyncTask{
		TaskType:     models.TaskCancelUpstream,
		ConnectionID: conn.ID,
		Payload:      string(payload),
		Status:       models.TaskPending,
	}
	if err := e.tasks.Enqueue(ctx, task); err != nil {
		e.logger.Error().Err(err).
			Int64("connection_id", conn.ID).
			Str("external_booking_id", externalBookingID).
			Msg("Failed to enqueue upstream cancellation")
	}
}

// DirectBooking is a reservation made by the hotel itself.
type DirectBooking struct {
	HotelID     int64     `json:"hotel_id" validate:"required,gt=0"`
	LocalRoomID string    `json:"local_room_id" validate:"required"`
	CheckIn     time.Time `json:"check_in" validate:"required"`
	CheckOut    time.Time `json:"check_out" validate:"required,gtfield=CheckIn"`
	GuestName   string    `json:"guest_name" validate:"required"`
	GuestEmail  string    `json:"guest_email,omitempty" validate:"omitempty,email"`
	GuestPhone  string    `json:"guest_phone,omitempty"`
	GuestCount  int       `json:"guest_count" validate:"gte=1"`
	TotalAmount float64   `json:"total_amount" validate:"gte=0"`
	Currency    string    `json:"currency" validate:"required,len=3"`
}

// ReserveDirect commits a direct booking through the same room-night claim as
// channel bookings.
func (e *Engine) ReserveDirect(ctx context.Context, d DirectBooking) (*models.Booking, error) {
	ref := newReference("DIR")
	b := &models.Booking{
		Reference:         ref,
		HotelID:           d.HotelID,
		LocalRoomID:       d.LocalRoomID,
		Source:            models.SourceDirect,
		ChannelType:       models.ChannelDirect,
		ExternalBookingID: ref,
		CheckIn:           models.Day(d.CheckIn),
		CheckOut:          models.Day(d.CheckOut),
		GuestName:         d.GuestName,
		GuestEmail:        d.GuestEmail,
		GuestPhone:        d.GuestPhone,
		GuestCount:        d.GuestCount,
		TotalAmount:       d.TotalAmount,
		Currency:          strings.ToUpper(d.Currency),
	}
	if err := e.bookings.CommitBooking(ctx, b); err != nil {
		if errors.Is(err, database.ErrRoomNightTaken) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	e.publish(events.EventBookingCommitted, bookingPayload(b))
	return b, nil
}

// Availability is the read-only answer to a direct-sale pre-check.
type Availability struct {
	Available bool        `json:"available"`
	Taken     []time.Time `json:"taken,omitempty"`
}

// CheckAvailability reports whether every night of the stay is free. The
// answer is advisory; only a commit claims the nights.
func (e *Engine) CheckAvailability(ctx context.Context, hotelID int64, localRoomID string, checkIn, checkOut time.Time) (Availability, error) {
	if len(models.Nights(checkIn, checkOut)) == 0 {
		return Availability{}, database.ErrInvalidStay
	}
	taken, err := e.bookings.TakenNights(ctx, hotelID, localRoomID, checkIn, checkOut)
	if err != nil {
		return Availability{}, err
	}
	return Availability{Available: len(taken) == 0, Taken: taken}, nil
}

func (e *Engine) publish(eventType string, payload events.BookingEventPayload) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishJSON(eventType, payload); err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Str("reference", payload.Reference).Msg("publish event error")
	}
}

func bookingPayload(b *models.Booking) events.BookingEventPayload {
	p := events.BookingEventPayload{
		BookingID:         b.ID,
		Reference:         b.Reference,
		HotelID:           b.HotelID,
		LocalRoomID:       b.LocalRoomID,
		ChannelType:       b.ChannelType,
		ExternalBookingID: b.ExternalBookingID,
		CheckIn:           b.CheckIn,
		CheckOut:          b.CheckOut,
		GuestName:         b.GuestName,
		TotalAmount:       b.TotalAmount,
		Currency:          b.Currency,
		Status:            b.Status,
	}
	if b.ConnectionID != nil {
		p.ConnectionID = *b.ConnectionID
	}
	return p
}

func movedPayload(updated, previous *models.Booking) events.BookingEventPayload {
	p := bookingPayload(updated)
	p.Status = models.BookingModified
	if previous.LocalRoomID != updated.LocalRoomID ||
		!previous.CheckIn.Equal(updated.CheckIn) || !previous.CheckOut.Equal(updated.CheckOut) {
		in, out := previous.CheckIn, previous.CheckOut
		p.PreviousLocalRoomID = previous.LocalRoomID
		p.PreviousCheckIn = &in
		p.PreviousCheckOut = &out
	}
	return p
}

func newReference(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return prefix + "-" + id[:12]
}
