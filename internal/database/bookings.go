package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelmanager/internal/models"
)

const bookingColumns = `id, reference, hotel_id, local_room_id, connection_id, source, channel_type,
	external_booking_id, check_in, check_out, guest_name, guest_email, guest_phone, guest_count,
	total_amount, currency, status, created_at, updated_at, version`

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                 models.Booking
		connectionID      sql.NullInt64
		checkIn, checkOut string
	)
	err := row.Scan(
		&b.ID, &b.Reference, &b.HotelID, &b.LocalRoomID, &connectionID, &b.Source, &b.ChannelType,
		&b.ExternalBookingID, &checkIn, &checkOut, &b.GuestName, &b.GuestEmail, &b.GuestPhone, &b.GuestCount,
		&b.TotalAmount, &b.Currency, &b.Status, &b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	if connectionID.Valid {
		id := connectionID.Int64
		b.ConnectionID = &id
	}
	if b.CheckIn, err = time.Parse(models.DateLayout, checkIn); err != nil {
		return nil, fmt.Errorf("failed to parse check-in %s: %w", checkIn, err)
	}
	if b.CheckOut, err = time.Parse(models.DateLayout, checkOut); err != nil {
		return nil, fmt.Errorf("failed to parse check-out %s: %w", checkOut, err)
	}
	return &b, nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	return db.getBooking(ctx, query, id)
}

// GetBookingByExternalID looks a booking up by its idempotency key.
func (db *DB) GetBookingByExternalID(ctx context.Context, channelType, externalBookingID string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE channel_type = ? AND external_booking_id = ?`
	return db.getBooking(ctx, query, channelType, externalBookingID)
}

func (db *DB) getBooking(ctx context.Context, query string, args ...any) (*models.Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// ListRoomBookings returns live bookings of a room overlapping [from, to).
func (db *DB) ListRoomBookings(ctx context.Context, hotelID int64, localRoomID string, from, to time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
			  WHERE hotel_id = ? AND local_room_id = ? AND status != ? AND check_in < ? AND check_out > ?
			  ORDER BY check_in`
	rows, err := db.QueryContext(ctx, query, hotelID, localRoomID, models.BookingCancelled,
		to.Format(models.DateLayout), from.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list room bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// TakenNights returns the nights of [checkIn, checkOut) already claimed for a room.
func (db *DB) TakenNights(ctx context.Context, hotelID int64, localRoomID string, checkIn, checkOut time.Time) ([]time.Time, error) {
	query := `SELECT night FROM room_nights
			  WHERE hotel_id = ? AND local_room_id = ? AND night >= ? AND night < ?
			  ORDER BY night`
	rows, err := db.QueryContext(ctx, query, hotelID, localRoomID,
		models.Day(checkIn).Format(models.DateLayout), models.Day(checkOut).Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to get taken nights: %w", err)
	}
	defer rows.Close()

	var nights []time.Time
	for rows.Next() {
		var night string
		if err := rows.Scan(&night); err != nil {
			return nil, fmt.Errorf("failed to scan night: %w", err)
		}
		t, err := time.Parse(models.DateLayout, night)
		if err != nil {
			return nil, fmt.Errorf("failed to parse night %s: %w", night, err)
		}
		nights = append(nights, t)
	}
	return nights, rows.Err()
}

// CommitBooking records a booking and claims every night of its stay in one
// transaction. ErrDuplicateBooking means the idempotency key already exists,
// ErrRoomNightTaken means another booking holds one of the nights. Neither
// leaves a partial write behind.
func (db *DB) CommitBooking(ctx context.Context, b *models.Booking) error {
	nights := models.Nights(b.CheckIn, b.CheckOut)
	if len(nights) == 0 {
		return ErrInvalidStay
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	queryInsert := `INSERT INTO bookings (
				reference, hotel_id, local_room_id, connection_id, source, channel_type, external_booking_id,
				check_in, check_out, guest_name, guest_email, guest_phone, guest_count,
				total_amount, currency, status, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	result, err := tx.ExecContext(ctx, queryInsert,
		b.Reference, b.HotelID, b.LocalRoomID, b.ConnectionID, b.Source, b.ChannelType, b.ExternalBookingID,
		models.Day(b.CheckIn).Format(models.DateLayout), models.Day(b.CheckOut).Format(models.DateLayout),
		b.GuestName, b.GuestEmail, b.GuestPhone, b.GuestCount,
		b.TotalAmount, b.Currency, models.BookingConfirmed, now, now,
	)
	if err != nil {
		if isConstraint(err) {
			return ErrDuplicateBooking
		}
		return fmt.Errorf("failed to insert booking in tx: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id in tx: %w", err)
	}

	if err := claimNights(ctx, tx, b.HotelID, b.LocalRoomID, id, nights); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking: %w", err)
	}

	b.ID = id
	b.Status = models.BookingConfirmed
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Version = 1
	return nil
}

func claimNights(ctx context.Context, tx *sql.Tx, hotelID int64, localRoomID string, bookingID int64, nights []time.Time) error {
	query := `INSERT INTO room_nights (hotel_id, local_room_id, night, booking_id) VALUES (?, ?, ?, ?)`
	for _, night := range nights {
		if _, err := tx.ExecContext(ctx, query, hotelID, localRoomID, night.Format(models.DateLayout), bookingID); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: room %s on %s", ErrRoomNightTaken, localRoomID, night.Format(models.DateLayout))
			}
			return fmt.Errorf("failed to claim night in tx: %w", err)
		}
	}
	return nil
}

// UpdateBookingGuest refreshes guest details and amount on a re-delivered
// booking. Dates and room are never touched here.
func (db *DB) UpdateBookingGuest(ctx context.Context, id int64, eb *models.ExternalBooking) error {
	query := `UPDATE bookings SET guest_name = ?, guest_email = ?, guest_phone = ?, guest_count = ?,
				total_amount = ?, currency = ?, updated_at = ?
			  WHERE id = ?`
	_, err := db.ExecContext(ctx, query, eb.GuestName, eb.GuestEmail, eb.GuestPhone, eb.GuestCount,
		eb.TotalAmount, eb.Currency, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update booking guest: %w", err)
	}
	return nil
}

// RescheduleBooking moves a live booking to new dates or a new room. The old
// claim is released and the new one taken in one transaction, so a failed
// move leaves the original stay intact.
func (db *DB) RescheduleBooking(ctx context.Context, id, fromVersion int64, localRoomID string, checkIn, checkOut time.Time, eb *models.ExternalBooking) (*models.Booking, error) {
	nights := models.Nights(checkIn, checkOut)
	if len(nights) == 0 {
		return nil, ErrInvalidStay
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking in tx: %w", err)
	}
	if current.Status == models.BookingCancelled {
		return nil, ErrBookingCancelled
	}
	if current.Version != fromVersion {
		return nil, ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_nights WHERE booking_id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to release nights in tx: %w", err)
	}
	if err := claimNights(ctx, tx, current.HotelID, localRoomID, id, nights); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query := `UPDATE bookings SET local_room_id = ?, check_in = ?, check_out = ?,
				guest_name = ?, guest_email = ?, guest_phone = ?, guest_count = ?,
				total_amount = ?, currency = ?, version = version + 1, updated_at = ?
			  WHERE id = ? AND version = ?`
	result, err := tx.ExecContext(ctx, query, localRoomID,
		models.Day(checkIn).Format(models.DateLayout), models.Day(checkOut).Format(models.DateLayout),
		eb.GuestName, eb.GuestEmail, eb.GuestPhone, eb.GuestCount, eb.TotalAmount, eb.Currency,
		now, id, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update booking in tx: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrConcurrentModification
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reschedule: %w", err)
	}

	current.LocalRoomID = localRoomID
	current.CheckIn = models.Day(checkIn)
	current.CheckOut = models.Day(checkOut)
	current.GuestName = eb.GuestName
	current.GuestEmail = eb.GuestEmail
	current.GuestPhone = eb.GuestPhone
	current.GuestCount = eb.GuestCount
	current.TotalAmount = eb.TotalAmount
	current.Currency = eb.Currency
	current.Version = fromVersion + 1
	current.UpdatedAt = now
	return current, nil
}

// CancelBooking marks a booking cancelled and frees its nights in one transaction.
func (db *DB) CancelBooking(ctx context.Context, id int64) (*models.Booking, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status != ?`,
		models.BookingCancelled, now, id, models.BookingCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel booking in tx: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings WHERE id = ?`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check booking in tx: %w", err)
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrBookingCancelled
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_nights WHERE booking_id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to release nights in tx: %w", err)
	}

	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload booking in tx: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return b, nil
}
