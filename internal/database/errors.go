package database

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConnectionExists       = errors.New("hotel already has a live connection for this channel")
	ErrInvalidTransition      = errors.New("invalid connection status transition")
	ErrStatusConflict         = errors.New("connection status changed concurrently")
	ErrMappingConflict        = errors.New("external room type already mapped on this connection")
	ErrMappingInUse           = errors.New("mapping referenced by an active booking")
	ErrDuplicateBooking       = errors.New("booking already recorded for this channel")
	ErrRoomNightTaken         = errors.New("room night already sold")
	ErrBookingCancelled       = errors.New("booking already cancelled")
	ErrConcurrentModification = errors.New("booking modified concurrently")
	ErrInvalidStay            = errors.New("check-out must be after check-in")
)

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
