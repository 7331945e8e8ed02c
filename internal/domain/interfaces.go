package domain

import (
	"context"
	"errors"
	"time"

	"channelmanager/internal/models"
)

type ConnectionStore interface {
	CreateConnection(ctx context.Context, c *models.ChannelConnection) error
	GetConnection(ctx context.Context, id int64) (*models.ChannelConnection, error)
	FindConnectionByProperty(ctx context.Context, channelType, externalPropertyID string) (*models.ChannelConnection, error)
	ListHotelConnections(ctx context.Context, hotelID int64, statuses ...string) ([]*models.ChannelConnection, error)
	ListConnectionsByStatus(ctx context.Context, statuses ...string) ([]*models.ChannelConnection, error)
	UpdateConnectionStatus(ctx context.Context, id int64, from, to, reason string) error
	UpdateConnectionCredentials(ctx context.Context, id int64, creds []byte, externalPropertyID string) error
	TouchLastSync(ctx context.Context, id int64, at time.Time) error
	SoftDeleteConnection(ctx context.Context, id int64, reason string) error
}

type MappingStore interface {
	UpsertMapping(ctx context.Context, m *models.ChannelRoomMapping) error
	ReplaceMappings(ctx context.Context, connectionID int64, mappings []models.ChannelRoomMapping) error
	GetMappings(ctx context.Context, connectionID int64) ([]models.ChannelRoomMapping, error)
	GetMappingByLocal(ctx context.Context, connectionID int64, localRoomID string) (*models.ChannelRoomMapping, error)
	GetMappingByExternal(ctx context.Context, connectionID int64, externalRoomTypeID string) (*models.ChannelRoomMapping, error)
	DeleteMapping(ctx context.Context, connectionID int64, localRoomID string) error
}

type BookingStore interface {
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetBookingByExternalID(ctx context.Context, channelType, externalBookingID string) (*models.Booking, error)
	ListRoomBookings(ctx context.Context, hotelID int64, localRoomID string, from, to time.Time) ([]*models.Booking, error)
	TakenNights(ctx context.Context, hotelID int64, localRoomID string, checkIn, checkOut time.Time) ([]time.Time, error)
	CommitBooking(ctx context.Context, b *models.Booking) error
	UpdateBookingGuest(ctx context.Context, id int64, eb *models.ExternalBooking) error
	RescheduleBooking(ctx context.Context, id, fromVersion int64, localRoomID string, checkIn, checkOut time.Time, eb *models.ExternalBooking) (*models.Booking, error)
	CancelBooking(ctx context.Context, id int64) (*models.Booking, error)
}

type SyncLogStore interface {
	AppendSyncLog(ctx context.Context, l *models.SyncLog) error
	ListSyncLogs(ctx context.Context, connectionID int64, limit int) ([]models.SyncLog, error)
	ConsecutiveFailures(ctx context.Context, connectionID int64, window int) (int, error)
}

// PushStateStore remembers which push last reached each remote value.
type PushStateStore interface {
	MarkDelivered(ctx context.Context, connectionID, seq int64, keys []models.PushKey) error
	DeliveredSeqs(ctx context.Context, connectionID int64, keys []models.PushKey) (map[models.PushKey]int64, error)
}

type SyncTaskStore interface {
	CreateSyncTask(ctx context.Context, task *models.SyncTask) error
	GetSyncTask(ctx context.Context, id int64) (*models.SyncTask, error)
	GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncTask, error)
	GetFailedSyncTasks(ctx context.Context) ([]models.SyncTask, error)
	UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
	ClaimSyncTask(ctx context.Context, id int64) (bool, error)
	ResetProcessingTasks(ctx context.Context) (int64, error)
	CountSyncTasks(ctx context.Context) (map[string]int, error)
}

// ErrPermanent marks a task failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent task failure")

// TaskQueue persists deferred work and hands it to the sync worker.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *models.SyncTask) error
}

var (
	ErrLockTimeout = errors.New("connection lock not acquired before deadline")
	ErrLockLost    = errors.New("connection lock expired or taken over")
)

// Lease is a held per-connection lock. Backend names the locker that issued it.
type Lease struct {
	ConnectionID int64
	Token        string
	Backend      string
}

// ConnectionLocker serializes outbound calls to one connection across processes.
// Acquire blocks until the lock is free or ctx is done (ErrLockTimeout).
type ConnectionLocker interface {
	Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload any) error
}
