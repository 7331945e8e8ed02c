package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"channelmanager/internal/channel"
	"channelmanager/internal/database"
	"channelmanager/internal/events"
	"channelmanager/internal/logging"
	"channelmanager/internal/models"
)

// LinkRequest enrolls a hotel with a channel.
type LinkRequest struct {
	HotelID            int64           `json:"hotel_id" validate:"required,gt=0"`
	ChannelType        string          `json:"channel_type" validate:"required"`
	Credentials        json.RawMessage `json:"credentials" validate:"required"`
	ExternalPropertyID string          `json:"external_property_id"`
}

// LinkConnection stores a PENDING connection and validates its credentials.
// When the channel cannot be reached the connection stays PENDING and is
// picked up again by RevalidateDegraded.
func (o *Orchestrator) LinkConnection(ctx context.Context, req LinkRequest) (*models.ChannelConnection, channel.ValidationResult, error) {
	if _, err := o.registry.Get(req.ChannelType); err != nil {
		return nil, channel.ValidationResult{}, err
	}
	conn := &models.ChannelConnection{
		HotelID:            req.HotelID,
		ChannelType:        req.ChannelType,
		APICredentials:     req.Credentials,
		ExternalPropertyID: req.ExternalPropertyID,
		Status:             models.ConnectionPending,
	}
	if err := o.connections.CreateConnection(ctx, conn); err != nil {
		return nil, channel.ValidationResult{}, err
	}
	logging.ForConnection(o.logger, conn).Info().Msg("Connection linked")

	var (
		vr  channel.ValidationResult
		err error
	)
	o.onLane(conn.ID, func() {
		vr, err = o.validate(ctx, conn, 1)
	})
	if err != nil {
		vr.Message = fmt.Sprintf("validation deferred: %v", err)
	}
	return conn, vr, nil
}

// UnlinkConnection soft-deletes a connection. Its history stays readable.
func (o *Orchestrator) UnlinkConnection(ctx context.Context, connectionID int64) error {
	conn, err := o.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.DeletedAt != nil {
		return database.ErrNotFound
	}
	if err := o.connections.SoftDeleteConnection(ctx, connectionID, "unlinked"); err != nil {
		return err
	}
	from := conn.Status
	conn.Status = models.ConnectionInactive
	logging.ForConnection(o.logger, conn).Info().Msg("Connection unlinked")
	if o.events != nil && from != models.ConnectionInactive {
		_ = o.events.PublishJSON(events.EventConnectionStatus, events.ConnectionStatusPayload{
			ConnectionID: conn.ID,
			HotelID:      conn.HotelID,
			ChannelType:  conn.ChannelType,
			From:         from,
			To:           models.ConnectionInactive,
			Reason:       "unlinked",
		})
	}
	return nil
}

// Revalidate checks a connection's credentials against its channel. Valid
// credentials make the connection ACTIVE, rejected ones INACTIVE. A channel
// that cannot be reached leaves the status untouched and returns an error.
func (o *Orchestrator) Revalidate(ctx context.Context, connectionID int64) (channel.ValidationResult, error) {
	conn, err := o.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return channel.ValidationResult{}, err
	}
	if conn.DeletedAt != nil {
		return channel.ValidationResult{}, database.ErrNotFound
	}

	var vr channel.ValidationResult
	o.onLane(conn.ID, func() {
		vr, err = o.validate(ctx, conn, 1)
	})
	return vr, err
}

// RevalidateDegraded retries validation for DEGRADED and PENDING connections.
func (o *Orchestrator) RevalidateDegraded(ctx context.Context) error {
	conns, err := o.connections.ListConnectionsByStatus(ctx, models.ConnectionDegraded, models.ConnectionPending)
	if err != nil {
		return fmt.Errorf("list degraded connections: %w", err)
	}
	var errs []error
	for _, conn := range conns {
		if _, err := o.Revalidate(ctx, conn.ID); err != nil {
			errs = append(errs, fmt.Errorf("connection %d: %w", conn.ID, err))
		}
	}
	return errors.Join(errs...)
}

// validate runs inside the connection's lane.
func (o *Orchestrator) validate(ctx context.Context, conn *models.ChannelConnection, attempt int) (channel.ValidationResult, error) {
	adapter, err := o.adapterFor(conn)
	if err != nil {
		return channel.ValidationResult{}, err
	}

	var (
		mu sync.Mutex
		vr channel.ValidationResult
	)
	res := o.call(ctx, conn, models.OpValidate, func(ctx context.Context) models.SyncResult {
		got, err := adapter.ValidateCredentials(ctx, conn.APICredentials)
		if err != nil {
			return channel.Failure(models.OpValidate, err, nil, "")
		}
		mu.Lock()
		vr = got
		mu.Unlock()
		if !got.Valid {
			return models.Failed(models.OpValidate, models.ErrorCredential, got.Message)
		}
		return models.SyncResult{Success: true, Operation: models.OpValidate}
	})
	o.record(ctx, models.LogFromResult(conn.ID, res, attempt))

	mu.Lock()
	defer mu.Unlock()
	switch {
	case res.Success:
		if vr.ExternalPropertyID != "" && vr.ExternalPropertyID != conn.ExternalPropertyID {
			if err := o.connections.UpdateConnectionCredentials(ctx, conn.ID, conn.APICredentials, vr.ExternalPropertyID); err != nil {
				return vr, fmt.Errorf("store external property id: %w", err)
			}
			conn.ExternalPropertyID = vr.ExternalPropertyID
		}
		o.transition(ctx, conn, models.ConnectionActive, "credentials validated")
		return vr, nil
	case res.ErrorKind == models.ErrorCredential:
		vr.Valid = false
		if vr.Message == "" {
			vr.Message = res.ErrorMessage
		}
		o.transition(ctx, conn, models.ConnectionInactive, "credentials rejected: "+res.ErrorMessage)
		return vr, nil
	default:
		return vr, fmt.Errorf("validate connection %d: %s", conn.ID, res.ErrorMessage)
	}
}

// ReplaceMappings swaps the whole mapping table of a live connection. It fails
// with database.ErrMappingInUse when the swap would drop or re-point a room
// that live bookings still hold.
func (o *Orchestrator) ReplaceMappings(ctx context.Context, connectionID int64, mappings []models.ChannelRoomMapping) error {
	conn, err := o.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.DeletedAt != nil {
		return database.ErrNotFound
	}
	return o.mappings.ReplaceMappings(ctx, connectionID, mappings)
}

func (o *Orchestrator) DeleteMapping(ctx context.Context, connectionID int64, localRoomID string) error {
	return o.mappings.DeleteMapping(ctx, connectionID, localRoomID)
}
