package api

import (
	"context"
	"fmt"

	"channelmanager/internal/events"
	"channelmanager/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ConnectionLister lists connections by status.
type ConnectionLister interface {
	ListConnectionsByStatus(ctx context.Context, statuses ...string) ([]*models.ChannelConnection, error)
}

// ConnectionHealth publishes one grpc.health.v1 service per channel connection.
// ACTIVE connections report SERVING, every other status NOT_SERVING.
type ConnectionHealth struct {
	server *health.Server
	logger *zerolog.Logger
}

func NewConnectionHealth(logger *zerolog.Logger) *ConnectionHealth {
	return &ConnectionHealth{server: health.NewServer(), logger: logger}
}

// ServiceName is the health service name of a connection.
func ServiceName(connectionID int64) string {
	return fmt.Sprintf("channel.%d", connectionID)
}

func servingStatus(connStatus string) healthpb.HealthCheckResponse_ServingStatus {
	if connStatus == models.ConnectionActive {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Set records the status of one connection.
func (h *ConnectionHealth) Set(connectionID int64, connStatus string) {
	h.server.SetServingStatus(ServiceName(connectionID), servingStatus(connStatus))
}

// Load seeds the statuses of every stored connection.
func (h *ConnectionHealth) Load(ctx context.Context, connections ConnectionLister) error {
	conns, err := connections.ListConnectionsByStatus(ctx,
		models.ConnectionPending, models.ConnectionActive, models.ConnectionDegraded, models.ConnectionInactive)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	for _, conn := range conns {
		h.Set(conn.ID, conn.Status)
	}
	return nil
}

// Subscribe follows connection status changes on the bus.
func (h *ConnectionHealth) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventConnectionStatus, func(event *events.Event) error {
		var p events.ConnectionStatusPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		h.Set(p.ConnectionID, p.To)
		h.logger.Debug().Int64("connection_id", p.ConnectionID).Str("status", p.To).Msg("Health status updated")
		return nil
	})
}

// Shutdown marks every service NOT_SERVING.
func (h *ConnectionHealth) Shutdown() {
	h.server.Shutdown()
}

// Server returns the grpc health implementation.
func (h *ConnectionHealth) Server() healthpb.HealthServer {
	return h.server
}
