package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"channelmanager/internal/channel"
	"channelmanager/internal/config"
	"channelmanager/internal/metrics"
	"channelmanager/internal/models"
	"channelmanager/internal/orchestrator"
	"channelmanager/internal/reconcile"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Orchestrator is the sync surface the API drives.
type Orchestrator interface {
	AcceptWebhook(ctx context.Context, channelType string, payload []byte) (orchestrator.WebhookAck, error)
	LinkConnection(ctx context.Context, req orchestrator.LinkRequest) (*models.ChannelConnection, channel.ValidationResult, error)
	UnlinkConnection(ctx context.Context, connectionID int64) error
	Revalidate(ctx context.Context, connectionID int64) (channel.ValidationResult, error)
	ReplaceMappings(ctx context.Context, connectionID int64, mappings []models.ChannelRoomMapping) error
	DeleteMapping(ctx context.Context, connectionID int64, localRoomID string) error
	PushInventory(ctx context.Context, hotelID int64, updates []models.InventoryUpdate) (*orchestrator.PushReport, error)
	PushRates(ctx context.Context, hotelID int64, updates []models.RateUpdate) (*orchestrator.PushReport, error)
	PullBookings(ctx context.Context, connectionID int64) (*orchestrator.PullReport, error)
}

// Reservations sells rooms directly through the shared room-night claim.
type Reservations interface {
	ReserveDirect(ctx context.Context, d reconcile.DirectBooking) (*models.Booking, error)
	CheckAvailability(ctx context.Context, hotelID int64, localRoomID string, checkIn, checkOut time.Time) (reconcile.Availability, error)
}

// Store is the read side used by the API.
type Store interface {
	GetConnection(ctx context.Context, id int64) (*models.ChannelConnection, error)
	GetMappings(ctx context.Context, connectionID int64) ([]models.ChannelRoomMapping, error)
	ListSyncLogs(ctx context.Context, connectionID int64, limit int) ([]models.SyncLog, error)
}

const maxBodyBytes = 1 << 20

// HTTPServer exposes OTA webhooks and the partner API.
type HTTPServer struct {
	cfg          config.APIConfig
	orch         Orchestrator
	reservations Reservations
	store        Store
	validate     *validator.Validate
	auth         *HTTPAuth
	router       chi.Router
	server       *http.Server
	logger       *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, orch Orchestrator, reservations Reservations, store Store, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:          cfg,
		orch:         orch,
		reservations: reservations,
		store:        store,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		auth:         NewHTTPAuth(cfg),
		logger:       logger,
	}
	srv.router = srv.routes()
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/{channel}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Wrap)

		r.With(s.auth.Require(permWriteConnections)).Post("/connections", s.handleLinkConnection)
		r.Route("/connections/{id}", func(r chi.Router) {
			r.With(s.auth.Require(permReadConnections)).Get("/", s.handleGetConnection)
			r.With(s.auth.Require(permWriteConnections)).Delete("/", s.handleUnlinkConnection)
			r.With(s.auth.Require(permWriteConnections)).Post("/validate", s.handleValidate)
			r.With(s.auth.Require(permWriteConnections)).Post("/pull", s.handlePull)
			r.With(s.auth.Require(permReadConnections)).Get("/logs", s.handleLogs)
			r.With(s.auth.Require(permReadConnections)).Get("/logs.xlsx", s.handleLogsExport)
			r.With(s.auth.Require(permWriteConnections)).Put("/mappings", s.handleReplaceMappings)
			r.With(s.auth.Require(permWriteConnections)).Delete("/mappings/{roomID}", s.handleDeleteMapping)
		})

		r.Route("/hotels/{hotelID}", func(r chi.Router) {
			r.With(s.auth.Require(permWriteInventory)).Post("/inventory", s.handlePushInventory)
			r.With(s.auth.Require(permWriteInventory)).Post("/rates", s.handlePushRates)
			r.With(s.auth.Require(permReadAvailability)).Get("/availability", s.handleAvailability)
		})

		r.With(s.auth.Require(permWriteBookings)).Post("/direct-bookings", s.handleDirectBooking)
	})
	return r
}

// Handler returns the root router.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Mount attaches an extra handler, e.g. /metrics.
func (s *HTTPServer) Mount(path string, h http.Handler) {
	s.router.Handle(path, h)
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// observe logs and counts every request by route pattern.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.ObserveHTTP(route, r.Method, code)
		s.logger.Info().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", code).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
