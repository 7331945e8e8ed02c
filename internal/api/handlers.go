package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"channelmanager/internal/channel"
	"channelmanager/internal/database"
	"channelmanager/internal/models"
	"channelmanager/internal/orchestrator"
	"channelmanager/internal/reconcile"
	"channelmanager/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

type mappingRequest struct {
	LocalRoomID        string `json:"local_room_id" validate:"required"`
	ExternalRoomTypeID string `json:"external_room_type_id" validate:"required"`
	ExternalRatePlanID string `json:"external_rate_plan_id"`
}

type mappingsRequest struct {
	Mappings []mappingRequest `json:"mappings" validate:"dive"`
}

type inventoryRequest struct {
	Updates []models.InventoryUpdate `json:"updates" validate:"required,min=1,dive"`
}

type ratesRequest struct {
	Updates []models.RateUpdate `json:"updates" validate:"required,min=1,dive"`
}

type connectionResponse struct {
	Connection *models.ChannelConnection   `json:"connection"`
	Mappings   []models.ChannelRoomMapping `json:"mappings"`
}

type linkResponse struct {
	Connection *models.ChannelConnection `json:"connection"`
	Validation channel.ValidationResult  `json:"validation"`
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelType := strings.ToUpper(chi.URLParam(r, "channel"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	ack, err := s.orch.AcceptWebhook(r.Context(), channelType, body)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *HTTPServer) handleLinkConnection(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.LinkRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.ChannelType = strings.ToUpper(req.ChannelType)

	conn, vr, err := s.orch.LinkConnection(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, linkResponse{Connection: conn, Validation: vr})
}

func (s *HTTPServer) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	mappings, err := s.store.GetMappings(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{Connection: conn, Mappings: mappings})
}

func (s *HTTPServer) handleUnlinkConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.orch.UnlinkConnection(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	vr, err := s.orch.Revalidate(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vr)
}

func (s *HTTPServer) handlePull(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rep, err := s.orch.PullBookings(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *HTTPServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, ok := logLimit(w, r)
	if !ok {
		return
	}
	logs, err := s.store.ListSyncLogs(r.Context(), id, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if logs == nil {
		logs = []models.SyncLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *HTTPServer) handleLogsExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, ok := logLimit(w, r)
	if !ok {
		return
	}
	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	logs, err := s.store.ListSyncLogs(r.Context(), id, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sync_log_%d_%s.xlsx"`, id, time.Now().UTC().Format("20060102")))
	if err := report.WriteSyncLogs(w, conn, logs); err != nil {
		s.logger.Error().Err(err).Int64("connection_id", id).Msg("Failed to write sync log export")
	}
}

func (s *HTTPServer) handleReplaceMappings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req mappingsRequest
	if !s.decode(w, r, &req) {
		return
	}

	mappings := make([]models.ChannelRoomMapping, 0, len(req.Mappings))
	for _, m := range req.Mappings {
		mappings = append(mappings, models.ChannelRoomMapping{
			ConnectionID:       id,
			LocalRoomID:        m.LocalRoomID,
			ExternalRoomTypeID: m.ExternalRoomTypeID,
			ExternalRatePlanID: m.ExternalRatePlanID,
		})
	}
	if err := s.orch.ReplaceMappings(r.Context(), id, mappings); err != nil {
		s.writeFailure(w, err)
		return
	}

	stored, err := s.store.GetMappings(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": stored})
}

func (s *HTTPServer) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.orch.DeleteMapping(r.Context(), id, chi.URLParam(r, "roomID")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePushInventory(w http.ResponseWriter, r *http.Request) {
	hotelID, ok := pathID(w, r, "hotelID")
	if !ok {
		return
	}
	var req inventoryRequest
	if !s.decode(w, r, &req) {
		return
	}
	rep, err := s.orch.PushInventory(r.Context(), hotelID, req.Updates)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *HTTPServer) handlePushRates(w http.ResponseWriter, r *http.Request) {
	hotelID, ok := pathID(w, r, "hotelID")
	if !ok {
		return
	}
	var req ratesRequest
	if !s.decode(w, r, &req) {
		return
	}
	for i := range req.Updates {
		req.Updates[i].Currency = strings.ToUpper(req.Updates[i].Currency)
	}
	rep, err := s.orch.PushRates(r.Context(), hotelID, req.Updates)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	hotelID, ok := pathID(w, r, "hotelID")
	if !ok {
		return
	}
	q := r.URL.Query()
	room := strings.TrimSpace(q.Get("room"))
	if room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}
	checkIn, err := time.Parse(models.DateLayout, q.Get("check_in"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid check_in; expected YYYY-MM-DD")
		return
	}
	checkOut, err := time.Parse(models.DateLayout, q.Get("check_out"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid check_out; expected YYYY-MM-DD")
		return
	}

	av, err := s.reservations.CheckAvailability(r.Context(), hotelID, room, checkIn, checkOut)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	taken := make([]string, 0, len(av.Taken))
	for _, night := range av.Taken {
		taken = append(taken, night.Format(models.DateLayout))
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": av.Available, "taken": taken})
}

func (s *HTTPServer) handleDirectBooking(w http.ResponseWriter, r *http.Request) {
	var req reconcile.DirectBooking
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.reservations.ReserveDirect(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// decode reads a JSON body into dst and validates it.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
			writeError(w, http.StatusBadRequest, "invalid request: "+strings.Join(fields, "; "))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func logLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLogLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return limit, true
}

// writeFailure maps domain errors onto HTTP status codes.
func (s *HTTPServer) writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, channel.ErrUnknownChannel), errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrConnectionExists),
		errors.Is(err, database.ErrMappingConflict),
		errors.Is(err, database.ErrMappingInUse),
		errors.Is(err, database.ErrStatusConflict),
		errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrNotPullable),
		errors.Is(err, reconcile.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(err, database.ErrInvalidStay), errors.Is(err, channel.ErrBadCredentials):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
