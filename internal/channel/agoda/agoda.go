// Package agoda is the reference channel adapter: JSON over HTTPS with an
// API key header.
package agoda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"channelmanager/internal/channel"
	"channelmanager/internal/config"
	"channelmanager/internal/models"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://supply.agoda.com/api/v1"
	apiKeyHeader   = "X-Api-Key"
)

type Adapter struct {
	transport *channel.Transport
	baseURL   string
	endpoints map[string]bool
	logger    *zerolog.Logger
}

func New(cfg config.ChannelConfig, logger *zerolog.Logger, opts ...channel.TransportOption) *Adapter {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	endpoints := map[string]bool{base: true}
	for _, e := range cfg.Endpoints {
		endpoints[strings.TrimRight(e, "/")] = true
	}
	l := logger.With().Str("channel", models.ChannelAgoda).Logger()
	return &Adapter{
		transport: channel.NewTransport(models.ChannelAgoda, cfg.RPS, cfg.Timeout, opts...),
		baseURL:   base,
		endpoints: endpoints,
		logger:    &l,
	}
}

func (a *Adapter) Type() string { return models.ChannelAgoda }

func (a *Adapter) credentials(raw json.RawMessage) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, fmt.Errorf("%w: %v", channel.ErrBadCredentials, err)
	}
	if creds.APIKey == "" || creds.PropertyID == "" {
		return creds, fmt.Errorf("%w: api_key and property_id are required", channel.ErrBadCredentials)
	}
	// The API key only ever travels to configured endpoints.
	creds.BaseURL = strings.TrimRight(creds.BaseURL, "/")
	if creds.BaseURL != "" && !a.endpoints[creds.BaseURL] {
		return creds, fmt.Errorf("%w: base_url %q is not a configured Agoda endpoint", channel.ErrBadCredentials, creds.BaseURL)
	}
	return creds, nil
}

func (a *Adapter) propertyURL(creds Credentials, parts ...string) string {
	base := a.baseURL
	if creds.BaseURL != "" {
		base = creds.BaseURL
	}
	u := base + "/properties/" + url.PathEscape(creds.PropertyID)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (a *Adapter) call(ctx context.Context, creds Credentials, method, endpoint, u string, body any) (*channel.Response, error) {
	return a.transport.Do(ctx, channel.Request{
		Method:   method,
		URL:      u,
		Endpoint: endpoint,
		Header:   http.Header{apiKeyHeader: []string{creds.APIKey}},
		Body:     body,
	})
}

func rawBody(resp *channel.Response) string {
	if resp == nil {
		return ""
	}
	return string(resp.Body)
}

func (a *Adapter) ValidateCredentials(ctx context.Context, raw json.RawMessage) (channel.ValidationResult, error) {
	creds, err := a.credentials(raw)
	if err != nil {
		return channel.ValidationResult{Valid: false, Message: err.Error()}, nil
	}

	resp, err := a.call(ctx, creds, http.MethodGet, "property", a.propertyURL(creds), nil)
	switch {
	case errors.Is(err, channel.ErrUnauthorized), errors.Is(err, channel.ErrForbidden):
		return channel.ValidationResult{Valid: false, Message: "credentials rejected by Agoda"}, nil
	case errors.Is(err, channel.ErrNotFound):
		return channel.ValidationResult{Valid: false, Message: fmt.Sprintf("property %s not found", creds.PropertyID)}, nil
	case err != nil:
		return channel.ValidationResult{}, fmt.Errorf("agoda validate: %w", err)
	}

	var prop propertyResponse
	if err := resp.Decode(&prop); err != nil {
		return channel.ValidationResult{}, fmt.Errorf("agoda validate: decode: %w", err)
	}
	if prop.PropertyID == "" {
		prop.PropertyID = creds.PropertyID
	}
	return channel.ValidationResult{Valid: true, ExternalPropertyID: prop.PropertyID}, nil
}

func (a *Adapter) PushInventory(ctx context.Context, conn *models.ChannelConnection, mappings []models.ChannelRoomMapping, updates []models.InventoryUpdate) models.SyncResult {
	const op = models.OpPushInventory
	creds, err := a.credentials(conn.APICredentials)
	if err != nil {
		return channel.Failure(op, err, nil, "")
	}

	groups, _ := channel.GroupInventory(models.NewMappingSet(mappings), updates)
	affected := make([]string, 0, len(groups))
	var last string
	for _, g := range groups {
		req := availabilityRequest{
			RoomTypeID: g.Mapping.ExternalRoomTypeID,
			RatePlanID: g.Mapping.ExternalRatePlanID,
			Dates:      make([]availabilityDate, 0, len(g.Updates)),
		}
		for _, u := range g.Updates {
			d := availabilityDate{Date: u.Date.Format(models.DateLayout), Available: u.Available}
			if u.Price > 0 {
				price := u.Price
				d.Price = &price
			}
			req.Dates = append(req.Dates, d)
		}

		resp, err := a.call(ctx, creds, http.MethodPost, "availability", a.propertyURL(creds, "availability"), req)
		if err != nil {
			a.logger.Warn().Err(err).Str("room_type", g.Mapping.ExternalRoomTypeID).Msg("Availability push failed")
			return channel.Failure(op, err, affected, rawBody(resp))
		}
		affected = append(affected, g.Mapping.LocalRoomID)
		last = rawBody(resp)
	}

	return models.SyncResult{Success: true, Operation: op, AffectedRooms: affected, RawResponse: last}
}

func (a *Adapter) PushRates(ctx context.Context, conn *models.ChannelConnection, mappings []models.ChannelRoomMapping, updates []models.RateUpdate) models.SyncResult {
	const op = models.OpPushRates
	creds, err := a.credentials(conn.APICredentials)
	if err != nil {
		return channel.Failure(op, err, nil, "")
	}

	groups, _ := channel.GroupRates(models.NewMappingSet(mappings), updates)
	affected := make([]string, 0, len(groups))
	var last string
	for _, g := range groups {
		req := ratesRequest{RoomTypeID: g.Mapping.ExternalRoomTypeID, Rates: make([]rateDate, 0, len(g.Updates))}
		for _, u := range g.Updates {
			req.Rates = append(req.Rates, rateDate{
				Date:       u.Date.Format(models.DateLayout),
				RatePlanID: u.ExternalRatePlanID,
				Price:      u.Price,
				Currency:   u.Currency,
			})
		}

		resp, err := a.call(ctx, creds, http.MethodPost, "rates", a.propertyURL(creds, "rates"), req)
		if err != nil {
			a.logger.Warn().Err(err).Str("room_type", g.Mapping.ExternalRoomTypeID).Msg("Rate push failed")
			return channel.Failure(op, err, affected, rawBody(resp))
		}
		affected = append(affected, g.Mapping.LocalRoomID)
		last = rawBody(resp)
	}

	return models.SyncResult{Success: true, Operation: op, AffectedRooms: affected, RawResponse: last}
}

func (a *Adapter) PullBookings(ctx context.Context, conn *models.ChannelConnection, since time.Time) ([]models.ExternalBooking, error) {
	creds, err := a.credentials(conn.APICredentials)
	if err != nil {
		return nil, err
	}

	u := a.propertyURL(creds, "bookings") + "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	resp, err := a.call(ctx, creds, http.MethodGet, "bookings", u, nil)
	if err != nil {
		return nil, fmt.Errorf("agoda pull: %w", err)
	}

	var page struct {
		Bookings []json.RawMessage `json:"bookings"`
	}
	if err := resp.Decode(&page); err != nil {
		return nil, fmt.Errorf("agoda pull: decode: %w", err)
	}

	out := make([]models.ExternalBooking, 0, len(page.Bookings))
	for _, raw := range page.Bookings {
		var b booking
		if err := json.Unmarshal(raw, &b); err != nil {
			a.logger.Warn().Err(err).Msg("Skipping undecodable booking")
			continue
		}
		if b.PropertyID == "" {
			b.PropertyID = creds.PropertyID
		}
		eb := b.canonical("", raw)
		if eb == nil {
			a.logger.Warn().Str("booking_id", b.BookingID).Str("status", b.Status).Msg("Skipping malformed booking")
			continue
		}
		out = append(out, *eb)
	}
	return out, nil
}

func (a *Adapter) ParseWebhook(payload []byte) *models.ExternalBooking {
	var env struct {
		Event   string          `json:"event"`
		Booking json.RawMessage `json:"booking"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || len(env.Booking) == 0 {
		return nil
	}
	var b booking
	if err := json.Unmarshal(env.Booking, &b); err != nil {
		return nil
	}
	return b.canonical(eventStatus[strings.ToLower(env.Event)], json.RawMessage(payload))
}

func (a *Adapter) CancelBooking(ctx context.Context, conn *models.ChannelConnection, externalBookingID string) models.SyncResult {
	const op = models.OpCancelUpstream
	creds, err := a.credentials(conn.APICredentials)
	if err != nil {
		return channel.Failure(op, err, nil, "")
	}

	body := map[string]string{"reason": "overbooking", "source": "channel-manager"}
	resp, err := a.call(ctx, creds, http.MethodPost, "cancel", a.propertyURL(creds, "bookings", externalBookingID, "cancel"), body)
	if err != nil {
		return channel.Failure(op, err, nil, rawBody(resp))
	}
	return models.SyncResult{Success: true, Operation: op, RawResponse: rawBody(resp)}
}
