// Package agodatest provides an in-process fake of the Agoda supply API for
// adapter and end-to-end tests.
package agodatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// Booking is a reservation held by the fake channel.
type Booking struct {
	BookingID  string
	RoomTypeID string
	CheckIn    string
	CheckOut   string
	Status     string
	GuestFirst string
	GuestLast  string
	Adults     int
	Total      float64
	Currency   string
}

// Server is a fake Agoda property API.
type Server struct {
	*httptest.Server

	APIKey     string
	PropertyID string

	mu           sync.Mutex
	availability map[string]map[string]bool // room type -> date -> open
	prices       map[string]map[string]float64
	bookings     []Booking
	cancelled    []string
	failures     int
	failStatus   int
	delay        time.Duration
	requests     map[string]int
}

func NewServer(apiKey, propertyID string) *Server {
	s := &Server{
		APIKey:       apiKey,
		PropertyID:   propertyID,
		availability: make(map[string]map[string]bool),
		prices:       make(map[string]map[string]float64),
		requests:     make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failStatus = status
}

// SetDelay slows every answer down by d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Available reports what the hotel last pushed for a room type and date.
func (s *Server) Available(roomTypeID, date string) (open, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open, known = s.availability[roomTypeID][date]
	return open, known
}

// Price reports the last pushed price for a room type, date and rate plan.
func (s *Server) Price(roomTypeID, ratePlanID, date string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[roomTypeID+"/"+ratePlanID][date]
	return p, ok
}

// Sell records a guest reservation, honouring pushed availability the way the
// real channel would. It returns false when any night is closed.
func (s *Server) Sell(b Booking) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, _ := time.Parse("2006-01-02", b.CheckIn)
	out, _ := time.Parse("2006-01-02", b.CheckOut)
	for d := in; d.Before(out); d = d.AddDate(0, 0, 1) {
		if open, known := s.availability[b.RoomTypeID][d.Format("2006-01-02")]; known && !open {
			return false
		}
	}
	if b.Status == "" {
		b.Status = "booked"
	}
	s.bookings = append(s.bookings, b)
	return true
}

// Cancelled lists booking ids the hotel asked to cancel.
func (s *Server) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// Requests counts calls per endpoint name: property, availability, rates, bookings, cancel.
func (s *Server) Requests(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[endpoint]
}

// WebhookPayload renders a booking the way Agoda posts it.
func WebhookPayload(event, propertyID string, b Booking) []byte {
	raw, _ := json.Marshal(map[string]any{
		"event":   event,
		"booking": wireBooking(propertyID, b),
	})
	return raw
}

func wireBooking(propertyID string, b Booking) map[string]any {
	return map[string]any{
		"booking_id":   b.BookingID,
		"property_id":  propertyID,
		"room_type_id": b.RoomTypeID,
		"check_in":     b.CheckIn,
		"check_out":    b.CheckOut,
		"status":       b.Status,
		"guest":        map[string]string{"first_name": b.GuestFirst, "last_name": b.GuestLast},
		"adults":       b.Adults,
		"price":        map[string]any{"total": b.Total, "currency": b.Currency},
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.delay
	fail := 0
	if s.failures > 0 {
		s.failures--
		fail = s.failStatus
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail != 0 {
		http.Error(w, `{"error":"injected"}`, fail)
		return
	}
	if r.Header.Get("X-Api-Key") != s.APIKey {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// Paths look like [prefix...] properties/{id}/...
	idx := -1
	for i, p := range parts {
		if p == "properties" {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(parts) || parts[idx+1] != s.PropertyID {
		http.Error(w, `{"error":"property not found"}`, http.StatusNotFound)
		return
	}
	rest := parts[idx+2:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.count("property")
		writeJSON(w, map[string]string{"property_id": s.PropertyID, "name": "Fake Hotel", "status": "active"})
	case len(rest) == 1 && rest[0] == "availability" && r.Method == http.MethodPost:
		s.count("availability")
		s.handleAvailability(w, r)
	case len(rest) == 1 && rest[0] == "rates" && r.Method == http.MethodPost:
		s.count("rates")
		s.handleRates(w, r)
	case len(rest) == 1 && rest[0] == "bookings" && r.Method == http.MethodGet:
		s.count("bookings")
		s.handleBookings(w)
	case len(rest) == 3 && rest[0] == "bookings" && rest[2] == "cancel" && r.Method == http.MethodPost:
		s.count("cancel")
		s.mu.Lock()
		s.cancelled = append(s.cancelled, rest[1])
		s.mu.Unlock()
		writeJSON(w, map[string]string{"booking_id": rest[1], "status": "cancelled"})
	default:
		http.Error(w, `{"error":"no route"}`, http.StatusNotFound)
	}
}

func (s *Server) count(endpoint string) {
	s.mu.Lock()
	s.requests[endpoint]++
	s.mu.Unlock()
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomTypeID string `json:"room_type_id"`
		Dates      []struct {
			Date      string   `json:"date"`
			Available bool     `json:"available"`
			Price     *float64 `json:"price"`
		} `json:"dates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomTypeID == "" {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if s.availability[req.RoomTypeID] == nil {
		s.availability[req.RoomTypeID] = make(map[string]bool)
	}
	for _, d := range req.Dates {
		s.availability[req.RoomTypeID][d.Date] = d.Available
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"room_type_id": req.RoomTypeID, "updated": len(req.Dates)})
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomTypeID string `json:"room_type_id"`
		Rates      []struct {
			Date       string  `json:"date"`
			RatePlanID string  `json:"rate_plan_id"`
			Price      float64 `json:"price"`
		} `json:"rates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomTypeID == "" {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, rate := range req.Rates {
		key := req.RoomTypeID + "/" + rate.RatePlanID
		if s.prices[key] == nil {
			s.prices[key] = make(map[string]float64)
		}
		s.prices[key][rate.Date] = rate.Price
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"room_type_id": req.RoomTypeID, "updated": len(req.Rates)})
}

func (s *Server) handleBookings(w http.ResponseWriter) {
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.bookings))
	for _, b := range s.bookings {
		out = append(out, wireBooking(s.PropertyID, b))
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["booking_id"]) < fmt.Sprint(out[j]["booking_id"])
	})
	writeJSON(w, map[string]any{"bookings": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
