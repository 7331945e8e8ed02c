// Package google mirrors the booking ledger into a Google Sheets spreadsheet
// so front-desk staff can follow channel bookings without API access.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"channelmanager/internal/config"
	"channelmanager/internal/events"
	"channelmanager/internal/logging"
	"channelmanager/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	sheetName   = "Bookings"
	lastColumn  = "L"
	timeLayout  = "2006-01-02 15:04:05"
	queueLength = 256
)

var ledgerHeader = []interface{}{
	"Reference", "Hotel", "Room", "Channel", "External ID", "Check-in", "Check-out",
	"Guest", "Total", "Currency", "Status", "Updated",
}

var errRowNotFound = errors.New("ledger row not found")

// LedgerSheet keeps one spreadsheet row per booking reference.
type LedgerSheet struct {
	service       *sheets.Service
	spreadsheetID string
	logger        *zerolog.Logger

	rowCache map[string]int
	cacheMu  sync.RWMutex

	updates chan events.BookingEventPayload
}

func NewLedgerSheet(ctx context.Context, cfg config.GoogleConfig, logger *zerolog.Logger) (*LedgerSheet, error) {
	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	jwt, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newLedgerSheet(srv, cfg.LedgerSpreadsheetID, logger), nil
}

func newLedgerSheet(srv *sheets.Service, spreadsheetID string, logger *zerolog.Logger) *LedgerSheet {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &LedgerSheet{
		service:       srv,
		spreadsheetID: spreadsheetID,
		logger:        logging.Component(logger, "ledger_sheet"),
		rowCache:      make(map[string]int),
		updates:       make(chan events.BookingEventPayload, queueLength),
	}
}

// TestConnection reads the header cell.
func (s *LedgerSheet) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, sheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// WriteHeader (re)writes the header row.
func (s *LedgerSheet) WriteHeader(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, sheetName+"!A1:"+lastColumn+"1", &sheets.ValueRange{
		Values: [][]interface{}{ledgerHeader},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// WarmUpCache indexes the reference column.
func (s *LedgerSheet) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)
	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue
		}
		if ref, ok := row[0].(string); ok && ref != "" {
			s.rowCache[ref] = i + 1
		}
	}
	return nil
}

// Upsert rewrites the row of a booking or appends a new one.
func (s *LedgerSheet) Upsert(ctx context.Context, p events.BookingEventPayload) error {
	if p.Reference == "" {
		return errors.New("booking reference is required")
	}

	row, err := s.FindRow(ctx, p.Reference)
	if errors.Is(err, errRowNotFound) {
		return s.appendRow(ctx, p)
	}
	if err != nil {
		return err
	}

	rangeData := fmt.Sprintf("%s!A%d:%s%d", sheetName, row, lastColumn, row)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
		Values: [][]interface{}{rowValues(p)},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *LedgerSheet) appendRow(ctx context.Context, p events.BookingEventPayload) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, sheetName+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{rowValues(p)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}
	if resp.Updates != nil {
		if row, ok := firstRow(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(p.Reference, row)
		}
	}
	return nil
}

// FindRow returns the 1-based row of a reference.
func (s *LedgerSheet) FindRow(ctx context.Context, reference string) (int, error) {
	if row, ok := s.getCachedRow(reference); ok {
		return row, nil
	}
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if len(row) > 0 && fmt.Sprint(row[0]) == reference {
			s.setCachedRow(reference, i+1)
			return i + 1, nil
		}
	}
	return 0, errRowNotFound
}

// Subscribe queues booking events for the mirror. Events are dropped when
// the queue is full; the database stays the source of truth.
func (s *LedgerSheet) Subscribe(bus *events.EventBus) {
	bus.Subscribe("booking.*", func(event *events.Event) error {
		if event.Type == events.EventBookingConflicted {
			return nil
		}
		var p events.BookingEventPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		select {
		case s.updates <- p:
		default:
			s.logger.Warn().Str("reference", p.Reference).Msg("Ledger queue full, dropping update")
		}
		return nil
	})
}

// Run writes queued updates until ctx is done.
func (s *LedgerSheet) Run(ctx context.Context) {
	if err := s.WarmUpCache(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to warm up ledger row cache")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.updates:
			callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := s.Upsert(callCtx, p); err != nil {
				s.logger.Error().Err(err).Str("reference", p.Reference).Msg("Failed to mirror booking")
			}
			cancel()
		}
	}
}

func (s *LedgerSheet) getCachedRow(ref string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[ref]
	return row, ok
}

func (s *LedgerSheet) setCachedRow(ref string, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[ref] = row
}

var rangeRow = regexp.MustCompile(`![A-Z]+(\d+)`)

// firstRow extracts the starting row of an A1 range such as "Bookings!A10:L10".
func firstRow(a1 string) (int, bool) {
	m := rangeRow.FindStringSubmatch(a1)
	if m == nil {
		return 0, false
	}
	row, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return row, true
}

func rowValues(p events.BookingEventPayload) []interface{} {
	return []interface{}{
		p.Reference,
		p.HotelID,
		p.LocalRoomID,
		p.ChannelType,
		p.ExternalBookingID,
		p.CheckIn.Format(models.DateLayout),
		p.CheckOut.Format(models.DateLayout),
		p.GuestName,
		p.TotalAmount,
		p.Currency,
		p.Status,
		time.Now().UTC().Format(timeLayout),
	}
}
