// Package bot sends operator alerts to Telegram and answers a small set of
// status commands from the alert chats.
package bot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"channelmanager/internal/config"
	"channelmanager/internal/events"
	"channelmanager/internal/logging"
	"channelmanager/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnectionLister lists connections by status.
type ConnectionLister interface {
	ListConnectionsByStatus(ctx context.Context, statuses ...string) ([]*models.ChannelConnection, error)
}

type Bot struct {
	api         TelegramAPI
	chatIDs     []int64
	connections ConnectionLister
	alerts      chan string
	logger      *zerolog.Logger
}

// New connects to the Bot API with the configured token.
func New(cfg config.TelegramConfig, connections ConnectionLister, logger *zerolog.Logger) (*Bot, error) {
	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	botAPI.Debug = cfg.Debug
	return NewBot(NewBotWrapper(botAPI), cfg.AlertChatIDs, connections, logger), nil
}

func NewBot(api TelegramAPI, chatIDs []int64, connections ConnectionLister, logger *zerolog.Logger) *Bot {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Bot{
		api:         api,
		chatIDs:     chatIDs,
		connections: connections,
		alerts:      make(chan string, 64),
		logger:      logging.Component(logger, "telegram_bot"),
	}
}

// Subscribe turns connection degradations and booking conflicts into alerts.
func (b *Bot) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventConnectionStatus, func(event *events.Event) error {
		var p events.ConnectionStatusPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		if text, ok := formatStatusChange(p); ok {
			b.queue(text)
		}
		return nil
	})
	bus.Subscribe(events.EventBookingConflicted, func(event *events.Event) error {
		var p events.BookingEventPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		b.queue(formatConflict(p))
		return nil
	})
}

func (b *Bot) queue(text string) {
	select {
	case b.alerts <- text:
	default:
		b.logger.Warn().Msg("Alert queue full, dropping alert")
	}
}

// Start delivers alerts and serves commands until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.logger.Info().Str("username", b.api.GetSelf().UserName).Msg("Authorized on account")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Bot stopping...")
			return
		case text := <-b.alerts:
			b.broadcast(text)
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

func (b *Bot) broadcast(text string) {
	for _, chatID := range b.chatIDs {
		b.sendMessage(chatID, text)
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}
	// Commands are answered only in the configured alert chats.
	if !slices.Contains(b.chatIDs, msg.Chat.ID) {
		return
	}

	l := b.logger.With().Str("request_id", uuid.NewString()).Str("command", msg.Command()).Logger()
	updateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Recovered from panic in command handler")
		}
	}()

	switch msg.Command() {
	case "status":
		b.sendMessage(msg.Chat.ID, b.statusReport(updateCtx, &l))
	case "help", "start":
		b.sendMessage(msg.Chat.ID, "/status lists connections that are not syncing normally")
	}
}

func (b *Bot) statusReport(ctx context.Context, l *zerolog.Logger) string {
	conns, err := b.connections.ListConnectionsByStatus(ctx, models.ConnectionPending, models.ConnectionDegraded)
	if err != nil {
		l.Error().Err(err).Msg("status: list connections")
		return "Could not load connections, see logs."
	}
	if len(conns) == 0 {
		return "All connections are ACTIVE."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d connection(s) need attention:\n", len(conns))
	for _, c := range conns {
		fmt.Fprintf(&sb, "#%d hotel %d %s: %s", c.ID, c.HotelID, c.ChannelType, c.Status)
		if c.StatusReason != "" {
			fmt.Fprintf(&sb, " (%s)", c.StatusReason)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatStatusChange reports moves out of and back into ACTIVE.
func formatStatusChange(p events.ConnectionStatusPayload) (string, bool) {
	switch {
	case p.To == models.ConnectionDegraded:
		return fmt.Sprintf("⚠️ Connection #%d (hotel %d, %s) is DEGRADED: %s", p.ConnectionID, p.HotelID, p.ChannelType, p.Reason), true
	case p.To == models.ConnectionActive && p.From == models.ConnectionDegraded:
		return fmt.Sprintf("✅ Connection #%d (hotel %d, %s) recovered", p.ConnectionID, p.HotelID, p.ChannelType), true
	default:
		return "", false
	}
}

func formatConflict(p events.BookingEventPayload) string {
	return fmt.Sprintf("❌ %s booking %s for room %s (%s → %s) conflicted: %s",
		p.ChannelType, p.ExternalBookingID, p.LocalRoomID,
		p.CheckIn.Format(models.DateLayout), p.CheckOut.Format(models.DateLayout), p.Reason)
}
