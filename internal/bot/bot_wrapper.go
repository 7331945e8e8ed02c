package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAPI is the slice of the Bot API the alert bot uses.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetSelf() tgbotapi.User
}

type BotWrapper struct {
	*tgbotapi.BotAPI
}

func (w *BotWrapper) GetSelf() tgbotapi.User {
	return w.Self
}

func NewBotWrapper(bot *tgbotapi.BotAPI) *BotWrapper {
	return &BotWrapper{BotAPI: bot}
}
