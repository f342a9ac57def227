package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/roach88/racewatch/internal/fault"
)

// TelegramLimit is the maximum length of one Telegram message.
const TelegramLimit = 4096

// TelegramSink sends messages to one chat through the Bot API.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates with token and targets chatID.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if token == "" || chatID == 0 {
		return nil, fault.New(fault.KindConfiguration, "notify.telegram", "bot token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewTelegramSinkWithBot(bot, chatID), nil
}

// NewTelegramSinkWithBot wraps an existing bot client.
func NewTelegramSinkWithBot(bot *tgbotapi.BotAPI, chatID int64) *TelegramSink {
	return &TelegramSink{bot: bot, chatID: chatID}
}

// Name implements Sink.
func (s *TelegramSink) Name() string { return "telegram" }

// Send implements Sink. The Bot API client does not take a context, so ctx
// is only checked between chunks.
func (s *TelegramSink) Send(ctx context.Context, text string) error {
	for i, chunk := range Chunk(text, TelegramLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, chunk)); err != nil {
			return fmt.Errorf("telegram chunk %d: %w", i+1, err)
		}
	}
	return nil
}
