package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-clanwatch-bot/internal/domain"
	"tg-clanwatch-bot/internal/infra/metrics"
)

// Sender реализует domain.Messenger поверх Bot API. Длинные сообщения
// режутся на части по лимиту Telegram.
type Sender struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.Messenger = (*Sender)(nil)

// NewSender создаёт отправителя.
func NewSender(bot *tgbotapi.BotAPI, log zerolog.Logger) *Sender {
	return &Sender{bot: bot, log: log}
}

// SendText отправляет HTML-текст в чат. Ошибка любой части прерывает
// отправку остальных.
func (s *Sender) SendText(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		start := time.Now()
		_, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			s.log.Error().Err(err).Int64("chat", chatID).Msg("телеграм: не удалось отправить сообщение")
			return fmt.Errorf("отправка в чат %d: %w", chatID, err)
		}
	}
	return nil
}
