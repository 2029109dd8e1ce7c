// Package notify delivers user-facing warnings raised while running actions.
package notify

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"aiactions/internal/action"
)

const telegramMaxRunes = 4000

type HostWarner interface {
	NotifyWarning(ctx context.Context, title, message string) error
}

// Host shows warnings as toasts in the business platform.
type Host struct {
	host   HostWarner
	logger zerolog.Logger
}

func NewHost(host HostWarner, logger zerolog.Logger) *Host {
	return &Host{host: host, logger: logger}
}

func (n *Host) Warn(ctx context.Context, title, message string) {
	if err := n.host.NotifyWarning(ctx, title, message); err != nil {
		n.logger.Error().Err(err).Str("title", title).Msg("failed to send host warning")
	}
}

type TelegramSender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

// Telegram forwards warnings to an operator chat.
type Telegram struct {
	bot    TelegramSender
	chatID int64
	logger zerolog.Logger
}

func NewTelegram(bot TelegramSender, chatID int64, logger zerolog.Logger) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, logger: logger}
}

func (n *Telegram) Warn(ctx context.Context, title, message string) {
	text := title + "\n\n" + message
	if r := []rune(text); len(r) > telegramMaxRunes {
		text = string(r[:telegramMaxRunes])
	}
	if _, err := n.bot.SendMessageWithContext(ctx, n.chatID, text, &gotgbot.SendMessageOpts{}); err != nil {
		n.logger.Error().Err(err).Int64("chat_id", n.chatID).Str("title", title).Msg("failed to send telegram warning")
	}
}

type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (n *Log) Warn(_ context.Context, title, message string) {
	n.logger.Warn().Str("title", title).Str("message", message).Msg("user warning")
}

// Multi fans a warning out to every notifier in order.
type Multi []action.Notifier

func (m Multi) Warn(ctx context.Context, title, message string) {
	for _, n := range m {
		if n != nil {
			n.Warn(ctx, title, message)
		}
	}
}
