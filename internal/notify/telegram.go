package notify

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram delivers messages through a Telegram bot. Messages carrying a
// ChatID override go to that chat instead of the default.
type Telegram struct {
	bot           *tgbotapi.BotAPI
	defaultChatID int64
}

// NewTelegram authenticates the bot. An empty token yields a disabled
// provider rather than an error, so callers can wire it unconditionally.
func NewTelegram(token string, defaultChatID int64) (*Telegram, error) {
	if token == "" {
		return &Telegram{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate telegram bot: %w", err)
	}
	return &Telegram{bot: bot, defaultChatID: defaultChatID}, nil
}

func (t *Telegram) Name() string  { return "telegram" }
func (t *Telegram) Enabled() bool { return t.bot != nil }

func (t *Telegram) Send(msg *Message) error {
	if t.bot == nil {
		return nil
	}
	chatID := t.defaultChatID
	if msg.ChatID != "" {
		if id, err := strconv.ParseInt(msg.ChatID, 10, 64); err == nil {
			chatID = id
		}
	}
	if chatID == 0 {
		return nil
	}

	out := tgbotapi.NewMessage(chatID, fmt.Sprintf("*%s*\n\n%s", msg.Title, msg.Body))
	out.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
