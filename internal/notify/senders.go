package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "taskgate/pkg/logx"
)

// TelegramConfig configures the telegram delivery backend.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

type telegramSender struct {
	bot    *tele.Bot
	chatID int64
}

// NewTelegram creates a send-only telegram backend. The bot never polls for
// updates, so it is constructed offline and only used for outbound messages.
func NewTelegram(cfg TelegramConfig) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chatID: cfg.ChatID}, nil
}

func (t *telegramSender) Send(_ context.Context, title, body string) error {
	text := title
	if strings.TrimSpace(body) != "" {
		text += "\n" + body
	}
	_, err := t.bot.Send(tele.ChatID(t.chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// NewLogSender writes notifications to the structured log. It is the default
// backend when no telegram credentials are configured.
func NewLogSender(log logx.Logger) Sender {
	return logSender{log: log}
}

type logSender struct{ log logx.Logger }

func (l logSender) Send(_ context.Context, title, body string) error {
	l.log.Info("notification", logx.String("title", title), logx.String("body", body))
	return nil
}

// Nop returns a Notifier that discards everything. Tests use it when alert
// delivery is irrelevant.
func Nop() Notifier { return nopNotifier{} }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}
