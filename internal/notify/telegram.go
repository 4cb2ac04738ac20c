package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// botSender is the slice of *tele.Bot the notifier uses.
type botSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	bot           botSender
	defaultChatID int64
}

// NewTelegramNotifier builds an offline bot: no getMe round trip and no poller,
// since the notifier only sends.
func NewTelegramNotifier(token string, defaultChatID int64) (*TelegramNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: b, defaultChatID: defaultChatID}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chatID == 0 {
		chatID = n.defaultChatID
	}
	if chatID == 0 {
		return &PermanentError{Err: errors.New("no chat id given and no default configured")}
	}
	if _, err := n.bot.Send(&tele.Chat{ID: chatID}, text); err != nil {
		var te *tele.Error
		if errors.As(err, &te) && (te.Code == 400 || te.Code == 403) {
			return &PermanentError{Err: err}
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
