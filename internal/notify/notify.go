// Package notify delivers the side effects of scheduled actions: email
// through SMTP and chat messages through Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Mailer sends one email. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Notifier posts a short text message to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// PermanentError marks a delivery failure that retrying cannot fix, such as
// a rejected recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return "permanent delivery failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Permanent() bool { return true }

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// LogMailer logs instead of sending. It stands in for SMTP when no
// credentials are configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info("simulated email send", "to", to, "subject", subject, "body_len", len(body))
	return nil
}

// LogNotifier logs instead of posting to a chat.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Info("simulated notification", "chat_id", chatID, "text_len", len(text))
	return nil
}

// RateLimitedMailer spaces out sends with a token bucket so a burst of due
// email tasks does not trip the relay's own limits.
type RateLimitedMailer struct {
	next    Mailer
	limiter *rate.Limiter
}

// NewRateLimitedMailer allows perMinute sends per minute with a burst of one.
// perMinute <= 0 disables limiting.
func NewRateLimitedMailer(next Mailer, perMinute int) *RateLimitedMailer {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &RateLimitedMailer{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (m *RateLimitedMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}
	return m.next.Send(ctx, to, subject, body)
}
