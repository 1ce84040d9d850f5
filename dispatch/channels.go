package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"boardgame-notifier/email"
	"boardgame-notifier/pkg/notifier"
)

// Email sends listing alerts to a fixed recipient list.
type Email struct {
	sender     *email.Sender
	recipients []string
}

// NewEmail creates an email channel.
func NewEmail(sender *email.Sender, recipients ...string) *Email {
	return &Email{sender: sender, recipients: recipients}
}

// Name implements Channel.
func (*Email) Name() string { return "email" }

// Send implements Channel. Every recipient must be reached for success.
func (e *Email) Send(ctx context.Context, p *notifier.Payload) error {
	if len(e.recipients) == 0 {
		return fmt.Errorf("email: %w", ErrNotConfigured)
	}
	var errs []error
	for _, to := range e.recipients {
		if err := e.sender.SendListing(ctx, to, p); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to the structured log. Used in development.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-only channel.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Name implements Channel.
func (*Log) Name() string { return "log" }

// Send implements Channel.
func (l *Log) Send(_ context.Context, p *notifier.Payload) error {
	l.logger.Info("ALERT",
		"title", p.Title,
		"game", p.GameTitle,
		"kind", p.Kind,
		"store_id", p.StoreID,
		"body", p.Body,
		"url", p.URL)
	return nil
}
