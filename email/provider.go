// Package email handles sending listing alert emails via multiple providers.
package email

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"boardgame-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends listing alert emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// SendListing emails one listing alert to a recipient.
func (s *Sender) SendListing(ctx context.Context, to string, p *notifier.Payload) error {
	subject := p.Kind.Emoji() + " " + p.Title
	if p.Title == "" {
		subject = "Board game listing update"
	}

	body := s.formatListingBody(p)

	s.logger.Info("Sending listing email",
		"to", to,
		"subject", subject,
		"store_id", p.StoreID)

	return s.provider.Send(ctx, to, subject, body)
}

// deliver runs one provider call with retries and logs its latency. attempt returns
// retry.Unrecoverable for failures a resend cannot fix.
func deliver(ctx context.Context, logger *slog.Logger, provider, to string, attempt func() error) error {
	start := time.Now()
	err := retry.Do(
		attempt,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send", "provider", provider, "attempt", n, "to", to, "error", err)
		}),
	)
	if err != nil {
		logger.Warn("Email send failed", "provider", provider, "to", to, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	logger.Info("Email sent", "provider", provider, "to", to, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
