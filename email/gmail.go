package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends as the authenticated Gmail account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a Gmail API provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// sanitizeEmailHeader drops control characters so values cannot inject headers.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMessage renders a raw RFC 5322 message. Listing titles are mostly Cyrillic, so
// the subject is RFC 2047 encoded.
func buildMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "To: %s\r\n", sanitizeEmailHeader(to))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.BEncoding.Encode("utf-8", sanitizeEmailHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send implements Provider.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw := base64.URLEncoding.EncodeToString([]byte(buildMessage(to, subject, htmlBody)))

	return deliver(ctx, g.logger, "gmail", to, func() error {
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		return err
	})
}
