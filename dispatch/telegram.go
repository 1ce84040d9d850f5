package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"boardgame-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

const telegramAPI = "https://api.telegram.org"

// ErrNotConfigured is returned by channels missing their credentials.
var ErrNotConfigured = errors.New("channel not configured")

// Telegram posts listing alerts to a chat through the Bot API.
type Telegram struct {
	client  *http.Client
	logger  *slog.Logger
	token   string
	chatID  string
	apiBase string
}

// NewTelegram creates a Telegram channel. Empty token or chatID makes every send fail.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		token:   token,
		chatID:  chatID,
		apiBase: telegramAPI,
	}
}

// Name implements Channel.
func (*Telegram) Name() string { return "telegram" }

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	Description string `json:"description"`
	OK          bool   `json:"ok"`
}

// Send implements Channel.
func (t *Telegram) Send(ctx context.Context, p *notifier.Payload) error {
	if t.token == "" || t.chatID == "" {
		return fmt.Errorf("telegram: %w", ErrNotConfigured)
	}

	body, err := json.Marshal(telegramRequest{
		ChatID:    t.chatID,
		Text:      formatTelegram(p),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := t.apiBase + "/bot" + t.token + "/sendMessage"

	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := t.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			code := resp.StatusCode
			retryable := code == http.StatusOK || code == http.StatusTooManyRequests || code >= 500

			data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if err != nil {
				return fmt.Errorf("telegram: read response (HTTP %d): %w", code, err)
			}
			var tr telegramResponse
			if err := json.Unmarshal(data, &tr); err != nil {
				err = fmt.Errorf("telegram: decode response (HTTP %d): %w", code, err)
				if !retryable {
					return retry.Unrecoverable(err)
				}
				return err
			}

			switch {
			case code == http.StatusOK && tr.OK:
				return nil
			case retryable && code != http.StatusOK:
				return fmt.Errorf("telegram: HTTP %d: %s", code, tr.Description)
			default:
				return retry.Unrecoverable(fmt.Errorf("telegram: HTTP %d: %s", code, tr.Description))
			}
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}

func formatTelegram(p *notifier.Payload) string {
	title := p.Title
	if title == "" {
		title = "Событие"
	}

	lines := []string{fmt.Sprintf("%s <b>%s</b>", p.Kind.Emoji(), html.EscapeString(title))}
	if p.GameTitle != "" && p.GameTitle != p.Title {
		lines = append(lines, "🎲 "+html.EscapeString(p.GameTitle))
	}
	if p.StoreID != "" {
		lines = append(lines, "🏪 Магазин: "+html.EscapeString(p.StoreID))
	}
	if p.Price != nil && !p.Price.IsZero() {
		lines = append(lines, fmt.Sprintf("💳 Цена: %s ₽", p.Price.String()))
	}
	if p.DiscountPct != nil && !p.DiscountPct.IsZero() {
		lines = append(lines, fmt.Sprintf("🏷️ Скидка: %s%%", p.DiscountPct.String()))
	}
	if p.InStock != nil {
		if *p.InStock {
			lines = append(lines, "✅ В наличии")
		} else {
			lines = append(lines, "❌ Нет в наличии")
		}
	}
	if p.URL != "" {
		lines = append(lines, "🔗 "+html.EscapeString(p.URL))
	}
	lines = append(lines, "", "🔔 Настройки уведомлений в приложении")
	return strings.Join(lines, "\n")
}
