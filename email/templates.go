package email

import (
	"fmt"
	"strings"

	"boardgame-notifier/pkg/notifier"
)

func (s *Sender) formatListingBody(p *notifier.Payload) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"ru\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #e67e22; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".details { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString(".details p { margin: 4px 0; }\n")
	b.WriteString(".game { color: #7f8c8d; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #e67e22; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".header { border-bottom-color: #ff8c42; }\n")
	b.WriteString(".details { background: #2a2a2a; }\n")
	b.WriteString(".game, .footer { color: #a0a0a0; }\n")
	b.WriteString(".footer { border-top-color: #444; }\n")
	b.WriteString("a { color: #ff8c42; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s %s</h2>\n", p.Kind.Emoji(), escapeHTML(p.Title)))
	if p.GameTitle != "" && p.GameTitle != p.Title {
		b.WriteString(fmt.Sprintf("<div class=\"game\">%s</div>\n", escapeHTML(p.GameTitle)))
	}
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"details\">\n")
	if p.StoreID != "" {
		b.WriteString(fmt.Sprintf("<p>Магазин: %s</p>\n", escapeHTML(p.StoreID)))
	}
	if p.Price != nil {
		b.WriteString(fmt.Sprintf("<p>Цена: %s ₽</p>\n", p.Price.StringFixedBank(2)))
	}
	if p.DiscountPct != nil && p.DiscountPct.IsPositive() {
		b.WriteString(fmt.Sprintf("<p>Скидка: %s%%</p>\n", p.DiscountPct.String()))
	}
	if p.InStock != nil {
		if *p.InStock {
			b.WriteString("<p>В наличии</p>\n")
		} else {
			b.WriteString("<p>Нет в наличии</p>\n")
		}
	}
	b.WriteString("</div>\n")

	// Scraped URLs are untrusted; only link http(s) targets.
	b.WriteString("<div class=\"footer\">\n")
	if p.URL != "" && isSafeURL(p.URL) {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Открыть предложение</a>\n", escapeHTML(p.URL)))
	}
	if s.baseURL != "" {
		if p.URL != "" {
			b.WriteString(" &bull; \n")
		}
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Настройки уведомлений</a>\n", escapeHTML(s.baseURL)))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL reports whether a listing URL is an absolute http or https link.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
