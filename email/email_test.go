package email

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"boardgame-notifier/pkg/notifier"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPayload() *notifier.Payload {
	price := decimal.NewFromInt(2500)
	discount := decimal.NewFromInt(10)
	inStock := true
	return &notifier.Payload{
		Title:       "Громкое дело",
		GameTitle:   "Громкое дело",
		StoreID:     "hobbygames",
		Kind:        notifier.KindRelease,
		Price:       &price,
		DiscountPct: &discount,
		InStock:     &inStock,
		URL:         "https://hobbygames.ru/gromkoe-delo",
	}
}

func TestSendListing(t *testing.T) {
	provider := NewMockProvider(testLogger())
	sender := New(provider, testLogger(), "https://alerts.example/")

	if err := sender.SendListing(context.Background(), "user@example.com", testPayload()); err != nil {
		t.Fatalf("SendListing() error = %v", err)
	}

	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("Sent() = %d messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.To != "user@example.com" {
		t.Errorf("To = %q, want user@example.com", msg.To)
	}
	if msg.Subject != "🎉 Громкое дело" {
		t.Errorf("Subject = %q, want kind emoji and title", msg.Subject)
	}
	for _, want := range []string{"Цена: 2500.00 ₽", "Скидка: 10%", "В наличии", `href="https://hobbygames.ru/gromkoe-delo"`, `href="https://alerts.example"`} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestListingBodyEscapesAndDropsUnsafeLinks(t *testing.T) {
	sender := New(NewMockProvider(testLogger()), testLogger(), "")
	p := &notifier.Payload{
		Title: `<script>alert("x")</script>`,
		URL:   "javascript:alert(1)",
		Kind:  notifier.KindAnnounce,
	}

	body := sender.formatListingBody(p)
	if strings.Contains(body, "<script>") {
		t.Error("title was not escaped")
	}
	if strings.Contains(body, "javascript:") {
		t.Error("unsafe URL was linked")
	}
	if strings.Contains(body, "Цена") {
		t.Error("absent price rendered")
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"<script>", "&lt;script&gt;"},
		{"Ticket & Ride", "Ticket &amp; Ride"},
		{`"quotes"`, "&quot;quotes&quot;"},
		{"it's", "it&#39;s"},
	}
	for _, tt := range tests {
		if got := escapeHTML(tt.input); got != tt.expected {
			t.Errorf("escapeHTML(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestIsSafeURL(t *testing.T) {
	tests := []struct {
		url  string
		safe bool
	}{
		{"https://hobbygames.ru/dune", true},
		{"HTTP://example.com", true},
		{"/relative/path", false},
		{"javascript:alert('xss')", false},
		{"data:text/html,<script>alert('xss')</script>", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isSafeURL(tt.url); got != tt.safe {
			t.Errorf("isSafeURL(%q) = %v, want %v", tt.url, got, tt.safe)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("a@example.com\r\nBcc: evil@example.com", "Громкое дело", "<p>hi</p>")

	if strings.Contains(msg, "\r\nBcc:") {
		t.Error("header injection not stripped")
	}
	if !strings.Contains(msg, "Subject: =?utf-8?b?") {
		t.Errorf("subject not RFC 2047 encoded:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>") {
		t.Error("body not separated from headers")
	}
}

func TestBrevoProvider(t *testing.T) {
	var got brevoSendRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevoProvider("secret", "alerts@example.com", "Board Game Alerts", testLogger())
	b.endpoint = srv.URL

	if err := b.Send(context.Background(), "user@example.com", "subject", "<p>body</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if apiKey != "secret" {
		t.Errorf("api-key header = %q, want secret", apiKey)
	}
	if got.Sender.Email != "alerts@example.com" || len(got.To) != 1 || got.To[0].Email != "user@example.com" {
		t.Errorf("request = %+v", got)
	}
}

func TestBrevoProviderClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewBrevoProvider("bad", "alerts@example.com", "", testLogger())
	b.endpoint = srv.URL

	if err := b.Send(context.Background(), "user@example.com", "s", "b"); err == nil {
		t.Fatal("Send() error = nil, want error on 401")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}
