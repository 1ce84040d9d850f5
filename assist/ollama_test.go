package assist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fakeOllama(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama2"}]}`))
		case "/api/generate":
			var req generateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if !strings.Contains(req.Prompt, "1: Громкое дело") {
				t.Errorf("prompt missing indexed candidates:\n%s", req.Prompt)
			}
			_ = json.NewEncoder(w).Encode(generateResponse{Response: answer})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestBestGuessMatch(t *testing.T) {
	srv := fakeOllama(t, "Sure! Here it is: {\"index\": 1, \"confidence\": 0.86} hope that helps")
	defer srv.Close()

	o := NewOllama(srv.URL, "", testLogger())
	idx, conf, err := o.BestGuessMatch(context.Background(), "Громкое дело (уценка)", []string{"Dune: Imperium", "Громкое дело"})
	if err != nil {
		t.Fatalf("BestGuessMatch() error = %v", err)
	}
	if idx != 1 || conf != 0.86 {
		t.Errorf("BestGuessMatch() = %d, %v; want 1, 0.86", idx, conf)
	}
}

func TestBestGuessMatchNullIndex(t *testing.T) {
	srv := fakeOllama(t, `{"index": null, "confidence": 0.2}`)
	defer srv.Close()

	idx, _, err := NewOllama(srv.URL, "", testLogger()).BestGuessMatch(context.Background(), "Catan", []string{"Dune", "Громкое дело"})
	if err != nil {
		t.Fatalf("BestGuessMatch() error = %v", err)
	}
	if idx != -1 {
		t.Errorf("BestGuessMatch() index = %d, want -1", idx)
	}
}

func TestBestGuessMatchUnconfigured(t *testing.T) {
	_, _, err := NewOllama("", "", testLogger()).BestGuessMatch(context.Background(), "Catan", []string{"Dune"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("BestGuessMatch() error = %v, want ErrUnavailable", err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`text {"a":{"b":2}} tail`, `{"a":{"b":2}}`},
		{`no json`, `no json`},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAvailabilityCached(t *testing.T) {
	var tags atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			tags.Add(1)
			_, _ = w.Write([]byte(`{"models":[]}`))
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"index": 0, "confidence": 0.9}`})
		}
	}))
	defer srv.Close()

	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	o := NewOllama(srv.URL, "", testLogger())
	o.now = func() time.Time { return now }

	for range 3 {
		if _, _, err := o.BestGuessMatch(context.Background(), "Azul", []string{"Azul"}); err != nil {
			t.Fatalf("BestGuessMatch() error = %v", err)
		}
	}
	if got := tags.Load(); got != 1 {
		t.Errorf("/api/tags hits = %d, want 1 within the cache window", got)
	}

	now = now.Add(availabilityTTL)
	if !o.Available(context.Background()) {
		t.Fatal("Available() = false after refresh")
	}
	if got := tags.Load(); got != 2 {
		t.Errorf("/api/tags hits = %d after expiry, want 2", got)
	}
}
