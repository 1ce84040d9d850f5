package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"boardgame-notifier/pkg/notifier"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestBucket(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"utc morning", time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), "2025-03-14T00:00:00+00:00"},
		{"utc last second", time.Date(2025, 3, 14, 23, 59, 59, 0, time.UTC), "2025-03-14T00:00:00+00:00"},
		{"local zone before utc midnight", time.Date(2025, 3, 15, 1, 0, 0, 0, msk), "2025-03-14T00:00:00+00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Bucket(tt.now); got != tt.want {
				t.Errorf("Bucket() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprintMatchesDocumentedFormat(t *testing.T) {
	day := time.Date(2025, 3, 14, 15, 4, 5, 0, time.UTC)
	d := &notifier.Draft{
		Title:   "Громкое дело",
		StoreID: "hobbygames",
		Price:   price("2500"),
		Kind:    notifier.KindRelease,
	}

	sum := sha256.Sum256([]byte("громкое дело|hobbygames||2500|2025-03-14T00:00:00+00:00"))
	want := hex.EncodeToString(sum[:])

	got := Fingerprint(d, day)
	if got != want {
		t.Errorf("Fingerprint() = %s, want %s", got, want)
	}
	if len(got) != 64 {
		t.Errorf("Fingerprint() length = %d, want 64", len(got))
	}
}

func TestFingerprintDeterministicWithinDay(t *testing.T) {
	d := &notifier.Draft{Title: "Dune: Imperium", StoreID: "crowdgames", Price: price("4990.40"), Edition: "Base"}
	morning := time.Date(2025, 6, 1, 0, 0, 1, 0, time.UTC)
	evening := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)

	if Fingerprint(d, morning) != Fingerprint(d, evening) {
		t.Error("Fingerprint() differs within the same UTC day")
	}

	// Cosmetic differences normalize away.
	noisy := &notifier.Draft{Title: "  DUNE:   imperium. Настольная игра", StoreID: "crowdgames", Price: price("4990"), Edition: "base"}
	if Fingerprint(d, morning) != Fingerprint(noisy, evening) {
		t.Error("Fingerprint() differs for drafts with the same normalized offer")
	}

	nextDay := morning.Add(24 * time.Hour)
	if Fingerprint(d, morning) == Fingerprint(d, nextDay) {
		t.Error("Fingerprint() should change across UTC days")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	base := notifier.Draft{Title: "Brass: Birmingham", StoreID: "hobbygames", Price: price("5990"), Edition: "deluxe"}
	baseHash := Fingerprint(&base, now)

	tests := []struct {
		name   string
		mutate func(d *notifier.Draft)
	}{
		{"title", func(d *notifier.Draft) { d.Title = "Brass: Lancashire" }},
		{"store", func(d *notifier.Draft) { d.StoreID = "lavkaigr" }},
		{"edition", func(d *notifier.Draft) { d.Edition = "collector" }},
		{"price", func(d *notifier.Draft) { d.Price = price("5991") }},
		{"price removed", func(d *notifier.Draft) { d.Price = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base
			tt.mutate(&d)
			if Fingerprint(&d, now) == baseHash {
				t.Errorf("Fingerprint() unchanged after changing %s", tt.name)
			}
		})
	}

	t.Run("sub-rounding price change", func(t *testing.T) {
		d := base
		d.Price = price("5990.2")
		if Fingerprint(&d, now) != baseHash {
			t.Error("Fingerprint() changed for a price that rounds to the same integer")
		}
	})

	t.Run("kind is not part of the signature", func(t *testing.T) {
		d := base
		d.Kind = notifier.KindDiscount
		if Fingerprint(&d, now) != baseHash {
			t.Error("Fingerprint() changed when only kind changed")
		}
	})
}

func TestFingerprintBankersRounding(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sig := func(p string) string {
		return Fingerprint(&notifier.Draft{Title: "Azul", Price: price(p)}, now)
	}
	if sig("2500.5") != sig("2500") {
		t.Error("2500.5 should round half to even (2500)")
	}
	if sig("2501.5") != sig("2502") {
		t.Error("2501.5 should round half to even (2502)")
	}
}

type fakeFinder struct {
	events map[string]*notifier.Event
	err    error
}

func (f *fakeFinder) FindEventBySignature(_ context.Context, hash string) (*notifier.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events[hash], nil
}

func TestStoreIndexIsDuplicate(t *testing.T) {
	now := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	finder := &fakeFinder{events: map[string]*notifier.Event{
		"recent": {SignatureHash: "recent", CreatedAt: now.Add(-2 * time.Hour)},
		"old":    {SignatureHash: "old", CreatedAt: now.Add(-48 * time.Hour)},
	}}
	idx := NewStoreIndex(finder, func() time.Time { return now })
	ctx := context.Background()

	tests := []struct {
		hash   string
		window time.Duration
		want   bool
	}{
		{"recent", 24 * time.Hour, true},
		{"old", 24 * time.Hour, false},
		{"old", 72 * time.Hour, true},
		{"missing", 72 * time.Hour, false},
	}
	for _, tt := range tests {
		got, err := idx.IsDuplicate(ctx, tt.hash, tt.window)
		if err != nil {
			t.Fatalf("IsDuplicate(%s, %v) error = %v", tt.hash, tt.window, err)
		}
		if got != tt.want {
			t.Errorf("IsDuplicate(%s, %v) = %v, want %v", tt.hash, tt.window, got, tt.want)
		}
	}

	if _, err := idx.IsDuplicate(ctx, "recent", 0); err == nil {
		t.Error("IsDuplicate() with zero window should fail")
	}
}

func TestStoreIndexPropagatesErrors(t *testing.T) {
	boom := errors.New("storage unavailable")
	idx := NewStoreIndex(&fakeFinder{err: boom}, nil)
	if _, err := idx.IsDuplicate(context.Background(), "x", time.Hour); !errors.Is(err, boom) {
		t.Errorf("IsDuplicate() error = %v, want wrapped %v", err, boom)
	}
}

// TestRedisIndexClaim runs against a real Redis when REDIS_URL is set.
func TestRedisIndexClaim(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if testing.Short() || redisURL == "" {
		t.Skip("skipping Redis integration test (REDIS_URL not set)")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	idx := NewRedisIndex(client, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	ctx := context.Background()
	hash := Fingerprint(&notifier.Draft{Title: "redis-claim-test"}, time.Now())
	t.Cleanup(func() { _ = idx.Release(ctx, hash) })

	ok, err := idx.Claim(ctx, hash, "event-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Claim() = %v, %v; want true, nil", ok, err)
	}
	ok, err = idx.Claim(ctx, hash, "event-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second Claim() = %v, %v; want false, nil", ok, err)
	}
	dup, err := idx.IsDuplicate(ctx, hash, time.Minute)
	if err != nil || !dup {
		t.Errorf("IsDuplicate() = %v, %v; want true, nil", dup, err)
	}
}
