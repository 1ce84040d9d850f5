package match

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"boardgame-notifier/pkg/notifier"
)

type staticCatalog []*notifier.Game

func (c staticCatalog) Games(context.Context) ([]*notifier.Game, error) {
	return c, nil
}

type failingCatalog struct{}

func (failingCatalog) Games(context.Context) ([]*notifier.Game, error) {
	return nil, errors.New("catalog offline")
}

type stubAssist struct {
	err        error
	index      int
	confidence float64
	calls      int
}

func (s *stubAssist) BestGuessMatch(context.Context, string, []string) (int, float64, error) {
	s.calls++
	return s.index, s.confidence, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCatalog() staticCatalog {
	return staticCatalog{
		{ID: "g-dune", Title: "Dune: Imperium", Synonyms: []string{"Dune Imperium RU"}, Publisher: "Dire Wolf"},
		{ID: "g-case", Title: "Громкое дело", Publisher: "Правильные игры"},
		{ID: "g-brass", Title: "Brass: Birmingham", Synonyms: []string{"Брасс Бирмингем"}},
		{ID: "g-tzolkin", Title: "Tzolk'in"},
	}
}

func TestMatchTiers(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		wantID   string
		wantTier Tier
	}{
		{"exact title", "Dune: Imperium", "g-dune", TierExact},
		{"exact title with noise", "DUNE  imperium. Настольная игра", "g-dune", TierExact},
		{"exact synonym", "Dune Imperium RU", "g-dune", TierExact},
		{"exact cyrillic synonym", "брасс бирмингем", "g-brass", TierExact},
		{"query contains title", "Громкое дело: коробка с дефектом", "g-case", TierContains},
		{"title contains query", "Birmingham", "g-brass", TierContains},
		{"typo resolves via fuzzy", "Dune Imperum", "g-dune", TierFuzzy},
		{"apostrophe dropped", "Tzolkin", "g-tzolkin", TierExact},
		{"unrelated title", "Catan", "", TierNone},
	}

	m := New(testCatalog(), nil, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, tier, err := m.Match(context.Background(), tt.title, DefaultThreshold)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if tier != tt.wantTier {
				t.Errorf("Match(%q) tier = %s, want %s", tt.title, tier, tt.wantTier)
			}
			gotID := ""
			if g != nil {
				gotID = g.ID
			}
			if gotID != tt.wantID {
				t.Errorf("Match(%q) game = %q, want %q", tt.title, gotID, tt.wantID)
			}
		})
	}
}

func TestMatchThresholdIsTunable(t *testing.T) {
	m := New(testCatalog(), nil, testLogger())
	ctx := context.Background()

	// "dune imperum" vs "dune imperium" scores 92.
	if g, _, _ := m.Match(ctx, "Dune Imperum", 0.95); g != nil {
		t.Errorf("Match() with threshold 0.95 = %q, want no match", g.Title)
	}
	if g, _, _ := m.Match(ctx, "Dune Imperum", 0.9); g == nil {
		t.Error("Match() with threshold 0.9 found nothing, want Dune: Imperium")
	}
}

func TestMatchStopWordOnlyTitle(t *testing.T) {
	catalog := append(testCatalog(), &notifier.Game{ID: "g-empty", Title: "Deluxe Edition"})
	m := New(catalog, nil, testLogger())

	g, tier, err := m.Match(context.Background(), "Настольная игра", DefaultThreshold)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if g != nil || tier != TierNone {
		t.Errorf("Match() = %v/%s, want no match for a stop-word-only title", g, tier)
	}
}

func TestMatchAssist(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted above confidence bar", func(t *testing.T) {
		assist := &stubAssist{index: 1, confidence: 0.9}
		g, tier, err := New(testCatalog(), assist, testLogger()).Match(ctx, "Catan", DefaultThreshold)
		if err != nil {
			t.Fatalf("Match() error = %v", err)
		}
		if g == nil || g.ID != "g-case" || tier != TierAssist {
			t.Errorf("Match() = %v/%s, want g-case/assist", g, tier)
		}
	})

	t.Run("rejected at confidence bar", func(t *testing.T) {
		assist := &stubAssist{index: 1, confidence: 0.7}
		g, tier, _ := New(testCatalog(), assist, testLogger()).Match(ctx, "Catan", DefaultThreshold)
		if g != nil || tier != TierNone {
			t.Errorf("Match() = %v/%s, want none", g, tier)
		}
	})

	t.Run("out of range index", func(t *testing.T) {
		assist := &stubAssist{index: 17, confidence: 0.99}
		if g, _, _ := New(testCatalog(), assist, testLogger()).Match(ctx, "Catan", DefaultThreshold); g != nil {
			t.Errorf("Match() = %v, want none", g)
		}
	})

	t.Run("unavailable is not an error", func(t *testing.T) {
		assist := &stubAssist{err: errors.New("connection refused")}
		g, tier, err := New(testCatalog(), assist, testLogger()).Match(ctx, "Catan", DefaultThreshold)
		if err != nil {
			t.Fatalf("Match() error = %v, want nil", err)
		}
		if g != nil || tier != TierNone {
			t.Errorf("Match() = %v/%s, want none", g, tier)
		}
	})

	t.Run("not consulted when an earlier tier matches", func(t *testing.T) {
		assist := &stubAssist{index: 2, confidence: 0.99}
		g, _, _ := New(testCatalog(), assist, testLogger()).Match(ctx, "Dune: Imperium", DefaultThreshold)
		if g == nil || g.ID != "g-dune" {
			t.Errorf("Match() = %v, want g-dune", g)
		}
		if assist.calls != 0 {
			t.Errorf("assist called %d times, want 0", assist.calls)
		}
	})
}

type slowAssist struct{}

func (slowAssist) BestGuessMatch(ctx context.Context, _ string, _ []string) (int, float64, error) {
	<-ctx.Done()
	return -1, 0, ctx.Err()
}

func TestMatchAssistTimeout(t *testing.T) {
	m := New(testCatalog(), slowAssist{}, testLogger())
	m.assistTimeout = 20 * time.Millisecond

	start := time.Now()
	g, tier, err := m.Match(context.Background(), "Catan", DefaultThreshold)
	if err != nil || g != nil || tier != TierNone {
		t.Errorf("Match() = %v/%s/%v, want no match", g, tier, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Match() took %v, want the assist cut off", elapsed)
	}
}

func TestMatchCatalogError(t *testing.T) {
	if _, _, err := New(failingCatalog{}, nil, testLogger()).Match(context.Background(), "Azul", 0); err == nil {
		t.Error("Match() error = nil, want catalog error")
	}
}

func TestSuggest(t *testing.T) {
	m := New(testCatalog(), nil, testLogger())
	got, err := m.Suggest(context.Background(), "Dune Imperum", 5)
	if err != nil {
		t.Fatalf("Suggest() error = %v", err)
	}
	if len(got) == 0 || got[0].Game.ID != "g-dune" {
		t.Fatalf("Suggest() = %+v, want Dune first", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("Suggest() not sorted: %d before %d", got[i-1].Score, got[i].Score)
		}
	}
	for _, s := range got {
		if s.Score <= SuggestionFloor {
			t.Errorf("Suggest() returned %q with score %d at or below floor", s.Game.Title, s.Score)
		}
	}

	limited, _ := m.Suggest(context.Background(), "Dune Imperum", 0)
	if len(limited) > DefaultSuggestions {
		t.Errorf("Suggest() with limit 0 returned %d, want at most %d", len(limited), DefaultSuggestions)
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 100},
		{"azul", "azul", 100},
		{"azul", "", 0},
		{"dune imperum", "dune imperium", 92},
		{"громкое дело", "громкое делo", 92}, // latin "o" at the end
	}
	for _, tt := range tests {
		if got := Ratio(tt.a, tt.b); got != tt.want {
			t.Errorf("Ratio(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
