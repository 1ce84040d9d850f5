// Package match resolves free-text listing titles to catalog games.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"boardgame-notifier/normalize"
	"boardgame-notifier/pkg/notifier"

	"github.com/agnivade/levenshtein"
)

const (
	// DefaultThreshold is the minimum fuzzy similarity (0..1) for a match.
	DefaultThreshold = 0.75
	// AssistMinConfidence is the confidence an external assist must exceed.
	AssistMinConfidence = 0.7
	// SuggestionFloor is the score (0..100) a suggestion must exceed.
	SuggestionFloor = 50
	// DefaultSuggestions is the suggestion count when the caller passes none.
	DefaultSuggestions = 5
	// AssistTimeout bounds one assist consultation.
	AssistTimeout = 10 * time.Second
)

// Tier names the resolution step that produced a match.
type Tier string

// Match tiers in resolution order.
const (
	TierExact    Tier = "exact"
	TierContains Tier = "contains"
	TierFuzzy    Tier = "fuzzy"
	TierAssist   Tier = "assist"
	TierNone     Tier = "none"
)

// Catalog provides the games to match against.
type Catalog interface {
	Games(ctx context.Context) ([]*notifier.Game, error)
}

// Assist is an optional external best-guess matcher. Any error means "no opinion".
type Assist interface {
	BestGuessMatch(ctx context.Context, title string, candidates []string) (index int, confidence float64, err error)
}

// Suggestion is a catalog game with its similarity score.
type Suggestion struct {
	Game  *notifier.Game `json:"game"`
	Score int            `json:"score"`
}

// Matcher resolves titles through exact, containment, fuzzy and assist tiers.
type Matcher struct {
	catalog       Catalog
	assist        Assist // nil disables the assist tier
	logger        *slog.Logger
	assistTimeout time.Duration
}

// New creates a matcher. assist may be nil.
func New(catalog Catalog, assist Assist, logger *slog.Logger) *Matcher {
	return &Matcher{catalog: catalog, assist: assist, logger: logger, assistTimeout: AssistTimeout}
}

// entry is a game with its pre-normalized names (title first, then synonyms).
type entry struct {
	game  *notifier.Game
	names []string
}

func (m *Matcher) entries(ctx context.Context) ([]entry, error) {
	games, err := m.catalog.Games(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	out := make([]entry, 0, len(games))
	for _, g := range games {
		names := make([]string, 0, 1+len(g.Synonyms))
		names = append(names, normalize.Title(g.Title))
		for _, s := range g.Synonyms {
			names = append(names, normalize.Title(s))
		}
		out = append(out, entry{game: g, names: names})
	}
	return out, nil
}

// Match returns the catalog game for title, or nil with TierNone if nothing resolves.
// threshold is a 0..1 similarity; values <= 0 use DefaultThreshold.
// Only catalog load failures are returned as errors.
func (m *Matcher) Match(ctx context.Context, title string, threshold float64) (*notifier.Game, Tier, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	entries, err := m.entries(ctx)
	if err != nil {
		return nil, TierNone, err
	}

	query := normalize.Title(title)

	// A title made only of stop words would "equal" any empty catalog name.
	score := 0
	if query != "" {
		if g := exact(entries, query); g != nil {
			return g, TierExact, nil
		}
		if g := containing(entries, query); g != nil {
			return g, TierContains, nil
		}

		var best *notifier.Game
		best, score = bestScore(entries, query)
		if best != nil && float64(score) >= threshold*100 {
			m.logger.Info("Fuzzy match found", "title", title, "game", best.Title, "score", score)
			return best, TierFuzzy, nil
		}
	}

	if g := m.askAssist(ctx, title, entries); g != nil {
		return g, TierAssist, nil
	}

	m.logger.Info("No match found", "title", title, "best_score", score)
	return nil, TierNone, nil
}

func exact(entries []entry, query string) *notifier.Game {
	for _, e := range entries {
		for _, name := range e.names {
			if name == query {
				return e.game
			}
		}
	}
	return nil
}

func containing(entries []entry, query string) *notifier.Game {
	for _, e := range entries {
		for _, name := range e.names {
			if name == "" {
				continue
			}
			if strings.Contains(query, name) || strings.Contains(name, query) {
				return e.game
			}
		}
	}
	return nil
}

// bestScore returns the game with the highest similarity to query. Ties keep catalog order.
func bestScore(entries []entry, query string) (*notifier.Game, int) {
	var best *notifier.Game
	bestScore := 0
	for _, e := range entries {
		if s := entryScore(e, query); s > bestScore {
			best, bestScore = e.game, s
		}
	}
	return best, bestScore
}

func entryScore(e entry, query string) int {
	top := 0
	for _, name := range e.names {
		if s := Ratio(query, name); s > top {
			top = s
		}
	}
	return top
}

func (m *Matcher) askAssist(ctx context.Context, title string, entries []entry) *notifier.Game {
	if m.assist == nil || len(entries) == 0 {
		return nil
	}

	candidates := make([]string, len(entries))
	for i, e := range entries {
		candidates[i] = e.game.Title
	}

	ctx, cancel := context.WithTimeout(ctx, m.assistTimeout)
	defer cancel()
	idx, confidence, err := m.assist.BestGuessMatch(ctx, title, candidates)
	if err != nil {
		m.logger.Debug("Match assist unavailable", "title", title, "error", err)
		return nil
	}
	if idx < 0 || idx >= len(entries) || confidence <= AssistMinConfidence {
		m.logger.Debug("Match assist below confidence bar", "title", title, "index", idx, "confidence", confidence)
		return nil
	}

	m.logger.Info("Assist match found", "title", title, "game", entries[idx].game.Title, "confidence", confidence)
	return entries[idx].game
}

// Suggest returns up to limit catalog games ranked by similarity to title,
// keeping only scores above SuggestionFloor.
func (m *Matcher) Suggest(ctx context.Context, title string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = DefaultSuggestions
	}

	entries, err := m.entries(ctx)
	if err != nil {
		return nil, err
	}

	query := normalize.Title(title)
	if query == "" {
		return nil, nil
	}

	var out []Suggestion
	for _, e := range entries {
		if s := entryScore(e, query); s > SuggestionFloor {
			out = append(out, Suggestion{Game: e.game, Score: s})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ratio is a 0..100 similarity based on Levenshtein distance over runes.
func Ratio(a, b string) int {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	return int(math.Round(100 * (1 - float64(dist)/float64(longest))))
}
