// Package pipeline turns ingested listing drafts into stored events and fires the
// alert rules they satisfy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"boardgame-notifier/dedup"
	"boardgame-notifier/dispatch"
	"boardgame-notifier/match"
	"boardgame-notifier/metrics"
	"boardgame-notifier/pkg/notifier"
	"boardgame-notifier/rules"
	"boardgame-notifier/storage"

	"github.com/google/uuid"
)

// DefaultDedupWindow is how far back a fingerprint counts as already seen.
const DefaultDedupWindow = 72 * time.Hour

// Store is the persistence the pipeline needs.
type Store interface {
	FindEventBySignature(ctx context.Context, signature string) (*notifier.Event, error)
	// CreateEvent fails with storage.ErrDuplicate unless any event holding the
	// signature was created before staleBefore.
	CreateEvent(ctx context.Context, ev *notifier.Event, staleBefore time.Time) error
	EnabledRules(ctx context.Context) ([]*notifier.Rule, error)
	SaveNotification(ctx context.Context, n *notifier.Notification) error
	LastSent(ctx context.Context, ruleID string) (*notifier.Notification, error)
	RecordPrice(ctx context.Context, p *notifier.PricePoint) error
}

// Matcher resolves a listing title to a catalog game.
type Matcher interface {
	Match(ctx context.Context, title string, threshold float64) (*notifier.Game, match.Tier, error)
}

// Dispatcher delivers a payload to named channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, channels []string, p *notifier.Payload) map[string]dispatch.Outcome
}

// Claimer is a shared fast-path dedup index in front of the store.
type Claimer interface {
	Claim(ctx context.Context, hash, eventID string, window time.Duration) (bool, error)
	Release(ctx context.Context, hash string) error
}

// Config tunes the pipeline. Zero values select defaults.
type Config struct {
	Claimer        Claimer // optional
	Metrics        *metrics.Metrics
	DedupWindow    time.Duration
	MatchThreshold float64
}

// NotifyError collects the per-rule failures of one event. The event itself is
// already persisted when this is returned.
type NotifyError struct {
	EventID string
	Errs    []error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify event %s: %v", e.EventID, errors.Join(e.Errs...))
}

func (e *NotifyError) Unwrap() []error { return e.Errs }

// Pipeline processes drafts one at a time. It is safe for concurrent use.
type Pipeline struct {
	store      Store
	index      dedup.Index
	claimer    Claimer
	matcher    Matcher
	gate       *rules.Gate
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	window     time.Duration
	threshold  float64
}

// New creates a pipeline.
func New(store Store, matcher Matcher, dispatcher Dispatcher, logger *slog.Logger, cfg Config) *Pipeline {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = match.DefaultThreshold
	}
	p := &Pipeline{
		store:      store,
		claimer:    cfg.Claimer,
		matcher:    matcher,
		gate:       rules.NewGate(store),
		dispatcher: dispatcher,
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        time.Now,
		window:     cfg.DedupWindow,
		threshold:  cfg.MatchThreshold,
	}
	p.index = dedup.NewStoreIndex(store, func() time.Time { return p.now() })
	return p
}

// ProcessDraft validates, deduplicates, matches and stores one draft, then notifies
// the rules it satisfies. It returns (nil, nil) when the draft is a duplicate.
// Rule failures are logged and never undo the stored event.
func (p *Pipeline) ProcessDraft(ctx context.Context, draft *notifier.Draft, sourceID string) (*notifier.Event, error) {
	start := p.now()
	now := start.UTC()

	d := *draft
	if d.SourceID == "" {
		d.SourceID = sourceID
	}
	if err := d.Validate(); err != nil {
		p.metrics.Draft(metrics.DraftInvalid, time.Since(start))
		p.logger.Info("Draft rejected", "source", d.SourceID, "error", err)
		return nil, err
	}

	hash := dedup.Fingerprint(&d, now)
	dup, err := p.index.IsDuplicate(ctx, hash, p.window)
	if err != nil {
		p.metrics.Draft(metrics.DraftFailed, time.Since(start))
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		p.duplicate(&d, hash, start)
		return nil, nil
	}

	eventID := uuid.NewString()
	claimed := false
	if p.claimer != nil {
		ok, err := p.claimer.Claim(ctx, hash, eventID, p.window)
		switch {
		case err != nil:
			// The store constraint still holds without the fast path.
			p.logger.Warn("Dedup claim failed, relying on store", "signature", hash, "error", err)
		case !ok:
			p.duplicate(&d, hash, start)
			return nil, nil
		default:
			claimed = true
		}
	}

	ev, game, err := p.persist(ctx, &d, hash, eventID, now)
	if err != nil {
		if claimed {
			if relErr := p.claimer.Release(ctx, hash); relErr != nil {
				p.logger.Warn("Failed to release dedup claim", "signature", hash, "error", relErr)
			}
		}
		if storage.IsDuplicate(err) {
			p.duplicate(&d, hash, start)
			return nil, nil
		}
		p.metrics.Draft(metrics.DraftFailed, time.Since(start))
		return nil, err
	}

	p.recordPrice(ctx, ev, now)
	p.metrics.Draft(metrics.DraftAccepted, time.Since(start))

	if err := p.Notify(ctx, ev, game); err != nil {
		p.logger.Warn("Notification fan-out incomplete", "event_id", ev.ID, "error", err)
	}
	return ev, nil
}

func (p *Pipeline) duplicate(d *notifier.Draft, hash string, start time.Time) {
	p.metrics.Draft(metrics.DraftDuplicate, time.Since(start))
	p.logger.Debug("Duplicate draft dropped", "title", d.Title, "store_id", d.StoreID, "signature", hash)
}

func (p *Pipeline) persist(ctx context.Context, d *notifier.Draft, hash, eventID string, now time.Time) (*notifier.Event, *notifier.Game, error) {
	game, tier, err := p.matcher.Match(ctx, d.Title, p.threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("match game: %w", err)
	}
	p.metrics.Match(string(tier))

	kind := d.Kind
	if kind == "" {
		kind = notifier.KindAnnounce
	}
	ev := &notifier.Event{
		ID:            eventID,
		Title:         d.Title,
		StoreID:       d.StoreID,
		Kind:          kind,
		Price:         d.Price,
		DiscountPct:   d.DiscountPct,
		InStock:       d.InStock,
		Edition:       d.Edition,
		URL:           d.URL,
		SourceID:      d.SourceID,
		SignatureHash: hash,
		CreatedAt:     now,
	}
	if game != nil {
		ev.GameID = game.ID
	}

	if err := p.store.CreateEvent(ctx, ev, now.Add(-p.window)); err != nil {
		if storage.IsDuplicate(err) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("create event: %w", err)
	}
	p.logger.Info("Event accepted",
		"event_id", ev.ID,
		"title", ev.Title,
		"store_id", ev.StoreID,
		"kind", ev.Kind,
		"game_id", ev.GameID,
		"match_tier", tier)
	return ev, game, nil
}

// recordPrice appends to the price history. Failures only cost history.
func (p *Pipeline) recordPrice(ctx context.Context, ev *notifier.Event, now time.Time) {
	if ev.Price == nil || ev.GameID == "" || ev.StoreID == "" {
		return
	}
	err := p.store.RecordPrice(ctx, &notifier.PricePoint{
		GameID:     ev.GameID,
		StoreID:    ev.StoreID,
		Price:      *ev.Price,
		ObservedAt: now,
	})
	if err != nil {
		p.logger.Warn("Failed to record price point", "event_id", ev.ID, "error", err)
	}
}

// Notify evaluates every enabled rule against ev and dispatches the ones that fire
// and are not cooling down. One rule's failure never stops the others; all failures
// are returned together as a *NotifyError.
func (p *Pipeline) Notify(ctx context.Context, ev *notifier.Event, game *notifier.Game) error {
	enabled, err := p.store.EnabledRules(ctx)
	if err != nil {
		return &NotifyError{EventID: ev.ID, Errs: []error{fmt.Errorf("list rules: %w", err)}}
	}

	payload := dispatch.BuildPayload(ev, game)
	var errs []error
	for _, rule := range enabled {
		if err := p.fire(ctx, rule, ev, game, payload); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}
	if len(errs) > 0 {
		return &NotifyError{EventID: ev.ID, Errs: errs}
	}
	return nil
}

func (p *Pipeline) fire(ctx context.Context, rule *notifier.Rule, ev *notifier.Event, game *notifier.Game, payload *notifier.Payload) error {
	if !rules.Evaluate(rule, ev, game) {
		p.metrics.Rule(metrics.RuleNoMatch)
		return nil
	}

	now := p.now().UTC()
	cooling, err := p.gate.InCooldown(ctx, rule, now)
	if err != nil {
		p.metrics.Rule(metrics.RuleFailed)
		return err
	}
	if cooling {
		p.metrics.Rule(metrics.RuleCooldown)
		p.logger.Debug("Rule in cooldown, skipping", "rule_id", rule.ID, "event_id", ev.ID, "cooldown_hours", rule.CooldownHours)
		return nil
	}

	outcomes := p.dispatcher.Dispatch(ctx, rule.Channels, payload)
	for name, o := range outcomes {
		p.metrics.Channel(name, o.OK, time.Duration(o.DurationMS)*time.Millisecond)
	}

	n := dispatch.Record(rule.ID, ev.ID, outcomes, now)
	if err := p.store.SaveNotification(ctx, n); err != nil {
		p.metrics.Rule(metrics.RuleFailed)
		return fmt.Errorf("save notification: %w", err)
	}

	p.logger.Info("Rule fired",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"event_id", ev.ID,
		"status", n.Status,
		"channels", len(outcomes))

	if n.Status != notifier.StatusSent {
		p.metrics.Rule(metrics.RuleError)
		return fmt.Errorf("all %d channels failed", len(outcomes))
	}
	p.metrics.Rule(metrics.RuleSent)
	return nil
}
