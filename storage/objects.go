package storage

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"boardgame-notifier/pkg/notifier"
)

var (
	idPattern        = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	signaturePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Object key layout.
const (
	gamesPrefix         = "games/"
	rulesPrefix         = "rules/"
	eventsPrefix        = "events/"
	notificationsPrefix = "notifications/"
	lastSentPrefix      = "lastsent/"
	pricesPrefix        = "prices/"
	pushPrefix          = "push/"
)

// ValidID reports whether id can name a game, rule or notification object.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// idKey builds prefix+id+".json", rejecting ids that could escape the prefix.
func idKey(prefix, id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("invalid id %q", id)
	}
	return prefix + id + ".json", nil
}

// EventKey returns the object key of an event signature. Empty if the signature is malformed.
func EventKey(signature string) string {
	if !signaturePattern.MatchString(signature) {
		return ""
	}
	return eventsPrefix + signature + ".json"
}

func (s *Store) saveJSON(ctx context.Context, key string, v any, ifAbsent bool) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.write(ctx, key, data, ifAbsent)
}

func (s *Store) loadJSON(ctx context.Context, key string, v any) error {
	data, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// loadAll decodes every object under prefix. Undecodable objects are logged and skipped.
func loadAll[T any](ctx context.Context, s *Store, prefix string) ([]*T, error) {
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		v := new(T)
		if err := s.loadJSON(ctx, key, v); err != nil {
			s.logger.Warn("Failed to load object", "key", key, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Games returns the catalog. Results are cached briefly since every draft is matched against it.
func (s *Store) Games(ctx context.Context) ([]*notifier.Game, error) {
	s.mu.Lock()
	if s.games != nil && time.Since(s.gamesLoaded) < catalogTTL {
		games := s.games
		s.mu.Unlock()
		return games, nil
	}
	s.mu.Unlock()

	games, err := loadAll[notifier.Game](ctx, s, gamesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}

	s.mu.Lock()
	s.games, s.gamesLoaded = games, time.Now()
	s.mu.Unlock()
	return games, nil
}

// SaveGame stores a catalog game.
func (s *Store) SaveGame(ctx context.Context, g *notifier.Game) error {
	key, err := idKey(gamesPrefix, g.ID)
	if err != nil {
		return err
	}
	if err := s.saveJSON(ctx, key, g, false); err != nil {
		return err
	}
	s.mu.Lock()
	s.games = nil
	s.mu.Unlock()
	s.logger.Info("Game saved", "id", g.ID, "title", g.Title, "synonyms", len(g.Synonyms))
	return nil
}

// SaveRule stores an alert rule. Callers validate rules first.
func (s *Store) SaveRule(ctx context.Context, r *notifier.Rule) error {
	key, err := idKey(rulesPrefix, r.ID)
	if err != nil {
		return err
	}
	if err := s.saveJSON(ctx, key, r, false); err != nil {
		return err
	}
	s.logger.Info("Rule saved", "id", r.ID, "name", r.Name, "enabled", r.Enabled)
	return nil
}

// EnabledRules returns all rules with Enabled set.
func (s *Store) EnabledRules(ctx context.Context) ([]*notifier.Rule, error) {
	all, err := loadAll[notifier.Rule](ctx, s, rulesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	enabled := all[:0]
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

// CreateEvent persists ev keyed by its signature. An existing event with the same
// signature is replaced only when it was created before staleBefore; otherwise
// CreateEvent returns ErrDuplicate. This keeps the fingerprint a uniqueness constraint
// inside the dedup window even when two drafts race past the duplicate check.
func (s *Store) CreateEvent(ctx context.Context, ev *notifier.Event, staleBefore time.Time) error {
	key := EventKey(ev.SignatureHash)
	if key == "" {
		return fmt.Errorf("invalid signature %q", ev.SignatureHash)
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	err = s.write(ctx, key, data, true)
	if IsDuplicate(err) {
		err = s.replaceStale(ctx, key, data, staleBefore)
	}
	if err != nil {
		return err
	}
	s.logger.Info("Event saved", "id", ev.ID, "signature", ev.SignatureHash, "title", ev.Title, "game_id", ev.GameID)
	return nil
}

func (s *Store) replaceStale(ctx context.Context, key string, data []byte, staleBefore time.Time) error {
	s.replaceMu.Lock()
	defer s.replaceMu.Unlock()

	old, generation, err := s.readObject(ctx, key)
	if IsNotFound(err) {
		return s.write(ctx, key, data, true)
	}
	if err != nil {
		return err
	}
	var prev notifier.Event
	if err := json.Unmarshal(old, &prev); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	if !prev.CreatedAt.Before(staleBefore) {
		return ErrDuplicate
	}
	if err := s.replace(ctx, key, data, generation); err != nil {
		return err
	}
	s.logger.Info("Stale event replaced", "key", key, "previous_id", prev.ID, "previous_created_at", prev.CreatedAt)
	return nil
}

// FindEventBySignature returns the event with signature, or nil if there is none.
func (s *Store) FindEventBySignature(ctx context.Context, signature string) (*notifier.Event, error) {
	key := EventKey(signature)
	if key == "" {
		return nil, fmt.Errorf("invalid signature %q", signature)
	}
	var ev notifier.Event
	if err := s.loadJSON(ctx, key, &ev); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

// PruneEvents deletes events created before cutoff and returns how many were removed.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int, error) {
	events, err := loadAll[notifier.Event](ctx, s, eventsPrefix)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	removed := 0
	var errs []error
	for _, ev := range events {
		if !ev.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.remove(ctx, EventKey(ev.SignatureHash)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Old events pruned", "count", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
	return removed, errors.Join(errs...)
}

// SaveNotification stores n. A sent notification also becomes the rule's cooldown anchor.
func (s *Store) SaveNotification(ctx context.Context, n *notifier.Notification) error {
	if _, err := idKey(notificationsPrefix, n.RuleID); err != nil {
		return err
	}
	if _, err := idKey(notificationsPrefix, n.ID); err != nil {
		return err
	}
	// Zero-padded nanos keep keys in creation order.
	key := fmt.Sprintf("%s%s/%020d-%s.json", notificationsPrefix, n.RuleID, n.CreatedAt.UnixNano(), n.ID)
	if err := s.saveJSON(ctx, key, n, false); err != nil {
		return err
	}
	if n.Status == notifier.StatusSent {
		if err := s.saveJSON(ctx, lastSentPrefix+n.RuleID+".json", n, false); err != nil {
			return fmt.Errorf("update cooldown anchor: %w", err)
		}
	}
	return nil
}

// LastSent returns the rule's most recent sent notification, or nil.
func (s *Store) LastSent(ctx context.Context, ruleID string) (*notifier.Notification, error) {
	key, err := idKey(lastSentPrefix, ruleID)
	if err != nil {
		return nil, err
	}
	var n notifier.Notification
	if err := s.loadJSON(ctx, key, &n); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// Notifications returns every notification recorded for a rule, oldest first.
func (s *Store) Notifications(ctx context.Context, ruleID string) ([]*notifier.Notification, error) {
	if _, err := idKey(notificationsPrefix, ruleID); err != nil {
		return nil, err
	}
	return loadAll[notifier.Notification](ctx, s, notificationsPrefix+ruleID+"/")
}

// RecordPrice appends a price observation.
func (s *Store) RecordPrice(ctx context.Context, p *notifier.PricePoint) error {
	if _, err := idKey(pricesPrefix, p.GameID); err != nil {
		return err
	}
	if _, err := idKey(pricesPrefix, p.StoreID); err != nil {
		return err
	}
	key := pricesPrefix + p.GameID + "/" + p.StoreID + "-" + strconv.FormatInt(p.ObservedAt.UnixNano(), 10) + ".json"
	return s.saveJSON(ctx, key, p, false)
}

func pushKey(endpoint string) string {
	return fmt.Sprintf("%s%x.json", pushPrefix, sha256.Sum256([]byte(endpoint)))
}

// SavePushSubscription stores a Web Push endpoint.
func (s *Store) SavePushSubscription(ctx context.Context, sub *notifier.PushSubscription) error {
	return s.saveJSON(ctx, pushKey(sub.Endpoint), sub, false)
}

// DeletePushSubscription removes a Web Push endpoint.
func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	return s.remove(ctx, pushKey(endpoint))
}

// PushSubscriptions returns all Web Push endpoints.
func (s *Store) PushSubscriptions(ctx context.Context) ([]*notifier.PushSubscription, error) {
	return loadAll[notifier.PushSubscription](ctx, s, pushPrefix)
}
