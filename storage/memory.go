package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"boardgame-notifier/pkg/notifier"
)

// Memory is an in-process store with the same semantics as Store. Used for tests
// and for running without any persistence configured.
type Memory struct {
	mu            sync.Mutex
	games         []*notifier.Game
	rules         map[string]*notifier.Rule
	events        map[string]*notifier.Event
	notifications []*notifier.Notification
	prices        []*notifier.PricePoint
	push          map[string]*notifier.PushSubscription
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rules:  make(map[string]*notifier.Rule),
		events: make(map[string]*notifier.Event),
		push:   make(map[string]*notifier.PushSubscription),
	}
}

// Games returns the catalog in insertion order.
func (m *Memory) Games(context.Context) ([]*notifier.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*notifier.Game(nil), m.games...), nil
}

// SaveGame adds or replaces a catalog game.
func (m *Memory) SaveGame(_ context.Context, g *notifier.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.games {
		if existing.ID == g.ID {
			m.games[i] = g
			return nil
		}
	}
	m.games = append(m.games, g)
	return nil
}

// SaveRule adds or replaces a rule.
func (m *Memory) SaveRule(_ context.Context, r *notifier.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return nil
}

// EnabledRules returns enabled rules ordered by ID.
func (m *Memory) EnabledRules(context.Context) ([]*notifier.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notifier.Rule
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateEvent stores ev unless its signature is held by an event created at or after
// staleBefore.
func (m *Memory) CreateEvent(_ context.Context, ev *notifier.Event, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.events[ev.SignatureHash]; ok && !prev.CreatedAt.Before(staleBefore) {
		return ErrDuplicate
	}
	m.events[ev.SignatureHash] = ev
	return nil
}

// FindEventBySignature returns the event with signature, or nil.
func (m *Memory) FindEventBySignature(_ context.Context, signature string) (*notifier.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[signature], nil
}

// Events returns all stored events ordered by creation time.
func (m *Memory) Events() []*notifier.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*notifier.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PruneEvents deletes events created before cutoff.
func (m *Memory) PruneEvents(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for sig, ev := range m.events {
		if ev.CreatedAt.Before(cutoff) {
			delete(m.events, sig)
			removed++
		}
	}
	return removed, nil
}

// SaveNotification appends n.
func (m *Memory) SaveNotification(_ context.Context, n *notifier.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

// LastSent returns the rule's sent notification with the latest SentAt, or nil.
func (m *Memory) LastSent(_ context.Context, ruleID string) (*notifier.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *notifier.Notification
	for _, n := range m.notifications {
		if n.RuleID != ruleID || n.Status != notifier.StatusSent || n.SentAt == nil {
			continue
		}
		if last == nil || n.SentAt.After(*last.SentAt) {
			last = n
		}
	}
	return last, nil
}

// Notifications returns the rule's notifications in insertion order.
func (m *Memory) Notifications(_ context.Context, ruleID string) ([]*notifier.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notifier.Notification
	for _, n := range m.notifications {
		if n.RuleID == ruleID {
			out = append(out, n)
		}
	}
	return out, nil
}

// RecordPrice appends a price observation.
func (m *Memory) RecordPrice(_ context.Context, p *notifier.PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = append(m.prices, p)
	return nil
}

// Prices returns all recorded price observations.
func (m *Memory) Prices() []*notifier.PricePoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*notifier.PricePoint(nil), m.prices...)
}

// SavePushSubscription stores a Web Push endpoint.
func (m *Memory) SavePushSubscription(_ context.Context, sub *notifier.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push[sub.Endpoint] = sub
	return nil
}

// DeletePushSubscription removes a Web Push endpoint.
func (m *Memory) DeletePushSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.push, endpoint)
	return nil
}

// PushSubscriptions returns all Web Push endpoints ordered by endpoint.
func (m *Memory) PushSubscriptions(context.Context) ([]*notifier.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*notifier.PushSubscription, 0, len(m.push))
	for _, s := range m.push {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}
