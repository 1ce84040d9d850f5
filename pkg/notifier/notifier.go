// Package notifier contains the core domain types for the board game listing notifier.
package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidDraft is returned when a draft fails basic shape validation.
var ErrInvalidDraft = errors.New("invalid draft")

// Kind is the type of listing event.
type Kind string

// Listing event kinds.
const (
	KindAnnounce Kind = "announce"
	KindPreorder Kind = "preorder"
	KindRelease  Kind = "release"
	KindDiscount Kind = "discount"
	KindPrice    Kind = "price"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAnnounce, KindPreorder, KindRelease, KindDiscount, KindPrice:
		return true
	}
	return false
}

// Emoji returns the marker shown in front of a listing of this kind.
func (k Kind) Emoji() string {
	switch k {
	case KindPreorder:
		return "🎯"
	case KindRelease:
		return "🎉"
	case KindDiscount:
		return "💰"
	case KindPrice:
		return "💵"
	default:
		return "📢"
	}
}

// Draft is an unvalidated candidate listing produced by an ingestion source.
type Draft struct {
	Price       *decimal.Decimal `json:"price,omitempty"`
	DiscountPct *decimal.Decimal `json:"discount_pct,omitempty"`
	InStock     *bool            `json:"in_stock,omitempty"`
	Title       string           `json:"title"`
	StoreID     string           `json:"store_id,omitempty"`
	Kind        Kind             `json:"kind,omitempty"`
	Edition     string           `json:"edition,omitempty"`
	URL         string           `json:"url,omitempty"`
	SourceID    string           `json:"source_id,omitempty"`
}

// Validate rejects drafts that cannot be fingerprinted.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidDraft)
	}
	if d.Price != nil && d.Price.IsNegative() {
		return fmt.Errorf("%w: negative price %s", ErrInvalidDraft, d.Price)
	}
	if d.Kind != "" && !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDraft, d.Kind)
	}
	return nil
}

// Event is a deduplicated, persisted, optionally game-linked listing.
type Event struct {
	CreatedAt     time.Time        `json:"created_at"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	DiscountPct   *decimal.Decimal `json:"discount_pct,omitempty"`
	InStock       *bool            `json:"in_stock,omitempty"`
	ID            string           `json:"id"`
	GameID        string           `json:"game_id,omitempty"` // Empty when no catalog game matched
	Title         string           `json:"title"`
	StoreID       string           `json:"store_id,omitempty"`
	Kind          Kind             `json:"kind"`
	Edition       string           `json:"edition,omitempty"`
	URL           string           `json:"url,omitempty"`
	SourceID      string           `json:"source_id,omitempty"`
	SignatureHash string           `json:"signature_hash"`
}

// Game is a catalog entry that listings are matched against.
type Game struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Publisher string   `json:"publisher,omitempty"`
	Synonyms  []string `json:"synonyms,omitempty"`
}

// Logic combines condition results.
type Logic string

// Rule logic values.
const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition operators.
const (
	OpIn          = "in"
	OpContains    = "contains"
	OpContainsAny = "contains_any"
	OpGTE         = ">="
	OpLTE         = "<="
	OpEq          = "="
)

// Condition fields.
const (
	FieldTitle       = "title"
	FieldPrice       = "price"
	FieldDiscountPct = "discount_pct"
	FieldStoreID     = "store_id"
	FieldInStock     = "in_stock"
	FieldKind        = "kind"
	FieldGame        = "game"
)

// Condition is a single predicate over an event field.
type Condition struct {
	Value any    `json:"value"`
	Field string `json:"field"`
	Op    string `json:"op"`
}

// Rule is a user-owned alert rule.
type Rule struct {
	CreatedAt     time.Time   `json:"created_at"`
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Logic         Logic       `json:"logic"`
	Conditions    []Condition `json:"conditions"`
	Channels      []string    `json:"channels"`
	CooldownHours int         `json:"cooldown_hours"`
	Enabled       bool        `json:"enabled"`
}

// Cooldown returns the rule's re-notification window.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

// Status is the delivery state of a notification.
type Status string

// Notification statuses.
const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusError    Status = "error"
	StatusDeferred Status = "deferred"
)

// Notification records one rule firing for one event.
type Notification struct {
	CreatedAt time.Time      `json:"created_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	EventID   string         `json:"event_id"`
	Status    Status         `json:"status"`
}

// Payload is the channel-neutral notification content.
type Payload struct {
	Price       *decimal.Decimal `json:"price,omitempty"`
	DiscountPct *decimal.Decimal `json:"discount_pct,omitempty"`
	InStock     *bool            `json:"in_stock,omitempty"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	URL         string           `json:"url,omitempty"`
	Kind        Kind             `json:"kind,omitempty"`
	StoreID     string           `json:"store_id,omitempty"`
	GameTitle   string           `json:"game_title,omitempty"`
}

// PushSubscription is a browser Web Push endpoint.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// PricePoint is one observed price for a game at a store.
type PricePoint struct {
	ObservedAt time.Time       `json:"observed_at"`
	Price      decimal.Decimal `json:"price"`
	GameID     string          `json:"game_id"`
	StoreID    string          `json:"store_id"`
}
