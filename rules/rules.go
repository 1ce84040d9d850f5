// Package rules evaluates alert rules against listing events and gates re-notification.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"boardgame-notifier/pkg/notifier"

	"github.com/shopspring/decimal"
)

// Cooldown bounds accepted at rule creation.
const (
	MinCooldownHours = 1
	MaxCooldownHours = 168
)

var knownOps = map[string]bool{
	notifier.OpIn: true, notifier.OpContains: true, notifier.OpContainsAny: true,
	notifier.OpGTE: true, notifier.OpLTE: true, notifier.OpEq: true,
}

var knownFields = map[string]bool{
	notifier.FieldTitle: true, notifier.FieldPrice: true, notifier.FieldDiscountPct: true,
	notifier.FieldStoreID: true, notifier.FieldInStock: true, notifier.FieldKind: true,
	notifier.FieldGame: true,
}

// Validate checks a rule before it is stored.
func Validate(r *notifier.Rule) error {
	var errs []error
	if r.Logic != notifier.LogicAnd && r.Logic != notifier.LogicOr {
		errs = append(errs, fmt.Errorf("logic must be AND or OR, got %q", r.Logic))
	}
	if len(r.Conditions) == 0 {
		errs = append(errs, errors.New("at least one condition is required"))
	}
	for i, c := range r.Conditions {
		if !knownFields[c.Field] {
			errs = append(errs, fmt.Errorf("condition %d: unknown field %q", i, c.Field))
		}
		if !knownOps[c.Op] {
			errs = append(errs, fmt.Errorf("condition %d: unknown operator %q", i, c.Op))
		}
	}
	if len(r.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel is required"))
	}
	if r.CooldownHours < MinCooldownHours || r.CooldownHours > MaxCooldownHours {
		errs = append(errs, fmt.Errorf("cooldown_hours must be %d..%d, got %d", MinCooldownHours, MaxCooldownHours, r.CooldownHours))
	}
	return errors.Join(errs...)
}

// Evaluate reports whether event satisfies rule. game is the resolved catalog game or nil.
func Evaluate(rule *notifier.Rule, event *notifier.Event, game *notifier.Game) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	all := rule.Logic == notifier.LogicAnd
	for _, c := range rule.Conditions {
		ok := evalCondition(fieldValue(event, game, c.Field), c.Op, c.Value)
		if all && !ok {
			return false
		}
		if !all && ok {
			return true
		}
	}
	return all
}

// fieldValue extracts a field as string, decimal.Decimal or bool. nil means absent.
func fieldValue(ev *notifier.Event, game *notifier.Game, field string) any {
	switch field {
	case notifier.FieldTitle:
		return nonEmpty(ev.Title)
	case notifier.FieldStoreID:
		return nonEmpty(ev.StoreID)
	case notifier.FieldKind:
		return nonEmpty(string(ev.Kind))
	case notifier.FieldPrice:
		if ev.Price != nil {
			return *ev.Price
		}
	case notifier.FieldDiscountPct:
		if ev.DiscountPct != nil {
			return *ev.DiscountPct
		}
	case notifier.FieldInStock:
		if ev.InStock != nil {
			return *ev.InStock
		}
	case notifier.FieldGame:
		if game != nil {
			return nonEmpty(game.Title)
		}
	}
	return nil
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func evalCondition(got any, op string, want any) bool {
	if got == nil {
		return false
	}

	switch op {
	case notifier.OpIn:
		for _, item := range asList(want) {
			if equal(got, item) {
				return true
			}
		}
		return false
	case notifier.OpContains:
		s, ok := got.(string)
		sub, subOK := want.(string)
		return ok && subOK && strings.Contains(s, sub)
	case notifier.OpContainsAny:
		s, ok := got.(string)
		if !ok {
			return false
		}
		for _, item := range asList(want) {
			if sub, subOK := item.(string); subOK && strings.Contains(s, sub) {
				return true
			}
		}
		return false
	case notifier.OpGTE:
		c, ok := compare(got, want)
		return ok && c >= 0
	case notifier.OpLTE:
		c, ok := compare(got, want)
		return ok && c <= 0
	case notifier.OpEq:
		return equal(got, want)
	default:
		return false
	}
}

func equal(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && g == w
	case bool:
		w, ok := want.(bool)
		return ok && g == w
	case decimal.Decimal:
		w, ok := toDecimal(want)
		return ok && g.Equal(w)
	}
	return false
}

// compare orders numbers numerically and strings lexically.
func compare(got, want any) (int, bool) {
	switch g := got.(type) {
	case decimal.Decimal:
		w, ok := toDecimal(want)
		if !ok {
			return 0, false
		}
		return g.Cmp(w), true
	case string:
		w, ok := want.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(g, w), true
	}
	return 0, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Zero, false
}

// asList accepts any slice shape a decoded rule value can take. A scalar is a one-item list.
func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}
