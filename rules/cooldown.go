package rules

import (
	"context"
	"fmt"
	"time"

	"boardgame-notifier/pkg/notifier"
)

// SentLog finds the most recent successfully sent notification for a rule.
// It returns nil, nil when the rule has never been sent.
type SentLog interface {
	LastSent(ctx context.Context, ruleID string) (*notifier.Notification, error)
}

// Gate suppresses rules that fired successfully within their cooldown.
type Gate struct {
	log SentLog
}

// NewGate creates a cooldown gate.
func NewGate(log SentLog) *Gate {
	return &Gate{log: log}
}

// InCooldown reports whether rule must stay silent at now. Only "sent" notifications
// start a cooldown; failed deliveries never extend it.
func (g *Gate) InCooldown(ctx context.Context, rule *notifier.Rule, now time.Time) (bool, error) {
	last, err := g.log.LastSent(ctx, rule.ID)
	if err != nil {
		return false, fmt.Errorf("last sent notification: %w", err)
	}
	if last == nil || last.Status != notifier.StatusSent || last.SentAt == nil {
		return false, nil
	}
	return now.Before(last.SentAt.Add(rule.Cooldown())), nil
}
