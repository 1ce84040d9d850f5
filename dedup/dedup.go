// Package dedup computes listing fingerprints and answers "have we seen this offer already".
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"boardgame-notifier/normalize"
	"boardgame-notifier/pkg/notifier"
)

// bucketLayout matches ISO-8601 with an explicit +00:00 offset.
const bucketLayout = "2006-01-02T15:04:05+00:00"

// Index reports whether a fingerprint was already accepted within a trailing window.
type Index interface {
	IsDuplicate(ctx context.Context, hash string, window time.Duration) (bool, error)
}

// Fingerprint returns the SHA-256 signature of a draft observed at now.
// Two drafts collide only if they describe the same normalized offer on the same UTC day.
func Fingerprint(d *notifier.Draft, now time.Time) string {
	price := "null"
	if d.Price != nil {
		// Half-to-even, same as the price rounding used by the scrapers.
		price = d.Price.RoundBank(0).String()
	}

	base := strings.Join([]string{
		normalize.Text(d.Title),
		d.StoreID,
		normalize.Text(d.Edition),
		price,
		Bucket(now),
	}, "|")

	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// Bucket returns the UTC calendar day of now as an ISO-8601 midnight timestamp.
func Bucket(now time.Time) string {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Format(bucketLayout)
}

// EventFinder looks up an accepted event by signature. It returns nil, nil when absent.
type EventFinder interface {
	FindEventBySignature(ctx context.Context, hash string) (*notifier.Event, error)
}

// StoreIndex answers duplicate checks from persisted events.
type StoreIndex struct {
	finder EventFinder
	now    func() time.Time
}

// NewStoreIndex creates an index backed by the event store. A nil clock uses time.Now.
func NewStoreIndex(finder EventFinder, now func() time.Time) *StoreIndex {
	if now == nil {
		now = time.Now
	}
	return &StoreIndex{finder: finder, now: now}
}

// IsDuplicate reports whether an event with hash was created inside the trailing window.
func (s *StoreIndex) IsDuplicate(ctx context.Context, hash string, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, fmt.Errorf("dedup window must be positive, got %v", window)
	}
	ev, err := s.finder.FindEventBySignature(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("find event by signature: %w", err)
	}
	if ev == nil {
		return false, nil
	}
	return !ev.CreatedAt.Before(s.now().Add(-window)), nil
}
