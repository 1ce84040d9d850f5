// Package dispatch delivers a fired rule's payload to its channels concurrently and
// summarizes the per-channel outcomes into a notification record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"boardgame-notifier/pkg/notifier"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a single channel send.
const DefaultTimeout = 15 * time.Second

// ErrUnknownChannel is reported for channel names with no registered provider.
var ErrUnknownChannel = errors.New("unknown channel")

// Channel delivers a payload to one destination kind.
type Channel interface {
	Name() string
	Send(ctx context.Context, p *notifier.Payload) error
}

// Outcome is the result of one channel send.
type Outcome struct {
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
}

// Dispatcher fans a payload out to named channels.
type Dispatcher struct {
	channels map[string]Channel
	logger   *slog.Logger
	timeout  time.Duration
}

// New creates a dispatcher over the given channels. timeout ≤ 0 uses DefaultTimeout.
func New(logger *slog.Logger, timeout time.Duration, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{
		channels: make(map[string]Channel, len(channels)),
		logger:   logger,
		timeout:  timeout,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	return d
}

// Channels returns the registered channel names in sorted order.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends p to every named channel at once and waits for all of them.
// A failing, slow or unknown channel never affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, names []string, p *notifier.Payload) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		mu.Lock()
		_, seen := outcomes[name]
		if !seen {
			outcomes[name] = Outcome{}
		}
		mu.Unlock()
		if seen {
			continue
		}

		ch, ok := d.channels[name]
		if !ok {
			d.logger.Warn("Rule references unknown channel", "channel", name)
			mu.Lock()
			outcomes[name] = Outcome{Error: ErrUnknownChannel.Error()}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			out := d.send(ctx, ch, p)
			mu.Lock()
			outcomes[name] = out
			mu.Unlock()
		}()
	}

	wg.Wait()
	return outcomes
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, p *notifier.Payload) (out Outcome) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		out.DurationMS = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			d.logger.Error("Channel panicked", "channel", ch.Name(), "panic", r)
			out.OK, out.Error = false, fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := ch.Send(ctx, p); err != nil {
		d.logger.Warn("Channel send failed", "channel", ch.Name(), "title", p.Title, "error", err)
		return Outcome{Error: err.Error()}
	}
	d.logger.Info("Channel send succeeded", "channel", ch.Name(), "title", p.Title)
	return Outcome{OK: true}
}

// Record summarizes outcomes into a notification: sent if any channel succeeded,
// error otherwise. SentAt is only set when sent.
func Record(ruleID, eventID string, outcomes map[string]Outcome, now time.Time) *notifier.Notification {
	n := &notifier.Notification{
		ID:        uuid.NewString(),
		RuleID:    ruleID,
		EventID:   eventID,
		Status:    notifier.StatusError,
		CreatedAt: now,
		Meta: map[string]any{
			"channels":      outcomes,
			"channel_count": len(outcomes),
		},
	}
	for _, o := range outcomes {
		if o.OK {
			sentAt := now
			n.Status = notifier.StatusSent
			n.SentAt = &sentAt
			break
		}
	}
	return n
}

// BuildPayload renders the channel-neutral content for an event. game may be nil.
func BuildPayload(ev *notifier.Event, game *notifier.Game) *notifier.Payload {
	p := &notifier.Payload{
		Title:       ev.Title,
		URL:         ev.URL,
		Kind:        ev.Kind,
		StoreID:     ev.StoreID,
		Price:       ev.Price,
		DiscountPct: ev.DiscountPct,
		InStock:     ev.InStock,
	}
	if game != nil {
		p.GameTitle = game.Title
	}

	var parts []string
	if ev.StoreID != "" {
		parts = append(parts, ev.StoreID)
	}
	if ev.Price != nil {
		parts = append(parts, ev.Price.String()+" ₽")
	}
	if ev.DiscountPct != nil && ev.DiscountPct.IsPositive() {
		parts = append(parts, "-"+ev.DiscountPct.String()+"%")
	}
	if ev.InStock != nil && !*ev.InStock {
		parts = append(parts, "нет в наличии")
	}
	p.Body = strings.Join(parts, " · ")
	return p
}
