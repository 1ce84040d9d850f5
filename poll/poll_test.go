package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"boardgame-notifier/metrics"
	"boardgame-notifier/pkg/notifier"
	"boardgame-notifier/scraper"
)

type fakeAgent struct {
	err    error
	name   string
	drafts []*notifier.Draft
	delay  time.Duration
	calls  atomic.Int32
	active *atomic.Int32
	peak   *atomic.Int32
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) Fetch(context.Context) ([]*notifier.Draft, error) {
	a.calls.Add(1)
	if a.active != nil {
		n := a.active.Add(1)
		for {
			p := a.peak.Load()
			if n <= p || a.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(a.delay)
		a.active.Add(-1)
	}
	return a.drafts, a.err
}

// fakeProcessor accepts each title once.
type fakeProcessor struct {
	mu      sync.Mutex
	seen    map[string]bool
	sources []string
}

func (p *fakeProcessor) ProcessDraft(_ context.Context, d *notifier.Draft, sourceID string) (*notifier.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Title == "boom" {
		return nil, errors.New("storage down")
	}
	p.sources = append(p.sources, sourceID)
	if p.seen == nil {
		p.seen = map[string]bool{}
	}
	if p.seen[d.Title] {
		return nil, nil
	}
	p.seen[d.Title] = true
	return &notifier.Event{ID: d.Title}, nil
}

type fakePruner struct {
	cutoff time.Time
	n      int
}

func (p *fakePruner) PruneEvents(_ context.Context, cutoff time.Time) (int, error) {
	p.cutoff = cutoff
	return p.n, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCheckAllProcessesDrafts(t *testing.T) {
	good := &fakeAgent{name: "hobbygames", drafts: []*notifier.Draft{
		{Title: "Громкое дело"},
		{Title: "Громкое дело"},
		{Title: "  "},
		{Title: "boom"},
	}}
	bad := &fakeAgent{name: "zvezda", err: errors.New("timeout")}
	proc := &fakeProcessor{}
	pruner := &fakePruner{n: 2}
	met := metrics.New()

	m := New([]scraper.Agent{good, bad}, proc, discard(), Config{
		Pruner:    pruner,
		Metrics:   met,
		Retention: 24 * time.Hour,
	})
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	results, err := m.CheckAll(context.Background(), false)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	want := Result{Agent: "hobbygames", Drafts: 4, Accepted: 1, Duplicates: 1, Invalid: 1, Failed: 1}
	if results[0] != want {
		t.Errorf("results[0] = %+v, want %+v", results[0], want)
	}
	if results[1].Err == nil {
		t.Error("results[1].Err = nil, want fetch error")
	}
	for _, src := range proc.sources {
		if src != "hobbygames" {
			t.Errorf("ProcessDraft source = %q, want agent name", src)
		}
	}
	if !pruner.cutoff.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("prune cutoff = %v, want now - retention", pruner.cutoff)
	}
	rec := httptest.NewRecorder()
	met.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, line := range []string{
		`boardgame_notifier_agent_runs_total{agent="zvezda",status="error"} 1`,
		`boardgame_notifier_events_pruned_total 2`,
	} {
		if !strings.Contains(rec.Body.String(), line) {
			t.Errorf("metrics missing %s", line)
		}
	}
}

func TestCheckAllSkipsAgentsNotDue(t *testing.T) {
	a := &fakeAgent{name: "crowdgames"}
	m := New([]scraper.Agent{a}, &fakeProcessor{}, discard(), Config{})
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := m.CheckAll(ctx, false); err != nil {
		t.Fatal(err)
	}

	now = now.Add(5 * time.Minute)
	results, err := m.CheckAll(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Skipped || a.calls.Load() != 1 {
		t.Errorf("second check ran agent: skipped=%v calls=%d", results[0].Skipped, a.calls.Load())
	}

	if _, err := m.CheckAll(ctx, true); err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 2 {
		t.Errorf("forced check calls = %d, want 2", a.calls.Load())
	}
}

func TestCheckAllBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	var agents []scraper.Agent
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		agents = append(agents, &fakeAgent{name: name, delay: 20 * time.Millisecond, active: &active, peak: &peak})
	}

	m := New(agents, &fakeProcessor{}, discard(), Config{Concurrency: 2})
	if _, err := m.CheckAll(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p > 2 || p == 0 {
		t.Errorf("peak concurrent fetches = %d, want 1..2", p)
	}
}

func TestCalculateInterval(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		lastNewAt time.Time
		polledAt  time.Time
		want      time.Duration
	}{
		{"never polled", time.Time{}, time.Time{}, 10 * time.Minute},
		{"nothing new yet", time.Time{}, now, 2 * time.Hour},
		{"fresh listings", now.Add(-20 * time.Minute), now, 10 * time.Minute},
		{"earlier today", now.Add(-3 * time.Hour), now, 30 * time.Minute},
		{"yesterday", now.Add(-12 * time.Hour), now, time.Hour},
		{"quiet store", now.Add(-7 * 24 * time.Hour), now, 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := CalculateInterval(tt.lastNewAt, tt.polledAt, now)
			if got != tt.want {
				t.Errorf("CalculateInterval() = %v, want %v", got, tt.want)
			}
			if reason == "" {
				t.Error("CalculateInterval() reason should not be empty")
			}
		})
	}
}

func TestCalculateIntervalNeverShrinksWithAge(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	prev := time.Duration(0)
	for _, age := range []time.Duration{time.Minute, 2 * time.Hour, 10 * time.Hour, 48 * time.Hour} {
		got, _ := CalculateInterval(now.Add(-age), now, now)
		if got < prev {
			t.Errorf("interval for age %v = %v, shorter than %v", age, got, prev)
		}
		prev = got
	}
}
