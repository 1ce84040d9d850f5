// Package poll runs scraper agents and feeds their drafts into the pipeline.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boardgame-notifier/metrics"
	"boardgame-notifier/pkg/notifier"
	"boardgame-notifier/scraper"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many agents fetch at once.
const DefaultConcurrency = 4

// Processor consumes drafts.
type Processor interface {
	ProcessDraft(ctx context.Context, draft *notifier.Draft, sourceID string) (*notifier.Event, error)
}

// Pruner removes events older than a cutoff.
type Pruner interface {
	PruneEvents(ctx context.Context, cutoff time.Time) (int, error)
}

// Result summarizes one agent run.
type Result struct {
	Err        error
	Agent      string
	Drafts     int
	Accepted   int
	Duplicates int
	Invalid    int
	Failed     int
	Skipped    bool
}

type agentState struct {
	lastPolledAt time.Time
	lastNewAt    time.Time
}

// Monitor polls agents on an activity-based schedule.
type Monitor struct {
	processor   Processor
	pruner      Pruner
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	state       map[string]*agentState
	agents      []scraper.Agent
	retention   time.Duration
	concurrency int
	mu          sync.Mutex
}

// Config tunes a Monitor. Zero values select defaults; zero Retention disables pruning.
type Config struct {
	Pruner      Pruner
	Metrics     *metrics.Metrics
	Retention   time.Duration
	Concurrency int
}

// New creates a new poll monitor.
func New(agents []scraper.Agent, processor Processor, logger *slog.Logger, cfg Config) *Monitor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Monitor{
		processor:   processor,
		pruner:      cfg.Pruner,
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         time.Now,
		state:       make(map[string]*agentState),
		agents:      agents,
		retention:   cfg.Retention,
		concurrency: cfg.Concurrency,
	}
}

// CheckAll runs every agent that is due (or all of them when force is set) and
// prunes expired events afterwards. Agent failures are reported per Result, never
// as the returned error.
func (m *Monitor) CheckAll(ctx context.Context, force bool) ([]Result, error) {
	now := m.now()
	m.logger.Info("Checking agents", "count", len(m.agents), "force", force, "timestamp", now.Format(time.RFC3339))

	results := make([]Result, len(m.agents))
	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)

	for i, agent := range m.agents {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Context cancelled, stopping poll check", "error", err)
			break
		}
		name := agent.Name()
		if !force {
			if interval, reason, due := m.due(name, now); !due {
				m.logger.Debug("Skipping agent (not due for polling)", "agent", name, "interval", interval.String(), "reason", reason)
				results[i] = Result{Agent: name, Skipped: true}
				continue
			}
		}
		g.Go(func() error {
			results[i] = m.runAgent(ctx, agent)
			return nil
		})
	}
	_ = g.Wait()

	var checked, failed int
	for _, r := range results {
		if r.Agent == "" || r.Skipped {
			continue
		}
		checked++
		if r.Err != nil {
			failed++
		}
	}
	m.metrics.PollCompleted(m.now())
	m.logger.Info("Agent check completed", "total_agents", len(m.agents), "checked", checked, "failed", failed)

	if err := m.prune(ctx); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (m *Monitor) runAgent(ctx context.Context, agent scraper.Agent) Result {
	name := agent.Name()
	res := Result{Agent: name}
	m.logger.Info("Starting agent run", "agent", name)

	drafts, err := agent.Fetch(ctx)
	m.metrics.AgentRun(name, err)
	if err != nil {
		m.logger.Warn("Agent run failed", "agent", name, "error", err)
		m.touch(name, false)
		res.Err = fmt.Errorf("fetch %s: %w", name, err)
		return res
	}

	res.Drafts = len(drafts)
	for _, d := range drafts {
		ev, err := m.processor.ProcessDraft(ctx, d, name)
		switch {
		case errors.Is(err, notifier.ErrInvalidDraft):
			res.Invalid++
		case err != nil:
			res.Failed++
			m.logger.Warn("Draft processing failed", "agent", name, "title", d.Title, "error", err)
		case ev == nil:
			res.Duplicates++
		default:
			res.Accepted++
		}
	}
	m.touch(name, res.Accepted > 0)

	m.logger.Info("Agent run completed",
		"agent", name,
		"drafts", res.Drafts,
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"invalid", res.Invalid,
		"failed", res.Failed)
	return res
}

func (m *Monitor) prune(ctx context.Context) error {
	if m.pruner == nil || m.retention <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.retention)
	n, err := m.pruner.PruneEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	m.metrics.Pruned(n)
	if n > 0 {
		m.logger.Info("Expired events pruned", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}

func (m *Monitor) due(name string, now time.Time) (time.Duration, string, bool) {
	m.mu.Lock()
	st := m.state[name]
	m.mu.Unlock()
	if st == nil {
		return 0, "never polled", true
	}
	interval, reason := CalculateInterval(st.lastNewAt, st.lastPolledAt, now)
	return interval, reason, now.Sub(st.lastPolledAt) >= interval
}

func (m *Monitor) touch(name string, sawNew bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[name]
	if st == nil {
		st = &agentState{}
		m.state[name] = st
	}
	st.lastPolledAt = now
	if sawNew {
		st.lastNewAt = now
	}
}

// Run polls on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		if _, err := m.CheckAll(ctx, false); err != nil && ctx.Err() == nil {
			m.logger.Error("Poll check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Poll loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// CalculateInterval determines how often to poll an agent based on how recently it
// produced a new listing. Stores that just published get polled more often.
func CalculateInterval(lastNewAt, lastPolledAt, now time.Time) (time.Duration, string) {
	if lastPolledAt.IsZero() {
		return 10 * time.Minute, "never polled"
	}
	if lastNewAt.IsZero() {
		return 2 * time.Hour, "no new listings seen"
	}

	since := now.Sub(lastNewAt)
	switch {
	case since < time.Hour:
		return 10 * time.Minute, "new listings within the hour"
	case since < 6*time.Hour:
		return 30 * time.Minute, "new listings within 6h"
	case since < 24*time.Hour:
		return time.Hour, "new listings within a day"
	default:
		return 2 * time.Hour, "quiet for over a day"
	}
}
