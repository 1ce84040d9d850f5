// Package metrics exposes pipeline and delivery counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boardgame_notifier"

// Draft outcomes.
const (
	DraftAccepted  = "accepted"
	DraftDuplicate = "duplicate"
	DraftInvalid   = "invalid"
	DraftFailed    = "failed"
)

// Rule outcomes.
const (
	RuleNoMatch  = "no_match"
	RuleCooldown = "cooldown"
	RuleSent     = "sent"
	RuleError    = "error"
	RuleFailed   = "failed"
)

// Metrics holds the service collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	drafts        *prometheus.CounterVec
	matches       *prometheus.CounterVec
	rules         *prometheus.CounterVec
	channelSends  *prometheus.CounterVec
	channelTime   *prometheus.HistogramVec
	pollRuns      *prometheus.CounterVec
	lastPoll      prometheus.Gauge
	eventsPruned  prometheus.Counter
	draftDuration prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.drafts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drafts_total",
		Help:      "Listing drafts processed by outcome",
	}, []string{"outcome"})
	m.matches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "game_matches_total",
		Help:      "Game match attempts by resolving tier",
	}, []string{"tier"})
	m.rules = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_evaluations_total",
		Help:      "Rule evaluations by outcome",
	}, []string{"outcome"})
	m.channelSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_sends_total",
		Help:      "Channel deliveries by channel and status",
	}, []string{"channel", "status"})
	m.channelTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "channel_send_duration_seconds",
		Help:      "Time spent delivering to a channel",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"channel"})
	m.pollRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_runs_total",
		Help:      "Ingestion agent runs by agent and status",
	}, []string{"agent", "status"})
	m.lastPoll = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_poll_timestamp_seconds",
		Help:      "Unix timestamp of the last completed poll cycle",
	})
	m.eventsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_pruned_total",
		Help:      "Events removed by retention cleanup",
	})
	m.draftDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "draft_duration_seconds",
		Help:      "Time to process one draft end to end",
		Buckets:   prometheus.DefBuckets,
	})

	m.registry.MustRegister(
		m.drafts, m.matches, m.rules, m.channelSends, m.channelTime,
		m.pollRuns, m.lastPoll, m.eventsPruned, m.draftDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Draft counts one processed draft.
func (m *Metrics) Draft(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.drafts.WithLabelValues(outcome).Inc()
	m.draftDuration.Observe(elapsed.Seconds())
}

// Match counts one match attempt by tier.
func (m *Metrics) Match(tier string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(tier).Inc()
}

// Rule counts one rule evaluation outcome.
func (m *Metrics) Rule(outcome string) {
	if m == nil {
		return
	}
	m.rules.WithLabelValues(outcome).Inc()
}

// Channel counts one channel delivery.
func (m *Metrics) Channel(name string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.channelSends.WithLabelValues(name, status).Inc()
	m.channelTime.WithLabelValues(name).Observe(elapsed.Seconds())
}

// AgentRun counts one ingestion agent run.
func (m *Metrics) AgentRun(agent string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.pollRuns.WithLabelValues(agent, status).Inc()
}

// PollCompleted marks the end of a poll cycle.
func (m *Metrics) PollCompleted(at time.Time) {
	if m == nil {
		return
	}
	m.lastPoll.Set(float64(at.Unix()))
}

// Pruned counts events removed by retention cleanup.
func (m *Metrics) Pruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsPruned.Add(float64(n))
}
