package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Draft(DraftAccepted, 10*time.Millisecond)
	m.Draft(DraftAccepted, 10*time.Millisecond)
	m.Draft(DraftDuplicate, time.Millisecond)
	m.Rule(RuleCooldown)
	m.Channel("telegram", false, time.Second)
	m.AgentRun("hobbygames", errors.New("timeout"))
	m.Pruned(3)
	m.Pruned(0)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"accepted", testutil.ToFloat64(m.drafts.WithLabelValues(DraftAccepted)), 2},
		{"duplicate", testutil.ToFloat64(m.drafts.WithLabelValues(DraftDuplicate)), 1},
		{"cooldown", testutil.ToFloat64(m.rules.WithLabelValues(RuleCooldown)), 1},
		{"telegram error", testutil.ToFloat64(m.channelSends.WithLabelValues("telegram", "error")), 1},
		{"agent error", testutil.ToFloat64(m.pollRuns.WithLabelValues("hobbygames", "error")), 1},
		{"pruned", testutil.ToFloat64(m.eventsPruned), 3},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Draft(DraftFailed, time.Second)
	m.Rule(RuleSent)
	m.Match("exact")
	m.Channel("log", true, 0)
	m.AgentRun("x", nil)
	m.PollCompleted(time.Now())
	m.Pruned(1)
}

func TestHandler(t *testing.T) {
	m := New()
	m.Match("fuzzy")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `boardgame_notifier_game_matches_total{tier="fuzzy"} 1`) {
		t.Errorf("metrics output missing match counter:\n%s", body)
	}
}
