package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
)

var _ orchestrator.Recorder = (*Collectors)(nil)

func TestCounters(t *testing.T) {
	c := New()
	c.CompletionProcessed(orchestrator.OutcomeChained)
	c.CompletionProcessed(orchestrator.OutcomeChained)
	c.Relaunch(orchestrator.TriggerDeadAgentRetry)
	c.DeadAgent()
	c.FuseTripped(true)
	c.FuseTripped(false)
	c.WatchdogFallback("copilot")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"completions chained", testutil.ToFloat64(c.completions.WithLabelValues(orchestrator.OutcomeChained)), 2},
		{"relaunch dead", testutil.ToFloat64(c.relaunches.WithLabelValues(string(orchestrator.TriggerDeadAgentRetry))), 1},
		{"dead agents", testutil.ToFloat64(c.deadAgents), 1},
		{"hard trips", testutil.ToFloat64(c.fuseTrips.WithLabelValues("hard")), 1},
		{"soft trips", testutil.ToFloat64(c.fuseTrips.WithLabelValues("soft")), 1},
		{"copilot fallbacks", testutil.ToFloat64(c.watchdogFallbacks.WithLabelValues("copilot")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestObservePass(t *testing.T) {
	c := New()
	c.ObservePass(PassCompletions, 20*time.Millisecond, nil)
	c.ObservePass(PassMaintenance, time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(c.passErrors.WithLabelValues(PassMaintenance)); got != 1 {
		t.Errorf("maintenance errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.passErrors.WithLabelValues(PassCompletions)); got != 0 {
		t.Errorf("completion errors = %v, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	c := New()
	c.DeadAgent()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "agentwarden_dead_agents_total 1") {
		t.Errorf("metrics output missing dead agent counter:\n%s", body)
	}
}
