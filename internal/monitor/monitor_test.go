package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"signalos-core/internal/events"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestMonitorCountsStageEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics := NewPipelineMetrics()
	m := &Monitor{Bus: bus, Metrics: metrics}
	m.Start(ctx)

	// Subscriptions are live once Start returns, but consumption is async.
	ev := events.StageEvent{SignalID: "sig-1", Timestamp: time.Now()}
	bus.Publish(events.EventSignalReceived, ev)
	bus.Publish(events.EventSignalReceived, ev)
	bus.Publish(events.EventSignalRejected, ev)
	bus.Publish(events.EventCommandDispatched, ev)

	waitFor(t, func() bool {
		s := metrics.GetSnapshot()
		return s.Received == 2 && s.Rejected == 1 && s.Dispatched == 1
	})
}

func TestDeadLetterRuleFiresOnThreshold(t *testing.T) {
	metrics := NewPipelineMetrics()
	rule := &DeadLetterRule{Threshold: 2}

	if fired, _ := rule.Check(metrics); fired {
		t.Fatalf("rule fired with zero dead letters")
	}
	metrics.IncrementDeadLettered()
	if fired, _ := rule.Check(metrics); fired {
		t.Fatalf("rule fired below threshold")
	}
	metrics.IncrementDeadLettered()
	fired, msg := rule.Check(metrics)
	if !fired || msg == "" {
		t.Fatalf("rule did not fire at threshold")
	}
	// Does not re-fire until the next multiple.
	if fired, _ := rule.Check(metrics); fired {
		t.Fatalf("rule re-fired without new dead letters")
	}
}

// Each subscribed topic is consumed in its own goroutine, so rule state
// must hold up under concurrent checks and fire exactly once per
// threshold crossing.
func TestRuleChecksSerialized(t *testing.T) {
	metrics := NewPipelineMetrics()
	metrics.IncrementDeadLettered()
	metrics.IncrementDeadLettered()

	var alertMu sync.Mutex
	alerts := 0
	m := &Monitor{
		Metrics: metrics,
		AlertFn: func(string) {
			alertMu.Lock()
			alerts++
			alertMu.Unlock()
		},
	}
	m.AddRule(&DeadLetterRule{Threshold: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.checkRules()
			}
		}()
	}
	wg.Wait()

	if alerts != 1 {
		t.Fatalf("alerts = %d, want exactly 1", alerts)
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 5 || s.Min != 1 || s.Max != 5 || s.Avg != 3 {
		t.Fatalf("stats = %+v", s)
	}

	// Window slides past maxSize.
	for i := 0; i < 20; i++ {
		h.Record(100)
	}
	s = h.Stats()
	if s.Count != 10 || s.Min != 100 {
		t.Fatalf("windowed stats = %+v", s)
	}
}
