package monitor

import (
	"context"
	"log"
	"sync"

	"signalos-core/internal/events"
)

// Monitor consumes pipeline stage events, keeps the metrics counters
// current, and raises alerts when rules trip.
type Monitor struct {
	Bus     *events.Bus
	Metrics *PipelineMetrics
	AlertFn func(string)

	// Rules keep cooldown state, so checks from concurrent consumers
	// are serialized.
	rulesMu sync.Mutex
	rules   []Rule
}

// AddRule registers a rule checked after every counted event.
func (m *Monitor) AddRule(r Rule) {
	m.rulesMu.Lock()
	m.rules = append(m.rules, r)
	m.rulesMu.Unlock()
}

// Start subscribes to every pipeline topic until the context is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	topics := map[events.Event]func(){
		events.EventSignalReceived:    m.Metrics.IncrementReceived,
		events.EventSignalParsed:      m.Metrics.IncrementParsed,
		events.EventSignalRejected:    m.Metrics.IncrementRejected,
		events.EventCommandDispatched: m.Metrics.IncrementDispatched,
		events.EventCommandFilled:     m.Metrics.IncrementFilled,
		events.EventCommandRetried:    m.Metrics.IncrementRetried,
		events.EventCommandDeadLetter: m.Metrics.IncrementDeadLettered,
		events.EventCommandCancelled:  m.Metrics.IncrementCancelled,
	}
	for topic, count := range topics {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		go m.consume(ctx, stream, unsub, count)
	}
}

func (m *Monitor) consume(ctx context.Context, stream <-chan any, unsub func(), count func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-stream:
			if !ok {
				return
			}
			count()
			m.checkRules()
		}
	}
}

func (m *Monitor) checkRules() {
	if m.AlertFn == nil {
		return
	}
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	for _, r := range m.rules {
		if fired, msg := r.Check(m.Metrics); fired {
			m.AlertFn(msg)
		}
	}
}
