package monitor

import "fmt"

// Rule inspects the metrics after an event and may raise an alert.
type Rule interface {
	Check(m *PipelineMetrics) (bool, string)
}

// DeadLetterRule fires once each time the dead-letter count crosses a
// multiple of Threshold.
type DeadLetterRule struct {
	Threshold uint64
	lastFired uint64
}

func (r *DeadLetterRule) Check(m *PipelineMetrics) (bool, string) {
	if r.Threshold == 0 {
		return false, ""
	}
	n := m.DeadLettered()
	if n >= r.lastFired+r.Threshold {
		r.lastFired = n
		return true, fmt.Sprintf("dead-letter count reached %d", n)
	}
	return false, ""
}
