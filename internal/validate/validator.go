package validate

import (
	"fmt"
	"math"
	"time"

	"signalos-core/internal/signal"
	"signalos-core/pkg/cache"
)

// Result is the outcome of running the sanity checks over a parsed signal.
type Result struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// ReferencePrice anchors the plausibility check for one pair.
type ReferencePrice struct {
	Price  float64 `yaml:"price" json:"price"`
	StdDev float64 `yaml:"std_dev" json:"std_dev"`
}

// Config tunes the validator. Read-only to the pipeline.
type Config struct {
	ConfidenceFloor float64                   // below this, short-circuit reject
	MaxPriceStdDevs float64                   // plausibility band width
	MinRiskReward   float64                   // required R:R when SL+TP present
	MaxSignalAge    time.Duration             // staleness threshold
	References      map[string]ReferencePrice // per-pair price anchors
}

// DefaultConfig returns validator defaults matching typical provider setups.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor: signal.ConfidenceLow,
		MaxPriceStdDevs: 4,
		MinRiskReward:   1.0,
		MaxSignalAge:    10 * time.Minute,
		References:      nil,
	}
}

// TicketRegistry answers whether a ticket reference names a live order.
// Backed by the pipeline status store.
type TicketRegistry interface {
	KnownTicket(ref string) bool
}

// Validator runs the ordered sanity checks: pair existence, price
// plausibility, R:R, duplicate window, freshness and market hours.
type Validator struct {
	cfg      Config
	dedup    *cache.ShardedDedupCache
	sessions *SessionTable
	tickets  TicketRegistry
	now      func() time.Time
}

// New creates a validator. tickets may be nil when ticket commands are not
// expected (e.g. unit tests around entry signals only).
func New(cfg Config, dedup *cache.ShardedDedupCache, sessions *SessionTable, tickets TicketRegistry) *Validator {
	return &Validator{
		cfg:      cfg,
		dedup:    dedup,
		sessions: sessions,
		tickets:  tickets,
		now:      time.Now,
	}
}

// Validate checks a parsed signal. Every failed check appends a reason;
// only a sub-floor confidence short-circuits the remaining checks. A
// passing signal is recorded in the duplicate window.
func (v *Validator) Validate(p signal.ParsedSignal) Result {
	return v.check(p, true)
}

// Preview runs the same checks as Validate without recording the signal
// in the duplicate window, so a dry run cannot shadow the real submission.
func (v *Validator) Preview(p signal.ParsedSignal) Result {
	return v.check(p, false)
}

func (v *Validator) check(p signal.ParsedSignal, mark bool) Result {
	res := Result{OK: true}
	fail := func(reason string) {
		res.OK = false
		res.Reasons = append(res.Reasons, reason)
	}

	if p.Confidence < v.cfg.ConfidenceFloor {
		fail(fmt.Sprintf("confidence %.2f below floor %.2f", p.Confidence, v.cfg.ConfidenceFloor))
		return res
	}

	if p.Pair == "" {
		fail("pair not recognized")
	}

	if ref, ok := v.cfg.References[p.Pair]; ok && ref.StdDev > 0 {
		for _, price := range signalPrices(p) {
			if devs := math.Abs(price-ref.Price) / ref.StdDev; devs > v.cfg.MaxPriceStdDevs {
				fail(fmt.Sprintf("price %.5f is %.1f std devs from reference %.5f for %s",
					price, devs, ref.Price, p.Pair))
				break
			}
		}
	}

	if rr, ok := riskReward(p); ok && rr < v.cfg.MinRiskReward {
		fail(fmt.Sprintf("risk:reward %.2f below minimum %.2f", rr, v.cfg.MinRiskReward))
	}

	if v.dedup != nil {
		dup := false
		if mark {
			dup = v.dedup.Seen(p.SignalID)
		} else {
			dup = v.dedup.Contains(p.SignalID)
		}
		if dup {
			fail("duplicate signal within dedup window")
		}
	}

	if v.cfg.MaxSignalAge > 0 {
		if age := v.now().Sub(p.Raw.ReceivedAt); age > v.cfg.MaxSignalAge {
			fail(fmt.Sprintf("signal is stale: age %s exceeds %s", age.Round(time.Second), v.cfg.MaxSignalAge))
		}
	}

	if v.sessions != nil && p.Pair != "" && !v.sessions.Open(p.Pair, v.now()) {
		fail(fmt.Sprintf("market closed for %s", p.Pair))
	}

	// Ticket commands must reference an order we know about.
	switch p.Action {
	case signal.ActionClose, signal.ActionModify, signal.ActionCancel:
		if p.TicketRef != "" && (v.tickets == nil || !v.tickets.KnownTicket(p.TicketRef)) {
			fail(fmt.Sprintf("unknown ticket %s", p.TicketRef))
		}
	}

	return res
}

// signalPrices collects every price field present on the signal.
func signalPrices(p signal.ParsedSignal) []float64 {
	prices := make([]float64, 0, 2+len(p.TakeProfits))
	if p.Entry != 0 {
		prices = append(prices, p.Entry)
	}
	if p.StopLoss != 0 {
		prices = append(prices, p.StopLoss)
	}
	prices = append(prices, p.TakeProfits...)
	return prices
}

// riskReward computes distance(entry, first TP) / distance(entry, SL).
// ok is false when the signal lacks the fields to compute it.
func riskReward(p signal.ParsedSignal) (rr float64, ok bool) {
	if !p.Action.IsEntry() || p.Entry == 0 || p.StopLoss == 0 || len(p.TakeProfits) == 0 {
		return 0, false
	}
	risk := math.Abs(p.Entry - p.StopLoss)
	if risk == 0 {
		return 0, false
	}
	return math.Abs(p.TakeProfits[0]-p.Entry) / risk, true
}
