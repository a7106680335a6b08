package risk

import (
	"strings"
	"testing"
	"time"

	"signalos-core/internal/signal"
)

func testSignal(lot float64) signal.ParsedSignal {
	return signal.ParsedSignal{
		SignalID:    "sig-1",
		Pair:        "XAUUSD",
		Action:      signal.ActionBuy,
		Entry:       2000,
		StopLoss:    1990,
		TakeProfits: []float64{2010},
		LotSize:     lot,
		Confidence:  1.0,
		Raw:         signal.RawSignal{ProviderID: "prov-1", ReceivedAt: time.Now()},
	}
}

func newTestManager() *Manager {
	profiles := NewProfileStore()
	profiles.SetProvider(ProviderProfile{
		ProviderID:          "prov-1",
		MaxDailyLoss:        500,
		MaxConcurrentTrades: 3,
		MaxLotSize:          1.0,
		DefaultLotSize:      0.1,
		SignalsPerMinute:    1000,
	})
	profiles.SetPair(PairProfile{
		Pair:             "XAUUSD",
		MaxExposureLots:  1.0,
		MaxDailyTrades:   10,
		SignalsPerMinute: 1000,
	})
	cfg := DefaultConfig()
	cfg.GlobalSignalsPerMinute = 100000
	return NewManager(cfg, profiles, NewExposureLedger())
}

// A 0.5 lot request against a 1.0 cap with 0.8 already exposed must be
// scaled to the remaining 0.2, not rejected.
func TestEvaluateScalesToRemainingCapacity(t *testing.T) {
	m := newTestManager()
	m.Ledger().TryReserve("XAUUSD", 0.8, 1.0)
	m.Ledger().Confirm("XAUUSD", 0.8)

	dec := m.Evaluate(testSignal(0.5))
	if dec.Verdict != VerdictScaled {
		t.Fatalf("verdict=%s, expected SCALED (reasons %v)", dec.Verdict, dec.Reasons)
	}
	if diff := dec.AdjustedLot - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("AdjustedLot=%v, expected 0.2", dec.AdjustedLot)
	}
}

// When the remaining capacity is below the minimum tradable lot the
// manager rejects instead of scaling.
func TestEvaluateRejectsBelowMinLot(t *testing.T) {
	m := newTestManager()
	m.Ledger().TryReserve("XAUUSD", 0.995, 1.0)
	m.Ledger().Confirm("XAUUSD", 0.995)

	dec := m.Evaluate(testSignal(0.5))
	if dec.Verdict != VerdictRejected {
		t.Fatalf("verdict=%s, expected REJECTED", dec.Verdict)
	}
	if !reasonContains(dec, "minimum tradable lot") {
		t.Fatalf("reasons %v missing min-lot reason", dec.Reasons)
	}
	// The failed reservation must not leak exposure.
	if exp := m.Ledger().Exposure("XAUUSD"); exp > 0.995+1e-9 {
		t.Fatalf("exposure leaked: %v", exp)
	}
}

// Previews run every check but hold nothing: no throttle tokens, no
// exposure reservation. Real traffic behind a burst of previews must
// still pass a 1-per-minute pair ceiling.
func TestPreviewConsumesNothing(t *testing.T) {
	profiles := NewProfileStore()
	profiles.SetProvider(ProviderProfile{
		ProviderID:       "prov-1",
		MaxLotSize:       1.0,
		DefaultLotSize:   0.1,
		SignalsPerMinute: 1000,
	})
	profiles.SetPair(PairProfile{
		Pair:             "XAUUSD",
		MaxExposureLots:  1.0,
		MaxDailyTrades:   10,
		SignalsPerMinute: 1,
	})
	cfg := DefaultConfig()
	cfg.GlobalSignalsPerMinute = 100000
	m := NewManager(cfg, profiles, NewExposureLedger())

	for i := 0; i < 5; i++ {
		if dec := m.Preview(testSignal(0.5)); dec.Verdict != VerdictApproved {
			t.Fatalf("preview %d verdict=%s (reasons %v)", i, dec.Verdict, dec.Reasons)
		}
	}
	if exp := m.Ledger().Exposure("XAUUSD"); exp != 0 {
		t.Fatalf("previews held exposure: %v", exp)
	}

	dec := m.Evaluate(testSignal(0.5))
	if dec.Verdict != VerdictApproved {
		t.Fatalf("verdict=%s after previews, expected APPROVED (reasons %v)", dec.Verdict, dec.Reasons)
	}
	if exp := m.Ledger().Exposure("XAUUSD"); exp != 0.5 {
		t.Fatalf("exposure=%v after real evaluate, expected 0.5", exp)
	}
}

func TestEvaluateEmergencyStop(t *testing.T) {
	m := newTestManager()
	m.SetEmergencyStop(true)

	dec := m.Evaluate(testSignal(0.1))
	if dec.Verdict != VerdictRejected {
		t.Fatalf("verdict=%s, expected REJECTED under emergency stop", dec.Verdict)
	}

	m.SetEmergencyStop(false)
	if dec := m.Evaluate(testSignal(0.1)); dec.Verdict != VerdictApproved {
		t.Fatalf("verdict=%s after release, expected APPROVED (reasons %v)", dec.Verdict, dec.Reasons)
	}
}

func TestEvaluateProviderCeilings(t *testing.T) {
	t.Run("concurrent trades", func(t *testing.T) {
		m := newTestManager()
		for i := 0; i < 3; i++ {
			m.Ledger().TradeOpened("prov-1")
		}
		dec := m.Evaluate(testSignal(0.1))
		if dec.Verdict != VerdictRejected || !reasonContains(dec, "concurrent trade") {
			t.Fatalf("got %s %v", dec.Verdict, dec.Reasons)
		}
	})

	t.Run("daily loss", func(t *testing.T) {
		m := newTestManager()
		m.Ledger().RecordLoss("prov-1", 600)
		dec := m.Evaluate(testSignal(0.1))
		if dec.Verdict != VerdictRejected || !reasonContains(dec, "daily loss") {
			t.Fatalf("got %s %v", dec.Verdict, dec.Reasons)
		}
	})

	t.Run("lot ceiling clip", func(t *testing.T) {
		m := newTestManager()
		dec := m.Evaluate(testSignal(5.0))
		if dec.AdjustedLot != 1.0 {
			t.Fatalf("AdjustedLot=%v, expected clip to 1.0 (%v)", dec.AdjustedLot, dec.Reasons)
		}
	})
}

func TestEvaluateDefaultLotApplied(t *testing.T) {
	m := newTestManager()
	dec := m.Evaluate(testSignal(0))
	if dec.Verdict != VerdictApproved {
		t.Fatalf("verdict=%s, expected APPROVED (%v)", dec.Verdict, dec.Reasons)
	}
	if dec.AdjustedLot != 0.1 {
		t.Fatalf("AdjustedLot=%v, expected provider default 0.1", dec.AdjustedLot)
	}
}

func TestEvaluateManagementCommandsPass(t *testing.T) {
	m := newTestManager()
	p := testSignal(0.1)
	p.Action = signal.ActionClose
	p.TicketRef = "1001"

	dec := m.Evaluate(p)
	if dec.Verdict != VerdictApproved {
		t.Fatalf("close command got %s %v", dec.Verdict, dec.Reasons)
	}
	if exp := m.Ledger().Exposure("XAUUSD"); exp != 0 {
		t.Fatalf("management command reserved exposure: %v", exp)
	}
}

func TestEvaluateMarginFloor(t *testing.T) {
	m := newTestManager()
	m.UpdateAccount(AccountState{Balance: 10000, Equity: 9000, MarginLevel: 120})

	dec := m.Evaluate(testSignal(0.1))
	if dec.Verdict != VerdictRejected || !reasonContains(dec, "margin level") {
		t.Fatalf("got %s %v", dec.Verdict, dec.Reasons)
	}
}

func TestThrottleBlocksBursts(t *testing.T) {
	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	// 2 per minute everywhere: burst of 2 passes, third is throttled.
	th := NewThrottle(2,
		func(string) float64 { return 2 },
		func(string) float64 { return 2 },
	)
	if !th.Allow("prov-1", "XAUUSD") || !th.Allow("prov-1", "XAUUSD") {
		t.Fatalf("burst within budget was throttled")
	}
	if th.Allow("prov-1", "XAUUSD") {
		t.Fatalf("third signal in the same instant should be throttled")
	}

	// A minute later the budget has refilled.
	timeNow = func() time.Time { return base.Add(time.Minute) }
	if !th.Allow("prov-1", "XAUUSD") {
		t.Fatalf("throttle did not refill after a minute")
	}
}

func TestExposureLedgerLifecycle(t *testing.T) {
	l := NewExposureLedger()

	granted := l.TryReserve("EURUSD", 0.5, 1.0)
	if granted != 0.5 {
		t.Fatalf("granted=%v, expected 0.5", granted)
	}
	l.Confirm("EURUSD", granted)
	if l.Exposure("EURUSD") != 0.5 {
		t.Fatalf("exposure=%v, expected 0.5", l.Exposure("EURUSD"))
	}
	if l.DailyTrades("EURUSD") != 1 {
		t.Fatalf("dailyTrades=%d, expected 1", l.DailyTrades("EURUSD"))
	}

	// Release path leaves no trace.
	granted = l.TryReserve("EURUSD", 0.3, 1.0)
	l.Release("EURUSD", granted)
	if l.Exposure("EURUSD") != 0.5 {
		t.Fatalf("exposure after release=%v, expected 0.5", l.Exposure("EURUSD"))
	}

	l.Close("EURUSD", 0.5)
	if l.Exposure("EURUSD") != 0 {
		t.Fatalf("exposure after close=%v, expected 0", l.Exposure("EURUSD"))
	}

	l.RecordLoss("prov-1", 100)
	l.ResetDaily()
	if l.DailyLoss("prov-1") != 0 || l.DailyTrades("EURUSD") != 0 {
		t.Fatalf("daily counters not reset")
	}
}

func reasonContains(d Decision, sub string) bool {
	for _, r := range d.Reasons {
		if strings.Contains(r, sub) {
			return true
		}
	}
	return false
}
