package validate

import (
	"strings"
	"testing"
	"time"

	"signalos-core/internal/signal"
	"signalos-core/pkg/cache"
)

// tradableTime is inside the FX week (Tuesday 10:00 UTC).
var tradableTime = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func goldBuy() signal.ParsedSignal {
	return signal.ParsedSignal{
		SignalID:    "sig-gold-1",
		Pair:        "XAUUSD",
		Action:      signal.ActionBuy,
		Entry:       2000,
		StopLoss:    1990,
		TakeProfits: []float64{2010, 2020},
		Confidence:  1.0,
		Raw:         signal.RawSignal{ProviderID: "prov-1", ReceivedAt: tradableTime},
	}
}

func newValidator(cfg Config) *Validator {
	v := New(cfg, cache.NewShardedDedupCache(5*time.Minute), NewSessionTable(), nil)
	v.now = func() time.Time { return tradableTime }
	return v
}

func TestValidateAcceptsCleanSignal(t *testing.T) {
	v := newValidator(DefaultConfig())
	res := v.Validate(goldBuy())
	if !res.OK {
		t.Fatalf("expected OK, got reasons %v", res.Reasons)
	}
}

func TestValidateChecks(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*signal.ParsedSignal)
		cfg        func(*Config)
		wantReason string
	}{
		{
			name:       "low confidence short-circuits",
			mutate:     func(p *signal.ParsedSignal) { p.Confidence = 0.1 },
			wantReason: "confidence",
		},
		{
			name:       "missing pair",
			mutate:     func(p *signal.ParsedSignal) { p.Pair = "" },
			wantReason: "pair not recognized",
		},
		{
			name:   "implausible price",
			mutate: func(p *signal.ParsedSignal) { p.Entry = 4000 },
			cfg: func(c *Config) {
				c.References = map[string]ReferencePrice{
					"XAUUSD": {Price: 2000, StdDev: 25},
				}
			},
			wantReason: "std devs",
		},
		{
			name: "poor risk reward",
			mutate: func(p *signal.ParsedSignal) {
				p.StopLoss = 1950
				p.TakeProfits = []float64{2005}
			},
			cfg:        func(c *Config) { c.MinRiskReward = 1.0 },
			wantReason: "risk:reward",
		},
		{
			name: "stale signal",
			mutate: func(p *signal.ParsedSignal) {
				p.Raw.ReceivedAt = tradableTime.Add(-time.Hour)
			},
			wantReason: "stale",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			v := newValidator(cfg)

			p := goldBuy()
			tt.mutate(&p)

			res := v.Validate(p)
			if res.OK {
				t.Fatalf("expected failure, got OK")
			}
			found := false
			for _, r := range res.Reasons {
				if strings.Contains(r, tt.wantReason) {
					found = true
				}
			}
			if !found {
				t.Fatalf("reasons %v missing %q", res.Reasons, tt.wantReason)
			}
		})
	}
}

// Second occurrence of the same signal id inside the window must be
// rejected as a duplicate; the first must pass.
func TestValidateDuplicateWindow(t *testing.T) {
	v := newValidator(DefaultConfig())

	p := goldBuy()
	if res := v.Validate(p); !res.OK {
		t.Fatalf("first occurrence rejected: %v", res.Reasons)
	}
	res := v.Validate(p)
	if res.OK {
		t.Fatalf("duplicate accepted")
	}
	if !containsSubstring(res.Reasons, "duplicate") {
		t.Fatalf("reasons %v missing duplicate", res.Reasons)
	}
}

// Preview never records the signal, so previewing must not shadow a
// later real validation of the same signal, while a recorded signal is
// still visible to Preview.
func TestPreviewDoesNotMarkDuplicateWindow(t *testing.T) {
	v := newValidator(DefaultConfig())
	p := goldBuy()

	for i := 0; i < 3; i++ {
		if res := v.Preview(p); !res.OK {
			t.Fatalf("preview %d rejected: %v", i, res.Reasons)
		}
	}
	if res := v.Validate(p); !res.OK {
		t.Fatalf("real validation rejected after previews: %v", res.Reasons)
	}
	res := v.Preview(p)
	if res.OK || !containsSubstring(res.Reasons, "duplicate") {
		t.Fatalf("preview missed recorded duplicate: %+v", res)
	}
}

func TestValidateMarketHours(t *testing.T) {
	v := newValidator(DefaultConfig())
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return saturday }

	p := goldBuy()
	p.Raw.ReceivedAt = saturday // keep it fresh so only the session check fires
	res := v.Validate(p)
	if res.OK {
		t.Fatalf("expected market-closed rejection on Saturday")
	}
	if !containsSubstring(res.Reasons, "market closed") {
		t.Fatalf("reasons %v missing market closed", res.Reasons)
	}

	// Crypto trades through the weekend.
	crypto := goldBuy()
	crypto.SignalID = "sig-btc-1"
	crypto.Pair = "BTCUSD"
	crypto.Entry = 64000
	crypto.StopLoss = 63000
	crypto.TakeProfits = []float64{66000}
	crypto.Raw.ReceivedAt = saturday
	if res := v.Validate(crypto); !res.OK {
		t.Fatalf("crypto rejected on weekend: %v", res.Reasons)
	}
}

type fakeTickets map[string]bool

func (f fakeTickets) KnownTicket(ref string) bool { return f[ref] }

func TestValidateTicketCommands(t *testing.T) {
	v := New(DefaultConfig(), cache.NewShardedDedupCache(5*time.Minute), NewSessionTable(), fakeTickets{"1001": true})
	v.now = func() time.Time { return tradableTime }

	known := signal.ParsedSignal{
		SignalID:   "sig-close-1",
		Pair:       "XAUUSD",
		Action:     signal.ActionClose,
		TicketRef:  "1001",
		Confidence: 0.8,
		Raw:        signal.RawSignal{ProviderID: "prov-1", ReceivedAt: tradableTime},
	}
	if res := v.Validate(known); !res.OK {
		t.Fatalf("close of known ticket rejected: %v", res.Reasons)
	}

	unknown := known
	unknown.SignalID = "sig-close-2"
	unknown.TicketRef = "9999"
	res := v.Validate(unknown)
	if res.OK {
		t.Fatalf("close of unknown ticket accepted")
	}
	if !containsSubstring(res.Reasons, "unknown ticket") {
		t.Fatalf("reasons %v missing unknown ticket", res.Reasons)
	}
}

func containsSubstring(reasons []string, sub string) bool {
	for _, r := range reasons {
		if strings.Contains(r, sub) {
			return true
		}
	}
	return false
}
