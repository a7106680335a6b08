package parser

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"signalos-core/internal/signal"
)

func rawText(text string) signal.RawSignal {
	return signal.RawSignal{
		SourceID:   "test",
		ProviderID: "prov-1",
		ReceivedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Text:       text,
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantPair string
		wantAct  signal.Action
		wantEnt  float64
		wantSL   float64
		wantTPs  []float64
	}{
		{
			name:     "gold with labeled levels",
			text:     "BUY GOLD Entry 2000 SL 1990 TP1 2010 TP2 2020",
			wantPair: "XAUUSD",
			wantAct:  signal.ActionBuy,
			wantEnt:  2000,
			wantSL:   1990,
			wantTPs:  []float64{2010, 2020},
		},
		{
			name:     "sell limit with slash anchors",
			text:     "SELL LIMIT EURUSD @ 1.0950 S/L 1.0990 T/P 1.0900",
			wantPair: "EURUSD",
			wantAct:  signal.ActionSellLimit,
			wantEnt:  1.0950,
			wantSL:   1.0990,
			wantTPs:  []float64{1.0900},
		},
		{
			name:     "buy stop with decimal comma",
			text:     "buy stop gbpusd entry 1,2750 stop loss 1,2700 target 1,2850",
			wantPair: "GBPUSD",
			wantAct:  signal.ActionBuyStop,
			wantEnt:  1.2750,
			wantSL:   1.2700,
			wantTPs:  []float64{1.2850},
		},
		{
			name:     "unlabeled tp anchor keeps the full price",
			text:     "BUY GOLD ENTRY 2000 SL 1990 TP 2010",
			wantPair: "XAUUSD",
			wantAct:  signal.ActionBuy,
			wantEnt:  2000,
			wantSL:   1990,
			wantTPs:  []float64{2010},
		},
		{
			name:     "take profit phrase without index",
			text:     "BUY BTC AT 50000 SL 49500 TAKE PROFIT 50600",
			wantPair: "BTCUSD",
			wantAct:  signal.ActionBuy,
			wantEnt:  50000,
			wantSL:   49500,
			wantTPs:  []float64{50600},
		},
		{
			name:     "indexed ladder with colon separators",
			text:     "SELL EURUSD @ 1.0950 SL: 1.0990 TP1: 1.0900 TP 2: 1.0850",
			wantPair: "EURUSD",
			wantAct:  signal.ActionSell,
			wantEnt:  1.0950,
			wantSL:   1.0990,
			wantTPs:  []float64{1.0900, 1.0850},
		},
		{
			name:     "positional numbers without anchors",
			text:     "LONG US30 34000 34100 34200",
			wantPair: "US30",
			wantAct:  signal.ActionBuy,
			wantEnt:  34000,
			wantTPs:  []float64{34100, 34200},
		},
		{
			name:     "close command with ticket",
			text:     "CLOSE #445120 gold",
			wantPair: "XAUUSD",
			wantAct:  signal.ActionClose,
		},
		{
			name:     "cancel pending order",
			text:     "cancel the eurusd sell limit",
			wantPair: "EURUSD",
			wantAct:  signal.ActionCancel,
		},
		{
			name:     "breakeven is a modify",
			text:     "move gold SL to breakeven",
			wantPair: "XAUUSD",
			wantAct:  signal.ActionModify,
		},
		{
			name:    "no pair no action",
			text:    "good morning traders!",
			wantAct: signal.ActionNone,
		},
	}

	p := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(rawText(tt.text))
			if got.Pair != tt.wantPair {
				t.Fatalf("Pair=%q, expected %q", got.Pair, tt.wantPair)
			}
			if got.Action != tt.wantAct {
				t.Fatalf("Action=%q, expected %q", got.Action, tt.wantAct)
			}
			if got.Entry != tt.wantEnt {
				t.Fatalf("Entry=%v, expected %v", got.Entry, tt.wantEnt)
			}
			if got.StopLoss != tt.wantSL {
				t.Fatalf("StopLoss=%v, expected %v", got.StopLoss, tt.wantSL)
			}
			if len(got.TakeProfits) != len(tt.wantTPs) {
				t.Fatalf("TakeProfits=%v, expected %v", got.TakeProfits, tt.wantTPs)
			}
			for i := range tt.wantTPs {
				if got.TakeProfits[i] != tt.wantTPs[i] {
					t.Fatalf("TakeProfits[%d]=%v, expected %v", i, got.TakeProfits[i], tt.wantTPs[i])
				}
			}
		})
	}
}

// Parse must be total: no input may panic and confidence stays in [0,1].
func TestParseNeverFails(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"!!!###$$$",
		"BUY BUY BUY",
		"SELL BUY GOLD",
		strings.Repeat("TP 1.2345 ", 500),
		"\x00\xff garbage \t\n",
		"1 2 3 4 5 6 7 8 9",
	}

	p := New(nil)
	for _, in := range inputs {
		got := p.Parse(rawText(in))
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Fatalf("confidence %v out of range for input %q", got.Confidence, in)
		}
		if len(got.TakeProfits) > signal.MaxTakeProfits {
			t.Fatalf("take profit ladder %d exceeds cap for input %q", len(got.TakeProfits), in)
		}
		if got.SignalID == "" {
			t.Fatalf("missing signal id for input %q", in)
		}
	}
}

func TestParseConfidenceBands(t *testing.T) {
	p := New(nil)

	full := p.Parse(rawText("BUY GOLD Entry 2000 SL 1990 TP1 2010 TP2 2020"))
	if full.Confidence < signal.ConfidenceHigh {
		t.Fatalf("fully specified signal scored %v, expected >= %v", full.Confidence, signal.ConfidenceHigh)
	}

	noAction := p.Parse(rawText("GOLD 2000 2010 2020"))
	if noAction.Action != signal.ActionNone {
		t.Fatalf("expected no action, got %q", noAction.Action)
	}
	if noAction.Confidence >= signal.ConfidenceMedium {
		t.Fatalf("action-less signal scored %v, expected below %v", noAction.Confidence, signal.ConfidenceMedium)
	}

	// TPs on the wrong side of entry must not earn the structure weight.
	inconsistent := p.Parse(rawText("BUY GOLD ENTRY 2000 SL 1990 TP 1980"))
	if inconsistent.Confidence >= full.Confidence {
		t.Fatalf("inconsistent ladder scored %v, expected below %v", inconsistent.Confidence, full.Confidence)
	}
}

func TestParseTruncatesLadderAt100(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("BUY GOLD ENTRY 2000 SL 1990")
	for i := 0; i < 150; i++ {
		fmt.Fprintf(&sb, " TP%d %d", i+1, 2001+i)
	}

	p := New(nil)
	got := p.Parse(rawText(sb.String()))
	if len(got.TakeProfits) != signal.MaxTakeProfits {
		t.Fatalf("ladder length %d, expected %d", len(got.TakeProfits), signal.MaxTakeProfits)
	}
	if len(got.Warnings) == 0 {
		t.Fatalf("expected truncation warning")
	}
}

func TestParseStableSignalID(t *testing.T) {
	p := New(nil)
	a := p.Parse(rawText("BUY GOLD ENTRY 2000"))
	b := p.Parse(rawText("  buy   gold  entry  2000 "))
	if a.SignalID != b.SignalID {
		t.Fatalf("normalized duplicates should share a signal id: %s vs %s", a.SignalID, b.SignalID)
	}

	later := rawText("BUY GOLD ENTRY 2000")
	later.ReceivedAt = later.ReceivedAt.Add(20 * time.Minute)
	c := p.Parse(later)
	if a.SignalID == c.SignalID {
		t.Fatalf("signals in different time buckets must not share an id")
	}
}

func TestParseProviderAliases(t *testing.T) {
	p := New(map[string]string{"shiny": "XAUUSD"})
	got := p.Parse(rawText("BUY SHINY 2000"))
	if got.Pair != "XAUUSD" {
		t.Fatalf("provider alias not resolved, got %q", got.Pair)
	}
}
