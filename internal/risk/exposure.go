package risk

import (
	"log"
	"sync"
	"time"
)

// ExposureLedger is the single piece of mutable shared state in the
// pipeline: open lot exposure per pair plus daily counters per provider
// and pair. Every entry has its own lock so pairs never contend with
// each other, and no caller may hold a lock across a dispatch wait —
// exposure is reserved before dispatch and confirmed or released after.
type ExposureLedger struct {
	mu    sync.RWMutex
	pairs map[string]*pairState
	provs map[string]*providerState
}

type pairState struct {
	mu          sync.Mutex
	confirmed   float64 // lots of live positions
	reserved    float64 // lots reserved for in-flight dispatches
	dailyTrades int
}

type providerState struct {
	mu         sync.Mutex
	openTrades int
	dailyLoss  float64
}

// NewExposureLedger creates an empty ledger.
func NewExposureLedger() *ExposureLedger {
	return &ExposureLedger{
		pairs: make(map[string]*pairState),
		provs: make(map[string]*providerState),
	}
}

func (l *ExposureLedger) pair(pair string) *pairState {
	l.mu.RLock()
	ps, ok := l.pairs[pair]
	l.mu.RUnlock()
	if ok {
		return ps
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ps, ok = l.pairs[pair]; !ok {
		ps = &pairState{}
		l.pairs[pair] = ps
	}
	return ps
}

func (l *ExposureLedger) provider(id string) *providerState {
	l.mu.RLock()
	ps, ok := l.provs[id]
	l.mu.RUnlock()
	if ok {
		return ps
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ps, ok = l.provs[id]; !ok {
		ps = &providerState{}
		l.provs[id] = ps
	}
	return ps
}

// TryReserve atomically reserves up to lots against the pair cap and
// returns the granted amount (possibly scaled down, possibly 0). The
// reservation counts toward exposure until Confirm or Release.
func (l *ExposureLedger) TryReserve(pair string, lots, cap float64) float64 {
	ps := l.pair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if cap <= 0 {
		ps.reserved += lots
		return lots
	}
	remaining := cap - ps.confirmed - ps.reserved
	if remaining <= 0 {
		return 0
	}
	granted := lots
	if granted > remaining {
		granted = remaining
	}
	ps.reserved += granted
	return granted
}

// PeekReserve reports what TryReserve would grant right now without
// holding anything. Dry runs use this so no reservation is left behind.
func (l *ExposureLedger) PeekReserve(pair string, lots, cap float64) float64 {
	ps := l.pair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if cap <= 0 {
		return lots
	}
	remaining := cap - ps.confirmed - ps.reserved
	if remaining <= 0 {
		return 0
	}
	if lots > remaining {
		return remaining
	}
	return lots
}

// Confirm moves a reservation into confirmed exposure after an ACK.
func (l *ExposureLedger) Confirm(pair string, lots float64) {
	ps := l.pair(pair)
	ps.mu.Lock()
	ps.reserved -= lots
	ps.confirmed += lots
	ps.dailyTrades++
	if ps.reserved < 0 {
		ps.reserved = 0
	}
	ps.mu.Unlock()
}

// Release drops a reservation after a failed or cancelled dispatch.
func (l *ExposureLedger) Release(pair string, lots float64) {
	ps := l.pair(pair)
	ps.mu.Lock()
	ps.reserved -= lots
	if ps.reserved < 0 {
		ps.reserved = 0
	}
	ps.mu.Unlock()
}

// Close removes confirmed exposure when a position is closed.
func (l *ExposureLedger) Close(pair string, lots float64) {
	ps := l.pair(pair)
	ps.mu.Lock()
	ps.confirmed -= lots
	if ps.confirmed < 0 {
		ps.confirmed = 0
	}
	ps.mu.Unlock()
}

// Exposure returns confirmed + reserved lots for a pair.
func (l *ExposureLedger) Exposure(pair string) float64 {
	ps := l.pair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.confirmed + ps.reserved
}

// DailyTrades returns today's confirmed trade count for a pair.
func (l *ExposureLedger) DailyTrades(pair string) int {
	ps := l.pair(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.dailyTrades
}

// TradeOpened / TradeClosed track the provider's concurrent trade count.
func (l *ExposureLedger) TradeOpened(provider string) {
	ps := l.provider(provider)
	ps.mu.Lock()
	ps.openTrades++
	ps.mu.Unlock()
}

func (l *ExposureLedger) TradeClosed(provider string) {
	ps := l.provider(provider)
	ps.mu.Lock()
	if ps.openTrades > 0 {
		ps.openTrades--
	}
	ps.mu.Unlock()
}

// OpenTrades returns the provider's live trade count.
func (l *ExposureLedger) OpenTrades(provider string) int {
	ps := l.provider(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.openTrades
}

// RecordLoss accumulates a realized loss against the provider's daily cap.
func (l *ExposureLedger) RecordLoss(provider string, loss float64) {
	if loss <= 0 {
		return
	}
	ps := l.provider(provider)
	ps.mu.Lock()
	ps.dailyLoss += loss
	ps.mu.Unlock()
}

// DailyLoss returns the provider's accumulated realized loss for today.
func (l *ExposureLedger) DailyLoss(provider string) float64 {
	ps := l.provider(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.dailyLoss
}

// ResetDaily clears the daily counters. Confirmed exposure survives the
// reset since open positions carry over the day boundary.
func (l *ExposureLedger) ResetDaily() {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ps := range l.pairs {
		ps.mu.Lock()
		ps.dailyTrades = 0
		ps.mu.Unlock()
	}
	for _, ps := range l.provs {
		ps.mu.Lock()
		ps.dailyLoss = 0
		ps.mu.Unlock()
	}
	log.Printf("exposure ledger daily counters reset")
}

// StartDailyReset runs ResetDaily at every UTC midnight until stop closes.
func (l *ExposureLedger) StartDailyReset(stop <-chan struct{}) {
	go func() {
		for {
			now := time.Now().UTC()
			next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			select {
			case <-stop:
				return
			case <-time.After(next.Sub(now)):
				l.ResetDaily()
			}
		}
	}()
}
