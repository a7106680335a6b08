package risk

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"signalos-core/internal/signal"
)

// Manager applies provider, pair and global limits to parsed signals.
// On a partial breach it scales the lot down to the remaining allowance
// instead of rejecting, unless the scaled lot would fall below the
// minimum tradable unit.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	profiles *ProfileStore
	ledger   *ExposureLedger
	throttle *Throttle

	emergencyStop atomic.Bool

	// account snapshot refreshed by the execution backend integration
	account   AccountState
	accountMu sync.RWMutex
}

// NewManager creates a risk manager over the given profile store and ledger.
func NewManager(cfg Config, profiles *ProfileStore, ledger *ExposureLedger) *Manager {
	m := &Manager{
		cfg:      cfg,
		profiles: profiles,
		ledger:   ledger,
	}
	m.throttle = NewThrottle(cfg.GlobalSignalsPerMinute,
		func(id string) float64 { return profiles.Provider(id).SignalsPerMinute },
		func(pair string) float64 { return profiles.Pair(pair).SignalsPerMinute },
	)
	return m
}

// SetEmergencyStop toggles the hard-reject flag.
func (m *Manager) SetEmergencyStop(on bool) {
	m.emergencyStop.Store(on)
	if on {
		log.Printf("⚠️ emergency stop engaged: all signals will be rejected")
	} else {
		log.Printf("emergency stop released")
	}
}

// EmergencyStopped reports the current flag state.
func (m *Manager) EmergencyStopped() bool { return m.emergencyStop.Load() }

// UpdateAccount refreshes the account snapshot used by the margin check.
func (m *Manager) UpdateAccount(a AccountState) {
	m.accountMu.Lock()
	m.account = a
	m.accountMu.Unlock()
}

// Config returns a copy of the global risk settings.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig swaps the global risk settings between signals.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Ledger exposes the exposure ledger for dispatch confirm/release.
func (m *Manager) Ledger() *ExposureLedger { return m.ledger }

// Evaluate runs the priority-ordered checks over a parsed signal.
// An APPROVED or SCALED decision leaves a live exposure reservation of
// AdjustedLot on the ledger; the caller must Confirm or Release it once
// the dispatch outcome is known.
func (m *Manager) Evaluate(p signal.ParsedSignal) Decision {
	return m.evaluate(p, true)
}

// Preview runs the same checks as Evaluate without consuming throttle
// tokens or reserving exposure, so a dry run leaves the ledger as it
// found it.
func (m *Manager) Preview(p signal.ParsedSignal) Decision {
	return m.evaluate(p, false)
}

func (m *Manager) evaluate(p signal.ParsedSignal, commit bool) Decision {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	dec := Decision{SignalID: p.SignalID, Verdict: VerdictApproved}
	reject := func(reason string) Decision {
		dec.Verdict = VerdictRejected
		dec.AdjustedLot = 0
		dec.Reasons = append(dec.Reasons, reason)
		return dec
	}

	// 1. Emergency stop rejects everything, including management commands.
	if m.emergencyStop.Load() {
		return reject("emergency stop engaged")
	}

	// Management commands carry no new exposure; let them through.
	if !p.Action.IsEntry() {
		dec.Reasons = append(dec.Reasons, "management command, no exposure change")
		return dec
	}

	prov := m.profiles.Provider(p.Raw.ProviderID)
	pairProf := m.profiles.Pair(p.Pair)

	requested := p.LotSize
	if requested == 0 {
		requested = prov.DefaultLotSize
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("no lot in signal, provider default %.2f applied", requested))
	}

	// 2. Provider ceilings.
	if prov.MaxDailyLoss > 0 {
		if loss := m.ledger.DailyLoss(prov.ProviderID); loss >= prov.MaxDailyLoss {
			return reject(fmt.Sprintf("provider daily loss limit reached: %.2f/%.2f", loss, prov.MaxDailyLoss))
		}
	}
	if prov.MaxConcurrentTrades > 0 {
		if open := m.ledger.OpenTrades(prov.ProviderID); open >= prov.MaxConcurrentTrades {
			return reject(fmt.Sprintf("provider concurrent trade limit reached: %d/%d", open, prov.MaxConcurrentTrades))
		}
	}
	if prov.MaxLotSize > 0 && requested > prov.MaxLotSize {
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("lot clipped to provider ceiling: %.2f -> %.2f", requested, prov.MaxLotSize))
		requested = prov.MaxLotSize
	}

	// 3. Pair ceilings.
	if pairProf.MaxDailyTrades > 0 {
		if n := m.ledger.DailyTrades(p.Pair); n >= pairProf.MaxDailyTrades {
			return reject(fmt.Sprintf("pair daily trade limit reached: %d/%d", n, pairProf.MaxDailyTrades))
		}
	}

	// 4. Frequency throttle (provider, pair, global).
	if m.throttle != nil {
		pass := false
		if commit {
			pass = m.throttle.Allow(prov.ProviderID, p.Pair)
		} else {
			pass = m.throttle.WouldAllow(prov.ProviderID, p.Pair)
		}
		if !pass {
			return reject("signal frequency throttle")
		}
	}

	// 5. Margin floor.
	m.accountMu.RLock()
	account := m.account
	m.accountMu.RUnlock()
	if cfg.MarginLevelFloor > 0 && account.MarginLevel > 0 && account.MarginLevel < cfg.MarginLevelFloor {
		return reject(fmt.Sprintf("margin level %.1f%% below floor %.1f%%", account.MarginLevel, cfg.MarginLevelFloor))
	}

	// 6. Pair exposure reservation, scaling down to remaining capacity.
	var granted float64
	if commit {
		granted = m.ledger.TryReserve(p.Pair, requested, pairProf.MaxExposureLots)
	} else {
		granted = m.ledger.PeekReserve(p.Pair, requested, pairProf.MaxExposureLots)
	}
	if granted <= 0 {
		return reject(fmt.Sprintf("pair exposure limit reached: %.2f lots cap on %s", pairProf.MaxExposureLots, p.Pair))
	}
	if granted < cfg.MinTradableLot {
		if commit {
			m.ledger.Release(p.Pair, granted)
		}
		return reject(fmt.Sprintf("remaining capacity %.2f below minimum tradable lot %.2f", granted, cfg.MinTradableLot))
	}
	if granted < requested {
		dec.Verdict = VerdictScaled
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("lot scaled to remaining pair capacity: %.2f -> %.2f", requested, granted))
	}

	dec.AdjustedLot = granted
	if commit {
		log.Printf("risk %s: %s %s %.2f lots (signal %s)", dec.Verdict, p.Action, p.Pair, granted, shortID(p.SignalID))
	}
	return dec
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
