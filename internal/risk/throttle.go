package risk

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// swapped out by tests
var timeNow = time.Now

// Throttle enforces signal-frequency ceilings at three levels: global,
// per provider and per pair. A signal passes only when all three grant
// a token, so a burst from one provider cannot starve the others.
type Throttle struct {
	mu        sync.Mutex
	global    *rate.Limiter
	providers map[string]*rate.Limiter
	pairs     map[string]*rate.Limiter

	providerRate func(id string) float64
	pairRate     func(pair string) float64
}

// NewThrottle creates a throttle. The rate callbacks resolve the
// per-minute ceiling for a key (profiles may differ per provider/pair).
func NewThrottle(globalPerMinute float64, providerRate, pairRate func(string) float64) *Throttle {
	return &Throttle{
		global:       newLimiter(globalPerMinute),
		providers:    make(map[string]*rate.Limiter),
		pairs:        make(map[string]*rate.Limiter),
		providerRate: providerRate,
		pairRate:     pairRate,
	}
}

func newLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perMinute)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
}

func (t *Throttle) limiters(provider, pair string) (prov, pr *rate.Limiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prov, ok := t.providers[provider]
	if !ok {
		prov = newLimiter(t.providerRate(provider))
		t.providers[provider] = prov
	}
	pr, ok = t.pairs[pair]
	if !ok {
		pr = newLimiter(t.pairRate(pair))
		t.pairs[pair] = pr
	}
	return prov, pr
}

// Allow consumes one token at each level. Tokens are only taken when all
// levels would grant, so a rejection does not burn provider budget.
func (t *Throttle) Allow(provider, pair string) bool {
	prov, pr := t.limiters(provider, pair)

	now := timeNow()
	gRes := t.global.ReserveN(now, 1)
	pRes := prov.ReserveN(now, 1)
	sRes := pr.ReserveN(now, 1)
	if gRes.OK() && pRes.OK() && sRes.OK() &&
		gRes.DelayFrom(now) == 0 && pRes.DelayFrom(now) == 0 && sRes.DelayFrom(now) == 0 {
		return true
	}
	gRes.CancelAt(now)
	pRes.CancelAt(now)
	sRes.CancelAt(now)
	return false
}

// WouldAllow reports whether every level has a token available right
// now, consuming none. Dry runs use this so they cannot starve real
// signals of throttle budget.
func (t *Throttle) WouldAllow(provider, pair string) bool {
	prov, pr := t.limiters(provider, pair)

	now := timeNow()
	gRes := t.global.ReserveN(now, 1)
	pRes := prov.ReserveN(now, 1)
	sRes := pr.ReserveN(now, 1)
	ok := gRes.OK() && pRes.OK() && sRes.OK() &&
		gRes.DelayFrom(now) == 0 && pRes.DelayFrom(now) == 0 && sRes.DelayFrom(now) == 0
	gRes.CancelAt(now)
	pRes.CancelAt(now)
	sRes.CancelAt(now)
	return ok
}
