package validate

import (
	"strings"
	"time"
)

// SessionTable answers whether a pair is tradable at a given instant.
// Provider-agnostic: classes are derived from the symbol itself.
type SessionTable struct{}

// NewSessionTable returns the built-in session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{}
}

// Open reports whether the market for pair is open at t.
func (s *SessionTable) Open(pair string, t time.Time) bool {
	switch assetClass(pair) {
	case classCrypto:
		return true
	default:
		return fxOpen(t.UTC())
	}
}

type class int

const (
	classFX class = iota
	classMetal
	classIndex
	classCrypto
)

func assetClass(pair string) class {
	p := strings.ToUpper(pair)
	switch {
	case strings.HasPrefix(p, "BTC"), strings.HasPrefix(p, "ETH"),
		strings.HasPrefix(p, "LTC"), strings.HasPrefix(p, "XRP"):
		return classCrypto
	case strings.HasPrefix(p, "XAU"), strings.HasPrefix(p, "XAG"),
		strings.HasPrefix(p, "XTI"), strings.HasPrefix(p, "XBR"):
		return classMetal
	case p == "US30" || p == "NAS100" || p == "SPX500" || p == "GER40" ||
		p == "UK100" || p == "JPN225":
		return classIndex
	default:
		return classFX
	}
}

// fxOpen implements the standard weekly FX session:
// Sunday 22:00 UTC through Friday 21:00 UTC.
func fxOpen(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return t.Hour() >= 22
	case time.Friday:
		return t.Hour() < 21
	default:
		return true
	}
}
