package risk

// Verdict is the outcome of a risk evaluation.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictScaled   Verdict = "SCALED"
	VerdictRejected Verdict = "REJECTED"
)

// Decision carries the verdict plus human-readable reasons for audit.
// Immutable once returned.
type Decision struct {
	SignalID    string   `json:"signal_id"`
	Verdict     Verdict  `json:"verdict"`
	AdjustedLot float64  `json:"adjusted_lot_size"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Rejected reports whether the decision blocks execution.
func (d Decision) Rejected() bool { return d.Verdict == VerdictRejected }

// ProviderProfile holds per-provider ceilings. Externally supplied,
// read-only to the pipeline. MaxDailyLoss is in account currency.
type ProviderProfile struct {
	ProviderID          string  `yaml:"provider_id" json:"provider_id"`
	MaxDailyLoss        float64 `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxConcurrentTrades int     `yaml:"max_concurrent_trades" json:"max_concurrent_trades"`
	MaxLotSize          float64 `yaml:"max_lot_size" json:"max_lot_size"`
	DefaultLotSize      float64 `yaml:"default_lot_size" json:"default_lot_size"`
	SignalsPerMinute    float64 `yaml:"signals_per_minute" json:"signals_per_minute"`
}

// PairProfile holds per-pair ceilings. Externally supplied, read-only.
type PairProfile struct {
	Pair             string  `yaml:"pair" json:"pair"`
	MaxExposureLots  float64 `yaml:"max_exposure_lots" json:"max_exposure_lots"`
	MaxDailyTrades   int     `yaml:"max_daily_trades" json:"max_daily_trades"`
	SignalsPerMinute float64 `yaml:"signals_per_minute" json:"signals_per_minute"`
}

// Config holds global risk settings. MarginLevelFloor is a percentage.
type Config struct {
	MinTradableLot         float64 `yaml:"min_tradable_lot" json:"min_tradable_lot"`
	MarginLevelFloor       float64 `yaml:"margin_level_floor" json:"margin_level_floor"`
	GlobalSignalsPerMinute float64 `yaml:"global_signals_per_minute" json:"global_signals_per_minute"`
}

// DefaultConfig returns conservative global defaults.
func DefaultConfig() Config {
	return Config{
		MinTradableLot:         0.01,
		MarginLevelFloor:       150,
		GlobalSignalsPerMinute: 30,
	}
}

// DefaultProviderProfile is used when no profile is configured for a provider.
func DefaultProviderProfile(providerID string) ProviderProfile {
	return ProviderProfile{
		ProviderID:          providerID,
		MaxDailyLoss:        500,
		MaxConcurrentTrades: 10,
		MaxLotSize:          1.0,
		DefaultLotSize:      0.10,
		SignalsPerMinute:    10,
	}
}

// DefaultPairProfile is used when no profile is configured for a pair.
func DefaultPairProfile(pair string) PairProfile {
	return PairProfile{
		Pair:             pair,
		MaxExposureLots:  2.0,
		MaxDailyTrades:   20,
		SignalsPerMinute: 6,
	}
}

// AccountState is a snapshot of the trading account fed into evaluation.
type AccountState struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginLevel float64 `json:"margin_level"` // percent; 0 = unknown
}
