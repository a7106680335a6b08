package stealth

import (
	"math/rand"
	"sync"
	"time"

	"signalos-core/internal/dispatch"
)

// Config drives the prop-firm-safe transform. Read-only to the pipeline.
// StripLevels removes SL/TP from the wire payload; LotJitterPercent is
// a percentage, so 10 means a jitter of up to ±10%.
type Config struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	StripLevels      bool          `yaml:"strip_levels" json:"strip_levels"`
	MaskComment      bool          `yaml:"mask_comment" json:"mask_comment"`
	RandomizeMagic   bool          `yaml:"randomize_magic" json:"randomize_magic"`
	MagicMin         int           `yaml:"magic_min" json:"magic_min"`
	MagicMax         int           `yaml:"magic_max" json:"magic_max"`
	DelayMin         time.Duration `yaml:"delay_min" json:"delay_min"`
	DelayMax         time.Duration `yaml:"delay_max" json:"delay_max"`
	LotJitterPercent float64       `yaml:"lot_jitter_percent" json:"lot_jitter_percent"`
	MinLot           float64       `yaml:"min_lot" json:"min_lot"`
}

// DefaultConfig returns a disabled transform with sane bounds for when
// it gets switched on.
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		StripLevels:      true,
		MaskComment:      true,
		RandomizeMagic:   true,
		MagicMin:         100000,
		MagicMax:         999999,
		DelayMin:         500 * time.Millisecond,
		DelayMax:         5 * time.Second,
		LotJitterPercent: 0,
		MinLot:           0.01,
	}
}

// Transformer applies the stealth transform. Pure aside from its RNG;
// tests inject a seeded source. The RNG is shared across dispatch
// workers, so draws go through the mutex.
type Transformer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (t *Transformer) intn(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Intn(n)
}

func (t *Transformer) float64() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64()
}

func (t *Transformer) int63n(n int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Int63n(n)
}

// New creates a transformer with its own RNG.
func New() *Transformer {
	return &Transformer{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewSeeded creates a transformer with a deterministic RNG for tests.
func NewSeeded(seed int64) *Transformer {
	return &Transformer{rng: rand.New(rand.NewSource(seed))}
}

// Apply transforms a command per the config. Disabled config is the
// identity transform. The true values always survive in the command's
// private OriginalValues, which never reaches the wire.
func (t *Transformer) Apply(cmd dispatch.ExecutionCommand, cfg Config) dispatch.ExecutionCommand {
	if !cfg.Enabled {
		return cmd
	}

	out := cmd
	out.StealthApplied = true
	out.OriginalValues = &dispatch.OriginalValues{
		StopLoss:    cmd.StopLoss,
		TakeProfits: append([]float64(nil), cmd.TakeProfits...),
		Comment:     cmd.Comment,
		MagicNumber: cmd.MagicNumber,
		LotSize:     cmd.LotSize,
	}

	if cfg.StripLevels {
		out.StopLoss = 0
		out.TakeProfits = nil
	}
	if cfg.MaskComment {
		out.Comment = ""
	}
	if cfg.RandomizeMagic && cfg.MagicMax > cfg.MagicMin {
		out.MagicNumber = cfg.MagicMin + t.intn(cfg.MagicMax-cfg.MagicMin+1)
	}
	if cfg.LotJitterPercent > 0 && out.LotSize > 0 {
		// Jitter in [-p%, +p%], floored at the minimum tradable lot.
		f := 1 + (t.float64()*2-1)*cfg.LotJitterPercent/100
		jittered := roundLot(out.LotSize * f)
		if jittered < cfg.MinLot {
			jittered = cfg.MinLot
		}
		out.LotSize = jittered
	}

	return out
}

// Delay returns a random pre-execution hold within the configured bounds,
// or zero when stealth (or the delay window) is off.
func (t *Transformer) Delay(cfg Config) time.Duration {
	if !cfg.Enabled || cfg.DelayMax <= cfg.DelayMin || cfg.DelayMax <= 0 {
		return 0
	}
	span := cfg.DelayMax - cfg.DelayMin
	return cfg.DelayMin + time.Duration(t.int63n(int64(span)))
}

// roundLot snaps a lot to two decimals, the usual broker lot step.
func roundLot(lot float64) float64 {
	return float64(int(lot*100+0.5)) / 100
}
