package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// FeeTier maps a listing duration to the fee rate charged on creation.
type FeeTier struct {
	Duration time.Duration `yaml:"duration"`
	RateBps  int64         `yaml:"rate_bps"`
}

// Tuning holds economy knobs that designers change without a deploy.
type Tuning struct {
	FeeTiers   []FeeTier        `yaml:"fee_tiers"`
	BasePrices map[string]int64 `yaml:"base_prices"`
	// DefaultBasePrice seeds the price walk for items missing from BasePrices.
	DefaultBasePrice int64   `yaml:"default_base_price"`
	Volatility       float64 `yaml:"volatility"`
	MeanReversion    float64 `yaml:"mean_reversion"`

	MaxListingQuantity int64 `yaml:"max_listing_quantity"`
	MaxPricePerUnit    int64 `yaml:"max_price_per_unit"`
	SweepBatchSize     int   `yaml:"sweep_batch_size"`
}

// DefaultTuning returns the compiled-in economy defaults. Shorter listings pay
// a lower fee.
func DefaultTuning() Tuning {
	return Tuning{
		FeeTiers: []FeeTier{
			{Duration: 24 * time.Minute, RateBps: 500},
			{Duration: 2 * time.Hour, RateBps: 750},
			{Duration: 8 * time.Hour, RateBps: 1000},
			{Duration: 24 * time.Hour, RateBps: 1500},
		},
		BasePrices: map[string]int64{
			"iron_ore":     12,
			"copper_ore":   8,
			"timber":       5,
			"healing_herb": 20,
		},
		DefaultBasePrice:   10,
		Volatility:         0.04,
		MeanReversion:      0.05,
		MaxListingQuantity: 10_000,
		MaxPricePerUnit:    1_000_000_000,
		SweepBatchSize:     500,
	}
}

// LoadTuning reads a YAML tuning file over the defaults. An empty path yields
// the defaults unchanged.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Validate checks the tuning is usable and sorts fee tiers by duration.
// A longer tier never charges a lower rate than a shorter one.
func (t *Tuning) Validate() error {
	if len(t.FeeTiers) == 0 {
		return fmt.Errorf("fee_tiers must not be empty")
	}
	seen := make(map[time.Duration]bool, len(t.FeeTiers))
	for _, tier := range t.FeeTiers {
		if tier.Duration <= 0 {
			return fmt.Errorf("fee tier duration must be positive")
		}
		if tier.RateBps < 0 || tier.RateBps > 10_000 {
			return fmt.Errorf("fee tier %s: rate_bps %d out of range", tier.Duration, tier.RateBps)
		}
		if seen[tier.Duration] {
			return fmt.Errorf("duplicate fee tier %s", tier.Duration)
		}
		seen[tier.Duration] = true
	}
	sort.Slice(t.FeeTiers, func(i, j int) bool { return t.FeeTiers[i].Duration < t.FeeTiers[j].Duration })
	for i := 1; i < len(t.FeeTiers); i++ {
		prev, cur := t.FeeTiers[i-1], t.FeeTiers[i]
		if cur.RateBps < prev.RateBps {
			return fmt.Errorf("fee tier %s: rate_bps %d is below the %d of the shorter %s tier", cur.Duration, cur.RateBps, prev.RateBps, prev.Duration)
		}
	}
	if t.DefaultBasePrice <= 0 {
		return fmt.Errorf("default_base_price must be positive")
	}
	if t.Volatility < 0 || t.MeanReversion < 0 || t.MeanReversion > 1 {
		return fmt.Errorf("volatility and mean_reversion must be within range")
	}
	return nil
}

// FeeRate returns the fee rate for an exact tier duration.
func (t Tuning) FeeRate(d time.Duration) (int64, bool) {
	for _, tier := range t.FeeTiers {
		if tier.Duration == d {
			return tier.RateBps, true
		}
	}
	return 0, false
}

// BasePrice returns the reference price an item's random walk reverts to.
func (t Tuning) BasePrice(item string) int64 {
	if p, ok := t.BasePrices[item]; ok && p > 0 {
		return p
	}
	return t.DefaultBasePrice
}
