package marketroom

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/guildhall/economy/internal/config"
)

// priceWalk keeps advisory reference prices. Each step reverts toward the
// item's base price and adds gaussian noise scaled by volatility, clamped to
// [base/2, 2*base].
type priceWalk struct {
	tuning config.Tuning
	rng    *rand.Rand
	prices map[string]float64
}

func newPriceWalk(tuning config.Tuning, seed uint64) *priceWalk {
	w := &priceWalk{
		tuning: tuning,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		prices: make(map[string]float64),
	}
	for item := range tuning.BasePrices {
		w.track(item)
	}
	return w
}

func (w *priceWalk) track(item string) {
	if _, ok := w.prices[item]; !ok && item != "" {
		w.prices[item] = float64(w.tuning.BasePrice(item))
	}
}

func (w *priceWalk) step() {
	items := make([]string, 0, len(w.prices))
	for item := range w.prices {
		items = append(items, item)
	}
	// Sorted so a seeded walk is reproducible.
	sort.Strings(items)
	for _, item := range items {
		base := float64(w.tuning.BasePrice(item))
		p := w.prices[item]
		p += w.tuning.MeanReversion*(base-p) + w.tuning.Volatility*base*w.rng.NormFloat64()
		w.prices[item] = math.Min(math.Max(p, base/2), base*2)
	}
}

func (w *priceWalk) snapshot() map[string]float64 {
	out := make(map[string]float64, len(w.prices))
	for item, p := range w.prices {
		out[item] = math.Round(p*100) / 100
	}
	return out
}
