package ledger

import (
	"fmt"
	"math"
	"sort"
)

// WeightSumTolerance is how far the sum of target weights may stray from 1.
const WeightSumTolerance = 0.01

// Balances maps an asset identifier to a quantity in whole units.
type Balances map[string]int64

// Total returns the summed value of all assets.
func (b Balances) Total() int64 {
	var total int64
	for _, q := range b {
		total += q
	}
	return total
}

// Clone returns an independent copy (nil stays nil).
func (b Balances) Clone() Balances {
	if b == nil {
		return nil
	}
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Assets returns the asset identifiers in sorted order.
func (b Balances) Assets() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidateWeights checks that every weight lies in [0,1] and that the
// weights sum to 1 within WeightSumTolerance.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: no assets", ErrInvalidWeights)
	}
	var sum float64
	for asset, w := range weights {
		if math.IsNaN(w) || w < 0 || w > 1 {
			return fmt.Errorf("%w: %s=%v outside [0,1]", ErrInvalidWeights, asset, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > WeightSumTolerance {
		return fmt.Errorf("%w: weights sum to %.4f", ErrInvalidWeights, sum)
	}
	return nil
}

// Allocate redistributes the total value of pre across the target weights.
// Weights are scaled by their sum first, so a vector accepted within
// WeightSumTolerance still conserves the total up to rounding. Every asset
// present in either pre or weights appears in the result; an asset without
// a weight is allocated zero.
func Allocate(pre Balances, weights map[string]float64) Balances {
	total := float64(pre.Total())
	post := make(Balances, len(weights)+len(pre))
	for asset := range pre {
		post[asset] = 0
	}

	assets := make([]string, 0, len(weights))
	for asset := range weights {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	var sum float64
	for _, asset := range assets {
		sum += weights[asset]
	}

	for _, asset := range assets {
		if sum <= 0 {
			post[asset] = 0
			continue
		}
		post[asset] = int64(math.Round(total * weights[asset] / sum))
	}
	return post
}
