package ledger

import (
	"context"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_RoundsHalfAwayFromZero(t *testing.T) {
	pre := Balances{"A": 3, "B": 0}
	post := Allocate(pre, map[string]float64{"A": 0.5, "B": 0.5})
	// 1.5 rounds to 2 for both assets: the sum overshoots by one unit.
	assert.Equal(t, Balances{"A": 2, "B": 2}, post)
}

func TestAllocate_UnweightedAssetGoesToZero(t *testing.T) {
	pre := Balances{"BTC": 600, "DOGE": 400}
	post := Allocate(pre, map[string]float64{"BTC": 0.25, "ETH": 0.75})
	assert.Equal(t, Balances{"BTC": 250, "ETH": 750, "DOGE": 0}, post)
}

func TestBalances_Helpers(t *testing.T) {
	b := Balances{"SOL": 1, "BTC": 2}
	assert.Equal(t, int64(3), b.Total())
	assert.Equal(t, []string{"BTC", "SOL"}, b.Assets())

	c := b.Clone()
	c["SOL"] = 9
	assert.Equal(t, int64(1), b["SOL"])
	assert.Nil(t, Balances(nil).Clone())
}

func TestAllocate_ScalesWeightsBySum(t *testing.T) {
	pre := Balances{"BTC": 1000, "ETH": 2000, "SOL": 500}
	weights := map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.195}
	require.NoError(t, ValidateWeights(weights))

	post := Allocate(pre, weights)
	assert.Equal(t, Balances{"BTC": 1759, "ETH": 1055, "SOL": 686}, post)
	assert.Equal(t, pre.Total(), post.Total())
}

func TestAllocate_ZeroWeightSum(t *testing.T) {
	post := Allocate(Balances{"A": 10}, map[string]float64{"A": 0})
	assert.Equal(t, Balances{"A": 0}, post)
}

// TestExecute_ConservationBound verifies the rounding bound for every
// weight vector the ledger accepts, including ones that sum to 1 only
// within WeightSumTolerance.
// Property: |sum(post) - sum(pre)| <= assets - 1.
func TestExecute_ConservationBound(t *testing.T) {
	assets := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	band := WeightSumTolerance * 0.99

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("rounding error is bounded by assets-1", prop.ForAll(
		func(n int, raw []float64, scale float64, quantities []int64) bool {
			var sum float64
			for i := 0; i < n; i++ {
				sum += raw[i]
			}
			weights := make(map[string]float64, n)
			pre := make(Balances, n)
			for i := 0; i < n; i++ {
				weights[assets[i]] = math.Min(1, raw[i]/sum*scale)
				pre[assets[i]] = quantities[i]
			}

			l := newTestLedger(nil)
			ctx := context.Background()
			if _, _, err := l.RecordProposal(ctx, "P", Proposal{NewWeights: weights}); err != nil {
				return false
			}
			rec, err := l.Execute(ctx, "P", pre)
			if err != nil {
				return false
			}

			diff := rec.PostBalances.Total() - rec.PreBalances.Total()
			if diff < 0 {
				diff = -diff
			}
			return diff <= int64(n-1)
		},
		gen.IntRange(1, len(assets)),
		gen.SliceOfN(len(assets), gen.Float64Range(0.001, 1)),
		gen.Float64Range(1-band, 1+band),
		gen.SliceOfN(len(assets), gen.Int64Range(0, 1_000_000_000)),
	))

	properties.TestingRun(t)
}

// TestValidateWeights_NormalisedAlwaysValid verifies that any normalised
// weight vector passes validation.
func TestValidateWeights_NormalisedAlwaysValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalised weights validate", prop.ForAll(
		func(raw []float64) bool {
			var sum float64
			for _, w := range raw {
				sum += w
			}
			weights := make(map[string]float64, len(raw))
			for i, w := range raw {
				weights[string(rune('A'+i))] = w / sum
			}
			return ValidateWeights(weights) == nil
		},
		gen.SliceOfN(6, gen.Float64Range(0.001, 1)),
	))

	properties.TestingRun(t)
}
