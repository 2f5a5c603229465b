package channel

import (
	"math/big"
	"sort"

	"github.com/iotaledger/flashd/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ReleaseCollateral splits total across the parties of a channel in
// proportion to their stakes. Only parties that still hold deposit take
// part, and the excluded party, if any, takes no share. A share never
// exceeds the party's deposit: overflow is split again among the parties
// that still have room. Shares are integral and, using largest remainder
// rounding, add up to total unless the eligible deposits cannot cover it.
//
// This is the single formula for both the collateral a payment releases to
// the other parties and the deposit a committed chain consumes.
func ReleaseCollateral(stakes []float64, deposits []ledger.Amount,
	exclude fn.Option[int], total ledger.Amount) []ledger.Amount {

	shares := make([]ledger.Amount, len(deposits))
	if total <= 0 || len(stakes) != len(deposits) {
		return shares
	}

	eligible := make([]bool, len(deposits))
	for i := range deposits {
		eligible[i] = deposits[i] > 0 && stakes[i] > 0
	}
	exclude.WhenSome(func(i int) {
		if i >= 0 && i < len(eligible) {
			eligible[i] = false
		}
	})

	remaining := total
	for remaining > 0 {
		weights := make([]float64, len(stakes))
		for i := range stakes {
			if eligible[i] {
				weights[i] = stakes[i]
			}
		}

		portions := apportion(remaining, weights)
		if portions == nil {
			break
		}

		capped := false
		for i, portion := range portions {
			room := deposits[i] - shares[i]
			if portion >= room && portion > 0 {
				portion = room
				eligible[i] = false
				capped = true
			}

			shares[i] += portion
			remaining -= portion
		}

		if !capped {
			break
		}
	}

	return shares
}

// apportion splits total by weight using exact rational arithmetic. The
// units left after flooring go to the largest fractional parts, ties broken
// by position. It returns nil if no weight is positive.
func apportion(total ledger.Amount, weights []float64) []ledger.Amount {
	sum := new(big.Rat)
	for _, w := range weights {
		if w > 0 {
			sum.Add(sum, new(big.Rat).SetFloat64(w))
		}
	}
	if sum.Sign() == 0 {
		return nil
	}

	type fraction struct {
		idx int
		rem *big.Rat
	}

	var (
		portions  = make([]ledger.Amount, len(weights))
		fractions []fraction
		assigned  ledger.Amount
		bigTotal  = new(big.Rat).SetInt64(int64(total))
	)
	for i, w := range weights {
		if w <= 0 {
			continue
		}

		exact := new(big.Rat).SetFloat64(w)
		exact.Mul(exact, bigTotal)
		exact.Quo(exact, sum)

		floor := new(big.Int).Quo(exact.Num(), exact.Denom())
		portions[i] = ledger.Amount(floor.Int64())
		assigned += portions[i]

		rem := new(big.Rat).Sub(exact, new(big.Rat).SetInt(floor))
		fractions = append(fractions, fraction{idx: i, rem: rem})
	}

	sort.SliceStable(fractions, func(a, b int) bool {
		return fractions[a].rem.Cmp(fractions[b].rem) > 0
	})

	for left := total - assigned; left > 0; {
		for _, f := range fractions {
			if left == 0 {
				break
			}
			portions[f.idx]++
			left--
		}
	}

	return portions
}
