// Package pot implements the rewards pot arithmetic: splitting claimed fee
// inflow between the rewards pool and the treasury, composing the per-epoch
// pot from carried-over rewards, and building the winner payout plan.
//
// Everything here is pure integer math on lamports. Floor division plus a
// remainder-to-last rule means amounts always sum exactly to their input;
// no lamport is ever created or destroyed by rounding.
package pot

import (
	"fmt"
	"math/bits"
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

// PayoutWeights is the fixed percentage split across ranks 1..3. Changing
// the split is a code change, not configuration.
var PayoutWeights = [3]uint64{50, 30, 20}

// Standing is one eligible wallet's aggregate for a leaderboard period.
type Standing struct {
	Wallet         string
	UserID         string
	ProfitLamports int64
	TradeCount     int64
}

// PlanEntry is one payout plan row. Plans are persisted as JSON with the
// epoch; amounts serialize as decimal strings so 64-bit values survive
// consumers that parse JSON numbers into doubles.
type PlanEntry struct {
	Rank           int    `json:"rank"`
	Wallet         string `json:"wallet"`
	AmountLamports uint64 `json:"amountLamports,string"`
	UserID         string `json:"userId"`
	ProfitLamports int64  `json:"profitLamports,string"`
	TradeCount     int64  `json:"tradeCount"`
}

// SplitInflow splits total claimed inflow into the rewards share and the
// treasury share. rewardInflow = floor(totalInflow * poolBps / 10000),
// treasury takes the rest, so the two always sum to totalInflow.
func SplitInflow(totalInflow uint64, poolBps uint16) (rewardInflow, treasuryInflow uint64) {
	if poolBps > BpsDenominator {
		poolBps = BpsDenominator
	}
	rewardInflow = mulDiv(totalInflow, uint64(poolBps), BpsDenominator)
	treasuryInflow = totalInflow - rewardInflow
	return rewardInflow, treasuryInflow
}

// ComposePot returns the total pot for an epoch: carried-over rewards plus
// this epoch's reward inflow. Errors on uint64 overflow rather than
// wrapping; lamport supply makes this unreachable in practice.
func ComposePot(carryIn, rewardInflow uint64) (uint64, error) {
	totalPot := carryIn + rewardInflow
	if totalPot < carryIn {
		return 0, fmt.Errorf("pot overflow: carry %d + inflow %d", carryIn, rewardInflow)
	}
	return totalPot, nil
}

// PayoutAmounts splits totalPot across the three ranks using PayoutWeights.
// Ranks 1 and 2 take their floored share; rank 3 takes the remainder, so
// the three amounts sum to totalPot exactly.
func PayoutAmounts(totalPot uint64) [3]uint64 {
	first := mulDiv(totalPot, PayoutWeights[0], 100)
	second := mulDiv(totalPot, PayoutWeights[1], 100)
	third := totalPot - first - second
	return [3]uint64{first, second, third}
}

// BuildPayoutPlan assembles the ordered payout plan for the given pot and
// top-3 standings. Standings must already be ordered rank 1 first.
func BuildPayoutPlan(totalPot uint64, top [3]Standing) [3]PlanEntry {
	amounts := PayoutAmounts(totalPot)
	var plan [3]PlanEntry
	for i, standing := range top {
		plan[i] = PlanEntry{
			Rank:           i + 1,
			Wallet:         standing.Wallet,
			AmountLamports: amounts[i],
			UserID:         standing.UserID,
			ProfitLamports: standing.ProfitLamports,
			TradeCount:     standing.TradeCount,
		}
	}
	return plan
}

// PlanTotal returns the sum of plan amounts. The remainder-to-last rule
// makes this equal the pot the plan was built from.
func PlanTotal(plan [3]PlanEntry) uint64 {
	var total uint64
	for _, entry := range plan {
		total += entry.AmountLamports
	}
	return total
}

// mulDiv computes floor(a * b / div) without intermediate uint64 overflow.
// Requires b <= div so the quotient fits in 64 bits.
func mulDiv(a, b, div uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	quo, _ := bits.Div64(hi, lo, div)
	return quo
}
