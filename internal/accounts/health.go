package accounts

import (
	"fmt"

	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// HealthModel values a vault the way the margin protocol does: weighted
// liabilities over weighted collateral, reported as a percentage and then
// shifted down by the vault program's safety buffer.
type HealthModel struct {
	Markets *market.Table
	// Buffer is the percentage of margin health the vault program reserves.
	// A vault reaches zero health while Buffer percent margin remains.
	Buffer int
}

type weighted struct {
	collateral decimal.Decimal
	liability  decimal.Decimal
}

func (h *HealthModel) weigh(state *State, prices market.PriceSet) (weighted, error) {
	var w weighted
	for idx, bal := range state.Balances {
		if bal == 0 {
			continue
		}
		m, ok := h.Markets.Get(idx)
		if !ok {
			return weighted{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("balance in unconfigured market %d", idx))
		}
		price, ok := prices.Price(idx)
		if !ok {
			return weighted{}, clierr.New(clierr.CodeStale, fmt.Sprintf("no price for market %d (%s)", idx, m.Symbol))
		}
		value := m.Value(bal, price)
		if bal > 0 {
			w.collateral = w.collateral.Add(value.Mul(m.CollateralWeight))
		} else {
			w.liability = w.liability.Add(value.Mul(m.LiabilityWeight))
		}
	}
	return w, nil
}

// MarginHealth is the protocol's own health percentage, 0..100.
func (h *HealthModel) MarginHealth(state *State, prices market.PriceSet) (int, error) {
	w, err := h.weigh(state, prices)
	if err != nil {
		return 0, err
	}
	if w.liability.IsZero() {
		return 100, nil
	}
	if !w.collateral.IsPositive() {
		return 0, nil
	}
	used := w.liability.Div(w.collateral).Mul(hundred).Floor().IntPart()
	return clamp(100 - int(min(used, 100))), nil
}

// Health is the vault health percentage; 0 means the vault must be deleveraged.
func (h *HealthModel) Health(state *State, prices market.PriceSet) (int, error) {
	margin, err := h.MarginHealth(state, prices)
	if err != nil {
		return 0, err
	}
	return h.vaultHealth(margin), nil
}

func (h *HealthModel) vaultHealth(margin int) int {
	if h.Buffer <= 0 {
		return margin
	}
	if h.Buffer >= 100 || margin <= h.Buffer {
		return 0
	}
	return clamp((margin - h.Buffer) * 100 / (100 - h.Buffer))
}

// marginGoal converts a vault health goal into margin health terms, as a fraction.
func (h *HealthModel) marginGoal(goal int) decimal.Decimal {
	g := decimal.NewFromInt(int64(clamp(goal)))
	b := decimal.NewFromInt(int64(max(h.Buffer, 0)))
	pct := g.Mul(hundred.Sub(b)).Div(hundred).Add(b)
	return pct.Div(hundred)
}

// TargetRepayValue is the USD value of loan to repay, funded by selling the
// same USD value of collateral, so the vault ends at goal health. The
// result is capped at the loan's value and is zero when already healthy.
func (h *HealthModel) TargetRepayValue(state *State, prices market.PriceSet, goal int, loan, collateral market.Market) (decimal.Decimal, error) {
	w, err := h.weigh(state, prices)
	if err != nil {
		return decimal.Zero, err
	}
	loanBal := state.Balances[loan.Index]
	if loanBal >= 0 {
		return decimal.Zero, nil
	}
	loanPrice, ok := prices.Price(loan.Index)
	if !ok {
		return decimal.Zero, clierr.New(clierr.CodeStale, fmt.Sprintf("no price for market %d (%s)", loan.Index, loan.Symbol))
	}
	loanValue := loan.Value(loanBal, loanPrice)

	// Solve L - lw*x = (1-g)(A - cw*x) for x.
	keep := decimal.NewFromInt(1).Sub(h.marginGoal(goal))
	numerator := w.liability.Sub(keep.Mul(w.collateral))
	if !numerator.IsPositive() {
		return decimal.Zero, nil
	}
	denominator := loan.LiabilityWeight.Sub(keep.Mul(collateral.CollateralWeight))
	if !denominator.IsPositive() {
		return loanValue, nil
	}
	x := numerator.Div(denominator)
	if x.GreaterThan(loanValue) {
		return loanValue, nil
	}
	return x, nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
