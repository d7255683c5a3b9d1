package market

import (
	"fmt"
	"sort"

	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/shopspring/decimal"
)

// Position is a nonzero balance in one market, valued against a PriceSet.
type Position struct {
	Market   uint16          `json:"market_index"`
	Balance  int64           `json:"balance"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

func (p Position) IsLoan() bool { return p.Balance < 0 }

// Rank splits balances into loans and collateral, each ordered by USD value
// descending. Equal values are ordered by market index so the result is
// deterministic. A nonzero balance that cannot be valued is an error.
func Rank(balances map[uint16]int64, prices PriceSet, table *Table) (loans, collaterals []Position, err error) {
	for idx, bal := range balances {
		if bal == 0 {
			continue
		}
		m, ok := table.Get(idx)
		if !ok {
			return nil, nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("balance in unconfigured market %d", idx))
		}
		price, ok := prices.Price(idx)
		if !ok {
			return nil, nil, clierr.New(clierr.CodeStale, fmt.Sprintf("no price for market %d (%s)", idx, m.Symbol))
		}
		pos := Position{Market: idx, Balance: bal, ValueUSD: m.Value(bal, price)}
		if bal < 0 {
			loans = append(loans, pos)
		} else {
			collaterals = append(collaterals, pos)
		}
	}
	sortByValue(loans)
	sortByValue(collaterals)
	return loans, collaterals, nil
}

func sortByValue(ps []Position) {
	sort.SliceStable(ps, func(i, j int) bool {
		if c := ps[i].ValueUSD.Cmp(ps[j].ValueUSD); c != 0 {
			return c > 0
		}
		return ps[i].Market < ps[j].Market
	})
}
