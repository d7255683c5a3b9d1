package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSet is one oracle snapshot. All valuations of a single decision must
// come from the same PriceSet.
type PriceSet struct {
	Prices    map[uint16]decimal.Decimal
	FetchedAt time.Time
}

func NewPriceSet(at time.Time) PriceSet {
	return PriceSet{Prices: map[uint16]decimal.Decimal{}, FetchedAt: at}
}

func (p PriceSet) Price(index uint16) (decimal.Decimal, bool) {
	v, ok := p.Prices[index]
	if !ok || !v.IsPositive() {
		return decimal.Zero, false
	}
	return v, true
}

func (p PriceSet) Set(index uint16, price decimal.Decimal) {
	p.Prices[index] = price
}

func (p PriceSet) Age(now time.Time) time.Duration {
	return now.Sub(p.FetchedAt)
}
