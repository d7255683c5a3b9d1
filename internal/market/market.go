package market

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/config"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/pyth"
	"github.com/shopspring/decimal"
)

// Market is one lending market the agent can repay into or withdraw from.
type Market struct {
	Index            uint16
	Symbol           string
	Mint             solana.PublicKey
	Decimals         uint8
	CollateralWeight decimal.Decimal
	LiabilityWeight  decimal.Decimal
	PythFeedID       string
	PriceUpdate      solana.PublicKey

	DriftSpotMarket solana.PublicKey
	DriftOracle     solana.PublicKey

	MarginfiBank       solana.PublicKey
	MarginfiBankOracle solana.PublicKey
}

func (m Market) IsNative() bool {
	return m.Mint.Equals(solana.WrappedSol)
}

// Value returns the absolute USD value of a base-unit balance.
func (m Market) Value(balance int64, price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(balance).Abs().Shift(-int32(m.Decimals)).Mul(price)
}

// UnitsForValue converts a USD value into base units, rounding down.
func (m Market) UnitsForValue(usd, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return usd.Div(price).Shift(int32(m.Decimals)).Floor()
}

// Table is the static, index-ordered set of configured markets.
type Table struct {
	byIndex map[uint16]Market
	order   []uint16
}

func NewTable(markets ...Market) *Table {
	t := &Table{byIndex: make(map[uint16]Market, len(markets))}
	for _, m := range markets {
		if _, dup := t.byIndex[m.Index]; !dup {
			t.order = append(t.order, m.Index)
		}
		t.byIndex[m.Index] = m
	}
	sort.Slice(t.order, func(i, j int) bool { return t.order[i] < t.order[j] })
	return t
}

// FromConfig parses configured market rows. Bank oracles default to the
// sponsored Pyth price update account of the market's feed.
func FromConfig(rows []config.Market, pythReceiver solana.PublicKey) (*Table, error) {
	markets := make([]Market, 0, len(rows))
	for _, row := range rows {
		m, err := parseRow(row, pythReceiver)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("market %d (%s)", row.Index, row.Symbol), err)
		}
		markets = append(markets, m)
	}
	return NewTable(markets...), nil
}

func parseRow(row config.Market, pythReceiver solana.PublicKey) (Market, error) {
	var err error
	m := Market{
		Index:      row.Index,
		Symbol:     strings.ToUpper(strings.TrimSpace(row.Symbol)),
		Decimals:   row.Decimals,
		PythFeedID: pyth.NormalizeFeedID(row.PythFeedID),
	}
	if m.CollateralWeight, err = decimal.NewFromString(row.CollateralWeight); err != nil {
		return Market{}, fmt.Errorf("collateral_weight: %w", err)
	}
	if m.LiabilityWeight, err = decimal.NewFromString(row.LiabilityWeight); err != nil {
		return Market{}, fmt.Errorf("liability_weight: %w", err)
	}
	keys := []struct {
		dst   *solana.PublicKey
		value string
		name  string
	}{
		{&m.Mint, row.Mint, "mint"},
		{&m.DriftSpotMarket, row.DriftSpotMarket, "drift_spot_market"},
		{&m.DriftOracle, row.DriftOracle, "drift_oracle"},
		{&m.MarginfiBank, row.MarginfiBank, "marginfi_bank"},
	}
	for _, k := range keys {
		if *k.dst, err = solana.PublicKeyFromBase58(strings.TrimSpace(k.value)); err != nil {
			return Market{}, fmt.Errorf("%s: %w", k.name, err)
		}
	}
	if m.PriceUpdate, err = pyth.PriceUpdateAccount(pythReceiver, pyth.DefaultShard, m.PythFeedID); err != nil {
		return Market{}, err
	}
	m.MarginfiBankOracle = m.PriceUpdate
	if strings.TrimSpace(row.MarginfiBankOracle) != "" {
		if m.MarginfiBankOracle, err = solana.PublicKeyFromBase58(strings.TrimSpace(row.MarginfiBankOracle)); err != nil {
			return Market{}, fmt.Errorf("marginfi_bank_oracle: %w", err)
		}
	}
	return m, nil
}

func (t *Table) Get(index uint16) (Market, bool) {
	m, ok := t.byIndex[index]
	return m, ok
}

func (t *Table) MustGet(index uint16) Market {
	m, ok := t.byIndex[index]
	if !ok {
		panic(fmt.Sprintf("market %d is not configured", index))
	}
	return m
}

// All returns markets ordered by index.
func (t *Table) All() []Market {
	out := make([]Market, 0, len(t.order))
	for _, idx := range t.order {
		out = append(out, t.byIndex[idx])
	}
	return out
}

func (t *Table) Len() int { return len(t.order) }
