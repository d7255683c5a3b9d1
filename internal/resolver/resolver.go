// Package resolver decides which loan to repay with which collateral, and
// how much to swap, for a distressed vault.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/metrics"
	"github.com/ggonzalez94/defi-autorepay/internal/providers"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrBelowMinimum means the largest loan is too small to be worth repaying.
var ErrBelowMinimum = errors.New("largest loan is below the minimum repay value")

// Targeter computes how much loan value to repay to reach a goal health.
type Targeter interface {
	TargetRepayValue(state *accounts.State, prices market.PriceSet, goal int, loan, collateral market.Market) (decimal.Decimal, error)
}

type Quoter interface {
	Quote(ctx context.Context, req providers.QuoteRequest) (providers.Route, error)
}

// Plan is a priced repay decision. It is only valid against the balances
// and prices it was derived from.
type Plan struct {
	Vault            accounts.Vault     `json:"vault"`
	LoanMarket       uint16             `json:"loan_market"`
	CollateralMarket uint16             `json:"collateral_market"`
	SwapAmount       uint64             `json:"swap_amount"`
	Mode             providers.SwapMode `json:"mode"`
	Route            providers.Route    `json:"route"`
	TargetRepayUSD   decimal.Decimal    `json:"target_repay_usd"`
	LoanValueUSD     decimal.Decimal    `json:"loan_value_usd"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Expired reports whether the plan has outlived ttl. A zero ttl never expires.
func (p Plan) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(p.CreatedAt) > ttl
}

type Options struct {
	GoalHealth       int
	SlippageBps      int
	OnlyDirectRoutes bool
	MinLoanValueUSD  decimal.Decimal
}

type Resolver struct {
	markets  *market.Table
	targeter Targeter
	quoter   Quoter
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func New(markets *market.Table, targeter Targeter, quoter Quoter, opts Options, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		markets:  markets,
		targeter: targeter,
		quoter:   quoter,
		opts:     opts,
		metrics:  m,
		logger:   logger.Named("resolver"),
		now:      time.Now,
	}
}

// Resolve walks loans by value, then collaterals by value, and returns the
// first pair that can be quoted. For each pair exact-out is tried first and
// exact-in only when exact-out fails.
func (r *Resolver) Resolve(ctx context.Context, state *accounts.State, prices market.PriceSet) (Plan, error) {
	loans, collaterals, err := market.Rank(state.Balances, prices, r.markets)
	if err != nil {
		return Plan{}, err
	}
	if len(loans) == 0 {
		return Plan{}, clierr.New(clierr.CodePlan, "vault has no outstanding loans")
	}
	if loans[0].ValueUSD.LessThan(r.opts.MinLoanValueUSD) {
		return Plan{}, ErrBelowMinimum
	}
	if len(collaterals) == 0 {
		return Plan{}, clierr.New(clierr.CodeNoRoute, "no viable route: vault holds no collateral")
	}

	logger := r.logger.With(zap.Stringer("vault", state.Vault.Address), zap.Stringer("owner", state.Vault.Owner))
	var lastErr error
	for _, loan := range loans {
		loanM := r.markets.MustGet(loan.Market)
		loanPrice, _ := prices.Price(loan.Market)
		for _, col := range collaterals {
			if col.Market == loan.Market {
				continue
			}
			if err := ctx.Err(); err != nil {
				return Plan{}, clierr.Wrap(clierr.CodeTimeout, "resolve cancelled", err)
			}
			colM := r.markets.MustGet(col.Market)
			colPrice, _ := prices.Price(col.Market)

			target, err := r.targeter.TargetRepayValue(state, prices, r.opts.GoalHealth, loanM, colM)
			if err != nil {
				return Plan{}, err
			}
			if !target.IsPositive() {
				continue
			}
			base := Plan{
				Vault:            state.Vault,
				LoanMarket:       loan.Market,
				CollateralMarket: col.Market,
				TargetRepayUSD:   target,
				LoanValueUSD:     loan.ValueUSD,
			}

			amountOut := capUnits(loanM.UnitsForValue(target, loanPrice), -loan.Balance)
			if amountOut > 0 {
				route, err := r.quote(ctx, providers.SwapModeExactOut, colM, loanM, amountOut)
				if err == nil {
					return r.plan(base, providers.SwapModeExactOut, amountOut, route), nil
				}
				lastErr = err
				logger.Debug("exact-out quote failed",
					zap.String("loan", loanM.Symbol), zap.String("collateral", colM.Symbol), zap.Error(err))
			}

			amountIn := capUnits(colM.UnitsForValue(target, colPrice), col.Balance)
			if amountIn == 0 {
				continue
			}
			route, err := r.quote(ctx, providers.SwapModeExactIn, colM, loanM, amountIn)
			if err == nil {
				return r.plan(base, providers.SwapModeExactIn, amountIn, route), nil
			}
			lastErr = err
			logger.Debug("exact-in quote failed",
				zap.String("loan", loanM.Symbol), zap.String("collateral", colM.Symbol), zap.Error(err))
		}
	}
	if lastErr == nil {
		return Plan{}, clierr.New(clierr.CodeNoRoute, "no viable route: no pair needs repaying")
	}
	return Plan{}, clierr.Wrap(clierr.CodeNoRoute, "no viable route", lastErr)
}

func (r *Resolver) quote(ctx context.Context, mode providers.SwapMode, input, output market.Market, amount uint64) (providers.Route, error) {
	route, err := r.quoter.Quote(ctx, providers.QuoteRequest{
		Mode:             mode,
		InputMint:        input.Mint,
		OutputMint:       output.Mint,
		Amount:           amount,
		SlippageBps:      r.opts.SlippageBps,
		OnlyDirectRoutes: r.opts.OnlyDirectRoutes,
	})
	r.metrics.ObserveQuote(string(mode), err)
	return route, err
}

func (r *Resolver) plan(base Plan, mode providers.SwapMode, amount uint64, route providers.Route) Plan {
	base.Mode = mode
	base.SwapAmount = amount
	base.Route = route
	base.CreatedAt = r.now()
	return base
}

func capUnits(units decimal.Decimal, limit int64) uint64 {
	if !units.IsPositive() || limit <= 0 {
		return 0
	}
	if units.GreaterThan(decimal.NewFromInt(limit)) {
		return uint64(limit)
	}
	return uint64(units.IntPart())
}

func (p Plan) String() string {
	return fmt.Sprintf("%s %d market %d -> market %d", p.Mode, p.SwapAmount, p.CollateralMarket, p.LoanMarket)
}
