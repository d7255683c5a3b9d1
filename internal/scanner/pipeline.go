package scanner

import (
	"context"
	"errors"

	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/execution"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/resolver"
	"go.uber.org/zap"
)

// Registry reads vaults and their positions.
type Registry interface {
	ListVaults(ctx context.Context) ([]accounts.Vault, error)
	FetchStates(ctx context.Context, vaults []accounts.Vault) ([]*accounts.State, error)
	FetchState(ctx context.Context, vault accounts.Vault) (*accounts.State, error)
	Health(state *accounts.State, prices market.PriceSet) (int, error)
}

type PriceSource interface {
	Prices(ctx context.Context) (market.PriceSet, error)
}

type Planner interface {
	Resolve(ctx context.Context, state *accounts.State, prices market.PriceSet) (resolver.Plan, error)
}

type Executor interface {
	Execute(ctx context.Context, plan resolver.Plan) (execution.Result, error)
}

// Pipeline outcomes, also used as metric labels.
const (
	OutcomeConfirmed    = string(execution.OutcomeConfirmed)
	OutcomeMoot         = string(execution.OutcomeMoot)
	OutcomeFailed       = string(execution.OutcomeFailed)
	OutcomeNoRoute      = "no_route"
	OutcomeBelowMinimum = "below_minimum"
	OutcomePlanError    = "plan_error"
	OutcomeCancelled    = "cancelled"
)

// Refresher re-reads a single vault with fresh prices.
type Refresher struct {
	registry Registry
	prices   PriceSource
	planner  Planner
}

func NewRefresher(registry Registry, prices PriceSource, planner Planner) *Refresher {
	return &Refresher{registry: registry, prices: prices, planner: planner}
}

func (r *Refresher) snapshot(ctx context.Context, vault accounts.Vault) (*accounts.State, market.PriceSet, error) {
	state, err := r.registry.FetchState(ctx, vault)
	if err != nil {
		return nil, market.PriceSet{}, err
	}
	prices, err := r.prices.Prices(ctx)
	if err != nil {
		return nil, market.PriceSet{}, err
	}
	return state, prices, nil
}

func (r *Refresher) Replan(ctx context.Context, vault accounts.Vault) (resolver.Plan, error) {
	state, prices, err := r.snapshot(ctx, vault)
	if err != nil {
		return resolver.Plan{}, err
	}
	return r.planner.Resolve(ctx, state, prices)
}

func (r *Refresher) CurrentHealth(ctx context.Context, vault accounts.Vault) (int, error) {
	state, prices, err := r.snapshot(ctx, vault)
	if err != nil {
		return 0, err
	}
	return r.registry.Health(state, prices)
}

// Pipeline takes one distressed account from resolution to a settled
// outcome. It logs every outcome itself; callers only count them.
type Pipeline struct {
	planner  Planner
	executor Executor
	logger   *zap.Logger
}

func NewPipeline(planner Planner, executor Executor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{planner: planner, executor: executor, logger: logger.Named("pipeline")}
}

func (p *Pipeline) Run(ctx context.Context, state *accounts.State, prices market.PriceSet) (string, error) {
	logger := p.logger.With(
		zap.Stringer("vault", state.Vault.Address),
		zap.Stringer("owner", state.Vault.Owner),
	)
	plan, err := p.planner.Resolve(ctx, state, prices)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return OutcomeCancelled, ctx.Err()
	case errors.Is(err, resolver.ErrBelowMinimum):
		logger.Info("largest loan below minimum repay value, skipping")
		return OutcomeBelowMinimum, nil
	case clierr.CodeOf(err) == clierr.CodeNoRoute:
		logger.Warn("no viable route, retrying next cycle", zap.Error(err))
		return OutcomeNoRoute, err
	default:
		logger.Warn("resolve repay plan failed", zap.String("error_type", clierr.TypeName(clierr.CodeOf(err))), zap.Error(err))
		return OutcomePlanError, err
	}
	logger.Info("repay planned", zap.Stringer("plan", plan))

	res, err := p.executor.Execute(ctx, plan)
	if ctx.Err() != nil {
		return OutcomeCancelled, ctx.Err()
	}
	if res.Outcome == "" {
		return OutcomeFailed, err
	}
	return string(res.Outcome), err
}
