// Package accounts lists the vaults the agent watches, loads their margin
// positions and evaluates their health.
package accounts

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/ledger"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/drift"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/quartz"
	"go.uber.org/zap"
)

type Vault struct {
	Address solana.PublicKey `json:"address"`
	Owner   solana.PublicKey `json:"owner"`
}

// State is one vault's signed balances in base units, negative for loans.
type State struct {
	Vault     Vault            `json:"vault"`
	Balances  map[uint16]int64 `json:"balances"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Ledger is the read side of the cluster the registry needs.
type Ledger interface {
	ProgramAccounts(ctx context.Context, program solana.PublicKey, dataSize uint64) ([]ledger.KeyedAccount, error)
	Accounts(ctx context.Context, keys []solana.PublicKey) ([][]byte, error)
}

type Registry struct {
	ledger  Ledger
	program *quartz.Program
	markets *market.Table
	health  *HealthModel
	logger  *zap.Logger
	now     func() time.Time
}

func NewRegistry(l Ledger, program *quartz.Program, markets *market.Table, health *HealthModel, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ledger:  l,
		program: program,
		markets: markets,
		health:  health,
		logger:  logger.Named("accounts"),
		now:     time.Now,
	}
}

// ListVaults returns every vault owned by the program, ordered by address.
// Accounts that fail to decode are logged and left out.
func (r *Registry) ListVaults(ctx context.Context) ([]Vault, error) {
	raw, err := r.ledger.ProgramAccounts(ctx, r.program.ID, quartz.VaultAccountSize)
	if err != nil {
		return nil, err
	}
	out := make([]Vault, 0, len(raw))
	for _, acct := range raw {
		owner, err := quartz.DecodeVaultOwner(acct.Data)
		if err != nil {
			r.logger.Warn("skipping undecodable vault", zap.Stringer("vault", acct.Address), zap.Error(err))
			continue
		}
		out = append(out, Vault{Address: acct.Address, Owner: owner})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

// FetchStates loads the margin positions of each vault. The result lines up
// with vaults; an entry is nil when that vault's account is missing or
// cannot be decoded.
func (r *Registry) FetchStates(ctx context.Context, vaults []Vault) ([]*State, error) {
	all := r.markets.All()
	keys := make([]solana.PublicKey, 0, len(all)+len(vaults))
	for _, m := range all {
		keys = append(keys, m.DriftSpotMarket)
	}
	for _, v := range vaults {
		keys = append(keys, r.program.DriftUser(v.Address))
	}
	data, err := r.ledger.Accounts(ctx, keys)
	if err != nil {
		return nil, err
	}

	interest := make(map[uint16]drift.Interest, len(all))
	for i, m := range all {
		if data[i] == nil {
			return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("spot market %s not found", m.Symbol))
		}
		idx, err := drift.DecodeInterest(data[i])
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("decode spot market %s", m.Symbol), err)
		}
		interest[m.Index] = idx
	}

	now := r.now()
	out := make([]*State, len(vaults))
	for i, v := range vaults {
		userData := data[len(all)+i]
		if userData == nil {
			r.logger.Warn("margin account not found", zap.Stringer("vault", v.Address), zap.Stringer("owner", v.Owner))
			continue
		}
		balances, err := r.balances(userData, interest)
		if err != nil {
			r.logger.Warn("margin account undecodable", zap.Stringer("vault", v.Address), zap.Error(err))
			continue
		}
		out[i] = &State{Vault: v, Balances: balances, FetchedAt: now}
	}
	return out, nil
}

func (r *Registry) balances(userData []byte, interest map[uint16]drift.Interest) (map[uint16]int64, error) {
	positions, err := drift.DecodeSpotPositions(userData)
	if err != nil {
		return nil, err
	}
	out := make(map[uint16]int64, len(positions))
	for _, pos := range positions {
		m, ok := r.markets.Get(pos.MarketIndex)
		if !ok {
			return nil, fmt.Errorf("position in unconfigured market %d", pos.MarketIndex)
		}
		amount, err := drift.TokenAmount(pos, interest[pos.MarketIndex], m.Decimals)
		if err != nil {
			return nil, err
		}
		out[pos.MarketIndex] += amount
	}
	return out, nil
}

// FetchState loads a single vault; a missing account is an error here.
func (r *Registry) FetchState(ctx context.Context, vault Vault) (*State, error) {
	states, err := r.FetchStates(ctx, []Vault{vault})
	if err != nil {
		return nil, err
	}
	if states[0] == nil {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("margin account for vault %s could not be loaded", vault.Address))
	}
	return states[0], nil
}

// LoadVault reads a vault account by address.
func (r *Registry) LoadVault(ctx context.Context, address solana.PublicKey) (Vault, error) {
	data, err := r.ledger.Accounts(ctx, []solana.PublicKey{address})
	if err != nil {
		return Vault{}, err
	}
	if data[0] == nil {
		return Vault{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("vault %s not found", address))
	}
	owner, err := quartz.DecodeVaultOwner(data[0])
	if err != nil {
		return Vault{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("account %s is not a vault", address), err)
	}
	return Vault{Address: address, Owner: owner}, nil
}

// VaultForOwner derives the vault of owner without touching the cluster.
func (r *Registry) VaultForOwner(owner solana.PublicKey) Vault {
	return Vault{Address: r.program.VaultAddress(owner), Owner: owner}
}

func (r *Registry) Health(state *State, prices market.PriceSet) (int, error) {
	return r.health.Health(state, prices)
}

func (r *Registry) Model() *HealthModel { return r.health }
