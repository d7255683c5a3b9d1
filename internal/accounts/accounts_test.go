package accounts

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/ledger"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/anchor"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/quartz"
	"github.com/shopspring/decimal"
)

var (
	usdc = market.Market{
		Index:            0,
		Symbol:           "USDC",
		Mint:             solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		Decimals:         6,
		CollateralWeight: decimal.NewFromInt(1),
		LiabilityWeight:  decimal.NewFromInt(1),
		DriftSpotMarket:  solana.NewWallet().PublicKey(),
	}
	sol = market.Market{
		Index:            1,
		Symbol:           "SOL",
		Mint:             solana.WrappedSol,
		Decimals:         9,
		CollateralWeight: decimal.RequireFromString("0.9"),
		LiabilityWeight:  decimal.RequireFromString("1.1"),
		DriftSpotMarket:  solana.NewWallet().PublicKey(),
	}
)

func prices() market.PriceSet {
	set := market.NewPriceSet(time.Now())
	set.Set(0, decimal.NewFromInt(1))
	set.Set(1, decimal.NewFromInt(50))
	return set
}

func model() *HealthModel {
	return &HealthModel{Markets: market.NewTable(usdc, sol), Buffer: 10}
}

func state(usdcBal, solBal int64) *State {
	return &State{Balances: map[uint16]int64{0: usdcBal, 1: solBal}}
}

func TestHealthAtFloorWhenLiabilitiesExceedCollateral(t *testing.T) {
	h, err := model().Health(state(-100_000_000, 2_000_000_000), prices())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h != 0 {
		t.Fatalf("expected zero health, got %d", h)
	}
}

func TestHealthAppliesBuffer(t *testing.T) {
	m := model()
	st := state(-40_000_000, 2_000_000_000)
	margin, err := m.MarginHealth(st, prices())
	if err != nil {
		t.Fatalf("MarginHealth failed: %v", err)
	}
	if margin != 56 {
		t.Fatalf("expected margin health 56, got %d", margin)
	}
	h, _ := m.Health(st, prices())
	if h != 51 {
		t.Fatalf("expected buffered health 51, got %d", h)
	}

	// Inside the buffer the vault is already at zero.
	h, _ = m.Health(state(-85_000_000, 2_000_000_000), prices())
	if h != 0 {
		t.Fatalf("expected zero health inside buffer, got %d", h)
	}
}

func TestHealthWithoutLoansIsFull(t *testing.T) {
	h, err := model().Health(state(0, 2_000_000_000), prices())
	if err != nil || h != 100 {
		t.Fatalf("expected full health, got %d err=%v", h, err)
	}
}

func TestHealthRequiresEveryPrice(t *testing.T) {
	set := market.NewPriceSet(time.Now())
	set.Set(0, decimal.NewFromInt(1))
	if _, err := model().Health(state(-1, 1), set); err == nil {
		t.Fatal("expected missing price error")
	}
}

func TestTargetRepayValueReachesGoal(t *testing.T) {
	m := model()
	st := state(-80_000_000, 2_000_000_000)
	x, err := m.TargetRepayValue(st, prices(), 10, usdc, sol)
	if err != nil {
		t.Fatalf("TargetRepayValue failed: %v", err)
	}
	if x.LessThan(decimal.RequireFromString("26.19")) || x.GreaterThan(decimal.RequireFromString("26.2")) {
		t.Fatalf("unexpected target %s", x)
	}

	// Repaying the target with the same USD value of SOL lands on the goal.
	repaid := state(-80_000_000+x.Shift(6).IntPart(), 2_000_000_000-x.Div(decimal.NewFromInt(50)).Shift(9).IntPart())
	h, _ := m.Health(repaid, prices())
	if h < 10 || h > 11 {
		t.Fatalf("expected goal health 10 after repay, got %d", h)
	}
}

func TestTargetRepayValueCapsAtLoanValue(t *testing.T) {
	x, err := model().TargetRepayValue(state(-100_000_000, 2_000_000_000), prices(), 90, usdc, sol)
	if err != nil {
		t.Fatalf("TargetRepayValue failed: %v", err)
	}
	if !x.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected full loan value, got %s", x)
	}

	x, _ = model().TargetRepayValue(state(-1_000_000, 2_000_000_000), prices(), 10, usdc, sol)
	if !x.IsZero() {
		t.Fatalf("expected zero target for healthy vault, got %s", x)
	}
}

type fakeLedger struct {
	program  []ledger.KeyedAccount
	accounts map[solana.PublicKey][]byte
}

func (f *fakeLedger) ProgramAccounts(ctx context.Context, program solana.PublicKey, dataSize uint64) ([]ledger.KeyedAccount, error) {
	return f.program, nil
}

func (f *fakeLedger) Accounts(ctx context.Context, keys []solana.PublicKey) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = f.accounts[k]
	}
	return out, nil
}

func vaultData(owner solana.PublicKey) []byte {
	data := append(anchor.AccountDiscriminator("Vault"), owner.Bytes()...)
	return append(data, 255)
}

func spotMarketData() []byte {
	data := make([]byte, 776)
	copy(data, anchor.AccountDiscriminator("SpotMarket"))
	binary.LittleEndian.PutUint64(data[464:], 10_000_000_000)
	binary.LittleEndian.PutUint64(data[480:], 10_000_000_000)
	return data
}

type position struct {
	index  uint16
	scaled uint64
	borrow bool
}

func userData(positions ...position) []byte {
	data := make([]byte, 4376)
	copy(data, anchor.AccountDiscriminator("User"))
	for i, p := range positions {
		raw := data[104+i*40:]
		binary.LittleEndian.PutUint64(raw[0:8], p.scaled)
		binary.LittleEndian.PutUint16(raw[32:34], p.index)
		if p.borrow {
			raw[34] = 1
		}
	}
	return data
}

func TestRegistryListsAndLoadsVaults(t *testing.T) {
	program := quartz.New(
		solana.MustPublicKeyFromBase58("6JjHXLheGSNvvexgzMthEcgjkcirDrGduc3HAKB2P1v2"),
		solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH"),
		solana.MustPublicKeyFromBase58("JCNCMFXo5M5qwUPg2Utu1u6YWp3MbygxqBsBeXXJfrw"),
	)
	ownerA := solana.NewWallet().PublicKey()
	ownerB := solana.NewWallet().PublicKey()
	vaultA := program.VaultAddress(ownerA)
	vaultB := program.VaultAddress(ownerB)

	fake := &fakeLedger{
		program: []ledger.KeyedAccount{
			{Address: vaultA, Data: vaultData(ownerA)},
			{Address: solana.NewWallet().PublicKey(), Data: make([]byte, quartz.VaultAccountSize)},
			{Address: vaultB, Data: vaultData(ownerB)},
		},
		accounts: map[solana.PublicKey][]byte{
			vaultA:               vaultData(ownerA),
			usdc.DriftSpotMarket: spotMarketData(),
			sol.DriftSpotMarket:  spotMarketData(),
			program.DriftUser(vaultA): userData(
				position{index: 0, scaled: 100_000_000_000, borrow: true},
				position{index: 1, scaled: 2_000_000_000},
			),
		},
	}
	reg := NewRegistry(fake, program, market.NewTable(usdc, sol), model(), nil)

	vaults, err := reg.ListVaults(context.Background())
	if err != nil {
		t.Fatalf("ListVaults failed: %v", err)
	}
	if len(vaults) != 2 {
		t.Fatalf("expected the undecodable vault to be skipped, got %d", len(vaults))
	}

	states, err := reg.FetchStates(context.Background(), []Vault{{Address: vaultA, Owner: ownerA}, {Address: vaultB, Owner: ownerB}})
	if err != nil {
		t.Fatalf("FetchStates failed: %v", err)
	}
	if states[1] != nil {
		t.Fatal("expected nil state for vault without a margin account")
	}
	if states[0].Balances[0] != -100_000_000 || states[0].Balances[1] != 2_000_000_000 {
		t.Fatalf("unexpected balances %v", states[0].Balances)
	}
	h, err := reg.Health(states[0], prices())
	if err != nil || h != 0 {
		t.Fatalf("expected zero health, got %d err=%v", h, err)
	}

	if _, err := reg.FetchState(context.Background(), Vault{Address: vaultB, Owner: ownerB}); err == nil {
		t.Fatal("expected FetchState to fail for a missing margin account")
	}
	loaded, err := reg.LoadVault(context.Background(), vaultA)
	if err != nil || !loaded.Owner.Equals(ownerA) {
		t.Fatalf("LoadVault returned %+v err=%v", loaded, err)
	}
	if _, err := reg.LoadVault(context.Background(), vaultB); err == nil {
		t.Fatal("expected missing vault account error")
	}
}
