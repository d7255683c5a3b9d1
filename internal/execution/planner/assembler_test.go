package planner

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/accounts"
	"github.com/ggonzalez94/defi-autorepay/internal/ledger"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/marginfi"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/quartz"
	"github.com/ggonzalez94/defi-autorepay/internal/providers"
	"github.com/ggonzalez94/defi-autorepay/internal/resolver"
	"github.com/shopspring/decimal"
)

var (
	marginfiProgram = solana.MustPublicKeyFromBase58("MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA")
	jupiterProgram  = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	computeBudget   = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	quartzProgram   = quartz.New(
		solana.MustPublicKeyFromBase58("6JjHXLheGSNvvexgzMthEcgjkcirDrGduc3HAKB2P1v2"),
		solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH"),
		solana.MustPublicKeyFromBase58("JCNCMFXo5M5qwUPg2Utu1u6YWp3MbygxqBsBeXXJfrw"),
	)
	quartzTable = solana.NewWallet().PublicKey()
	routeTable  = solana.NewWallet().PublicKey()
)

func testMarkets() *market.Table {
	return market.NewTable(
		market.Market{Index: 0, Symbol: "USDC", Mint: solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"), Decimals: 6,
			CollateralWeight: decimal.NewFromInt(1), LiabilityWeight: decimal.NewFromInt(1),
			DriftSpotMarket: solana.NewWallet().PublicKey(), DriftOracle: solana.NewWallet().PublicKey(),
			PriceUpdate: solana.NewWallet().PublicKey(), MarginfiBank: solana.NewWallet().PublicKey(), MarginfiBankOracle: solana.NewWallet().PublicKey()},
		market.Market{Index: 1, Symbol: "SOL", Mint: solana.WrappedSol, Decimals: 9,
			CollateralWeight: decimal.RequireFromString("0.9"), LiabilityWeight: decimal.RequireFromString("1.1"),
			DriftSpotMarket: solana.NewWallet().PublicKey(), DriftOracle: solana.NewWallet().PublicKey(),
			PriceUpdate: solana.NewWallet().PublicKey(), MarginfiBank: solana.NewWallet().PublicKey(), MarginfiBankOracle: solana.NewWallet().PublicKey()},
	)
}

type fakeLedger struct {
	lamports uint64
	tokens   map[solana.PublicKey]ledger.TokenAccount
	tables   []solana.PublicKey
}

func (f *fakeLedger) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	return f.lamports, nil
}

func (f *fakeLedger) TokenAccounts(ctx context.Context, owner solana.PublicKey, mints []solana.PublicKey) (map[solana.PublicKey]ledger.TokenAccount, error) {
	out := map[solana.PublicKey]ledger.TokenAccount{}
	for _, mint := range mints {
		ata, _, _ := solana.FindAssociatedTokenAddress(owner, mint)
		acct := f.tokens[mint]
		acct.Address = ata
		out[mint] = acct
	}
	return out, nil
}

func (f *fakeLedger) LookupTables(ctx context.Context, addrs []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	f.tables = addrs
	out := map[solana.PublicKey]solana.PublicKeySlice{}
	for _, a := range addrs {
		out[a] = solana.PublicKeySlice{solana.TokenProgramID}
	}
	return out, nil
}

type fakeSwaps struct{}

func (fakeSwaps) SwapInstructions(ctx context.Context, route providers.Route, user solana.PublicKey) (providers.SwapInstructions, error) {
	return providers.SwapInstructions{
		ComputeBudget: []solana.Instruction{solana.NewInstruction(computeBudget, solana.AccountMetaSlice{}, []byte{2})},
		Swap:          solana.NewInstruction(jupiterProgram, solana.AccountMetaSlice{solana.NewAccountMeta(user, true, true)}, []byte{9}),
		LookupTables:  []solana.PublicKey{routeTable},
	}, nil
}

func newAssembler(l *fakeLedger, wallet solana.PublicKey) *Assembler {
	lender := marginfi.New(marginfiProgram, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 0)
	return NewAssembler(testMarkets(), l, fakeSwaps{}, lender, quartzProgram, wallet, Options{
		InputBufferBps:     100,
		FeeReserveLamports: 10_000_000,
		LookupTables:       []solana.PublicKey{quartzTable},
	}, nil)
}

func exactOutPlan() resolver.Plan {
	owner := solana.NewWallet().PublicKey()
	return resolver.Plan{
		Vault:            accounts.Vault{Address: quartzProgram.VaultAddress(owner), Owner: owner},
		LoanMarket:       0,
		CollateralMarket: 1,
		SwapAmount:       40_000_000,
		Mode:             providers.SwapModeExactOut,
		Route:            providers.Route{Mode: providers.SwapModeExactOut, InAmount: 800_000_000, OutAmount: 40_000_000},
	}
}

func programs(ixs []solana.Instruction) []solana.PublicKey {
	out := make([]solana.PublicKey, len(ixs))
	for i, ix := range ixs {
		out[i] = ix.ProgramID()
	}
	return out
}

func countProgram(ixs []solana.Instruction, program solana.PublicKey) int {
	n := 0
	for _, p := range programs(ixs) {
		if p.Equals(program) {
			n++
		}
	}
	return n
}

func TestAssemblePlainTransactionWhenWalletCoversInput(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	l := &fakeLedger{tokens: map[solana.PublicKey]ledger.TokenAccount{
		solana.WrappedSol: {Exists: true, Amount: 1_000_000_000},
		testMarkets().MustGet(0).Mint: {Exists: true},
	}}
	out, err := newAssembler(l, wallet).Assemble(context.Background(), exactOutPlan())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if out.FlashLoan || out.BorrowAmount != 0 || out.WrapAmount != 0 {
		t.Fatalf("expected plain transaction, got %+v", out)
	}
	if out.RequiredInput != 808_000_000 {
		t.Fatalf("expected buffered input 808000000, got %d", out.RequiredInput)
	}
	got := programs(out.Instructions)
	want := []solana.PublicKey{computeBudget, quartzProgram.ID, jupiterProgram, quartzProgram.ID, quartzProgram.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d instructions, got %v", len(want), got)
	}
	for i := range want {
		if !got[i].Equals(want[i]) {
			t.Fatalf("instruction %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if countProgram(out.Instructions, marginfiProgram) != 0 {
		t.Fatal("plain transaction must not touch the flash lender")
	}
	if len(l.tables) != 2 || !l.tables[0].Equals(quartzTable) || !l.tables[1].Equals(routeTable) {
		t.Fatalf("unexpected lookup tables %v", l.tables)
	}
}

func TestAssembleWrapsNativeAndBorrowsShortfall(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	l := &fakeLedger{
		lamports: 310_000_000,
		tokens: map[solana.PublicKey]ledger.TokenAccount{
			solana.WrappedSol: {Exists: true, Amount: 100_000_000},
			testMarkets().MustGet(0).Mint: {Exists: true},
		},
	}
	out, err := newAssembler(l, wallet).Assemble(context.Background(), exactOutPlan())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	// 808M required, 100M held, 300M wrapped above the 10M fee reserve.
	if out.WrapAmount != 300_000_000 || out.BorrowAmount != 408_000_000 || out.StartBalance != 808_000_000 {
		t.Fatalf("unexpected amounts %+v", out)
	}
	if !out.FlashLoan || out.RepayAmount != 408_000_000 {
		t.Fatalf("expected flash loan, got %+v", out)
	}

	got := programs(out.Instructions)
	if !got[1].Equals(solana.SystemProgramID) || !got[2].Equals(solana.TokenProgramID) {
		t.Fatalf("expected wrap before the flash loan, got %v", got)
	}
	if !got[3].Equals(marginfiProgram) || !got[4].Equals(marginfiProgram) {
		t.Fatalf("expected start_flashloan and borrow after the prefix, got %v", got)
	}
	if !got[len(got)-1].Equals(marginfiProgram) || !got[len(got)-2].Equals(marginfiProgram) {
		t.Fatalf("expected deposit and end_flashloan last, got %v", got)
	}
	if countProgram(out.Instructions, marginfiProgram) != 4 {
		t.Fatalf("expected four marginfi instructions, got %v", got)
	}
}

func TestAssembleNeverWrapsBelowFeeReserve(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	l := &fakeLedger{
		lamports: 5_000_000,
		tokens: map[solana.PublicKey]ledger.TokenAccount{
			testMarkets().MustGet(0).Mint: {Exists: true},
		},
	}
	out, err := newAssembler(l, wallet).Assemble(context.Background(), exactOutPlan())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if out.WrapAmount != 0 || out.BorrowAmount != out.RequiredInput {
		t.Fatalf("expected full borrow without wrapping, got %+v", out)
	}
	got := programs(out.Instructions)
	if !got[1].Equals(solana.SPLAssociatedTokenAccountProgramID) {
		t.Fatalf("expected missing wrapped SOL account to be created, got %v", got)
	}
	if countProgram(out.Instructions, solana.SPLAssociatedTokenAccountProgramID) != 1 {
		t.Fatal("existing token accounts must not be recreated")
	}
}

func TestAssembleExactInUsesSwapAmount(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	plan := exactOutPlan()
	plan.Mode = providers.SwapModeExactIn
	plan.SwapAmount = 500_000_000
	plan.Route = providers.Route{Mode: providers.SwapModeExactIn, InAmount: 500_000_000, OutAmount: 24_000_000}
	l := &fakeLedger{tokens: map[solana.PublicKey]ledger.TokenAccount{
		solana.WrappedSol: {Exists: true, Amount: 500_000_000},
		testMarkets().MustGet(0).Mint: {Exists: true},
	}}
	out, err := newAssembler(l, wallet).Assemble(context.Background(), plan)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if out.RequiredInput != 500_000_000 || out.FlashLoan {
		t.Fatalf("unexpected exact-in assembly %+v", out)
	}

	tx, err := out.Transaction(solana.Hash{1}, wallet)
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if !tx.Message.IsVersioned() {
		t.Fatal("expected a versioned transaction with lookup tables")
	}
}

func TestAssembleRejectsSelfRepay(t *testing.T) {
	plan := exactOutPlan()
	plan.CollateralMarket = plan.LoanMarket
	if _, err := newAssembler(&fakeLedger{}, solana.NewWallet().PublicKey()).Assemble(context.Background(), plan); err == nil {
		t.Fatal("expected self-repay error")
	}
}

func TestProvisionCreatesOnlyMissingAccounts(t *testing.T) {
	l := &fakeLedger{tokens: map[solana.PublicKey]ledger.TokenAccount{
		testMarkets().MustGet(0).Mint: {Exists: true},
	}}
	wallet := solana.NewWallet().PublicKey()
	ixs, err := newAssembler(l, wallet).Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if len(ixs) != 1 || !ixs[0].ProgramID().Equals(solana.SPLAssociatedTokenAccountProgramID) {
		t.Fatalf("expected one token account creation, got %d", len(ixs))
	}
	data, err := ixs[0].Data()
	if err != nil {
		t.Fatalf("instruction data: %v", err)
	}
	if len(data) != 1 || data[0] != 1 {
		t.Fatalf("expected CreateIdempotent data [1], got %v", data)
	}
	want, _, _ := solana.FindAssociatedTokenAddress(wallet, solana.WrappedSol)
	accts := ixs[0].Accounts()
	if len(accts) != 6 || !accts[1].PublicKey.Equals(want) || !accts[0].IsSigner {
		t.Fatalf("unexpected accounts %v", accts)
	}
}
