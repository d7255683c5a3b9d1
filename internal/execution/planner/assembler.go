package planner

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/ledger"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/quartz"
	"github.com/ggonzalez94/defi-autorepay/internal/providers"
	"github.com/ggonzalez94/defi-autorepay/internal/resolver"
	"go.uber.org/zap"
)

// Ledger is the wallet state the assembler reads before building.
type Ledger interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	TokenAccounts(ctx context.Context, owner solana.PublicKey, mints []solana.PublicKey) (map[solana.PublicKey]ledger.TokenAccount, error)
	LookupTables(ctx context.Context, addrs []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error)
}

type SwapBuilder interface {
	SwapInstructions(ctx context.Context, route providers.Route, user solana.PublicKey) (providers.SwapInstructions, error)
}

// FlashLender sources the swap input the wallet does not hold.
type FlashLender interface {
	RepayAmount(amount uint64) uint64
	BorrowInstruction(m market.Market, amount uint64, authority, destination solana.PublicKey) (solana.Instruction, error)
	DepositInstruction(m market.Market, amount uint64, authority, source solana.PublicKey) (solana.Instruction, error)
	Envelope(authority solana.PublicKey, borrowed market.Market, prefix, body []solana.Instruction, borrow, deposit solana.Instruction) ([]solana.Instruction, error)
}

// Repayer builds the vault program's repay window instructions.
type Repayer interface {
	AutoRepayStart(r quartz.Repay, withdraw market.Market, startBalance uint64) (solana.Instruction, error)
	AutoRepayDeposit(r quartz.Repay, deposit, withdraw market.Market, markets []market.Market) (solana.Instruction, error)
	AutoRepayWithdraw(r quartz.Repay, deposit, withdraw market.Market, markets []market.Market) (solana.Instruction, error)
}

type Options struct {
	// InputBufferBps pads the quoted input of exact-out routes.
	InputBufferBps     int
	FeeReserveLamports uint64
	// LookupTables are always attached, in addition to the route's tables.
	LookupTables []solana.PublicKey
}

type Assembler struct {
	markets *market.Table
	ledger  Ledger
	swaps   SwapBuilder
	lender  FlashLender
	repayer Repayer
	wallet  solana.PublicKey
	opts    Options
	logger  *zap.Logger
}

func NewAssembler(markets *market.Table, l Ledger, swaps SwapBuilder, lender FlashLender, repayer Repayer, wallet solana.PublicKey, opts Options, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		markets: markets,
		ledger:  l,
		swaps:   swaps,
		lender:  lender,
		repayer: repayer,
		wallet:  wallet,
		opts:    opts,
		logger:  logger.Named("assembler"),
	}
}

// Assembly is the ordered instruction list of one repay attempt.
type Assembly struct {
	Instructions  []solana.Instruction                       `json:"-"`
	LookupTables  map[solana.PublicKey]solana.PublicKeySlice `json:"-"`
	FlashLoan     bool                                       `json:"flash_loan"`
	RequiredInput uint64                                     `json:"required_input"`
	HeldInput     uint64                                     `json:"held_input"`
	WrapAmount    uint64                                     `json:"wrap_amount"`
	BorrowAmount  uint64                                     `json:"borrow_amount"`
	RepayAmount   uint64                                     `json:"repay_amount"`
	StartBalance  uint64                                     `json:"start_balance"`
}

// Transaction compiles the assembly into an unsigned v0 transaction.
func (a Assembly) Transaction(blockhash solana.Hash, payer solana.PublicKey) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(a.Instructions, blockhash,
		solana.TransactionPayer(payer),
		solana.TransactionAddressTables(a.LookupTables),
	)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodePlan, "compile transaction", err)
	}
	return tx, nil
}

// Programs lists the program of each instruction, in order.
func (a Assembly) Programs() []string {
	out := make([]string, 0, len(a.Instructions))
	for _, ix := range a.Instructions {
		out = append(out, ix.ProgramID().String())
	}
	return out
}

// Assemble builds the instructions that execute plan from the wallet's
// current balances:
//
//	[compute budget] [create token accounts] [wrap SOL]
//	  (start_flashloan borrow)
//	  auto_repay_start swap auto_repay_deposit auto_repay_withdraw
//	  (deposit end_flashloan)
//
// The flash loan brackets appear only when the wallet cannot cover the swap
// input itself.
func (a *Assembler) Assemble(ctx context.Context, plan resolver.Plan) (Assembly, error) {
	if plan.SwapAmount == 0 {
		return Assembly{}, clierr.New(clierr.CodePlan, "plan has no swap amount")
	}
	if plan.LoanMarket == plan.CollateralMarket {
		return Assembly{}, clierr.New(clierr.CodePlan, "plan repays a market with itself")
	}
	loan, ok := a.markets.Get(plan.LoanMarket)
	if !ok {
		return Assembly{}, clierr.New(clierr.CodePlan, fmt.Sprintf("loan market %d is not configured", plan.LoanMarket))
	}
	col, ok := a.markets.Get(plan.CollateralMarket)
	if !ok {
		return Assembly{}, clierr.New(clierr.CodePlan, fmt.Sprintf("collateral market %d is not configured", plan.CollateralMarket))
	}

	out := Assembly{RequiredInput: a.requiredInput(plan)}
	tokenAccounts, err := a.ledger.TokenAccounts(ctx, a.wallet, []solana.PublicKey{col.Mint, loan.Mint})
	if err != nil {
		return Assembly{}, err
	}
	colAcct := tokenAccounts[col.Mint]

	var prefix []solana.Instruction
	swap, err := a.swaps.SwapInstructions(ctx, plan.Route, a.wallet)
	if err != nil {
		return Assembly{}, err
	}
	prefix = append(prefix, swap.ComputeBudget...)
	for _, mint := range []solana.PublicKey{col.Mint, loan.Mint} {
		if !tokenAccounts[mint].Exists {
			prefix = append(prefix, createTokenAccount(a.wallet, mint))
		}
	}
	prefix = append(prefix, swap.Setup...)

	out.HeldInput = colAcct.Amount
	if col.IsNative() && out.HeldInput < out.RequiredInput {
		lamports, err := a.ledger.NativeBalance(ctx, a.wallet)
		if err != nil {
			return Assembly{}, err
		}
		if lamports > a.opts.FeeReserveLamports {
			out.WrapAmount = min(out.RequiredInput-out.HeldInput, lamports-a.opts.FeeReserveLamports)
		}
		if out.WrapAmount > 0 {
			prefix = append(prefix,
				system.NewTransferInstruction(out.WrapAmount, a.wallet, colAcct.Address).Build(),
				token.NewSyncNativeInstruction(colAcct.Address).Build(),
			)
		}
	}
	if covered := out.HeldInput + out.WrapAmount; covered < out.RequiredInput {
		out.BorrowAmount = out.RequiredInput - covered
	}
	out.StartBalance = out.HeldInput + out.WrapAmount + out.BorrowAmount

	repay := quartz.Repay{Caller: a.wallet, Vault: plan.Vault.Address, Owner: plan.Vault.Owner}
	all := a.markets.All()
	start, err := a.repayer.AutoRepayStart(repay, col, out.StartBalance)
	if err != nil {
		return Assembly{}, clierr.Wrap(clierr.CodePlan, "build auto_repay_start", err)
	}
	deposit, err := a.repayer.AutoRepayDeposit(repay, loan, col, all)
	if err != nil {
		return Assembly{}, clierr.Wrap(clierr.CodePlan, "build auto_repay_deposit", err)
	}
	withdraw, err := a.repayer.AutoRepayWithdraw(repay, loan, col, all)
	if err != nil {
		return Assembly{}, clierr.Wrap(clierr.CodePlan, "build auto_repay_withdraw", err)
	}
	// The route's cleanup would close the wrapped SOL account the flash
	// loan is repaid from, so it is left out.
	body := []solana.Instruction{start, swap.Swap, deposit, withdraw}

	if out.BorrowAmount == 0 {
		out.Instructions = append(prefix, body...)
	} else {
		out.FlashLoan = true
		out.RepayAmount = a.lender.RepayAmount(out.BorrowAmount)
		borrow, err := a.lender.BorrowInstruction(col, out.BorrowAmount, a.wallet, colAcct.Address)
		if err != nil {
			return Assembly{}, clierr.Wrap(clierr.CodePlan, "build flash borrow", err)
		}
		repayIx, err := a.lender.DepositInstruction(col, out.RepayAmount, a.wallet, colAcct.Address)
		if err != nil {
			return Assembly{}, clierr.Wrap(clierr.CodePlan, "build flash repay", err)
		}
		if out.Instructions, err = a.lender.Envelope(a.wallet, col, prefix, body, borrow, repayIx); err != nil {
			return Assembly{}, clierr.Wrap(clierr.CodePlan, "wrap flash loan", err)
		}
	}

	tables := append(append([]solana.PublicKey{}, a.opts.LookupTables...), swap.LookupTables...)
	if out.LookupTables, err = a.ledger.LookupTables(ctx, tables); err != nil {
		return Assembly{}, err
	}

	a.logger.Debug("assembled repay",
		zap.Stringer("vault", plan.Vault.Address),
		zap.Bool("flash_loan", out.FlashLoan),
		zap.Uint64("required_input", out.RequiredInput),
		zap.Uint64("held_input", out.HeldInput),
		zap.Uint64("wrap", out.WrapAmount),
		zap.Uint64("borrow", out.BorrowAmount),
		zap.Int("instructions", len(out.Instructions)),
	)
	return out, nil
}

// requiredInput is the collateral the swap may consume: the exact input of
// an exact-in route, or the quoted input padded by the buffer for exact-out.
func (a *Assembler) requiredInput(plan resolver.Plan) uint64 {
	if plan.Mode == providers.SwapModeExactIn {
		return plan.SwapAmount
	}
	in := plan.Route.InAmount
	if a.opts.InputBufferBps <= 0 {
		return in
	}
	return in + (in*uint64(a.opts.InputBufferBps)+9_999)/10_000
}

// Provision returns the instructions that create the wallet's missing token
// accounts for every configured market.
func (a *Assembler) Provision(ctx context.Context) ([]solana.Instruction, error) {
	all := a.markets.All()
	mints := make([]solana.PublicKey, 0, len(all))
	for _, m := range all {
		mints = append(mints, m.Mint)
	}
	existing, err := a.ledger.TokenAccounts(ctx, a.wallet, mints)
	if err != nil {
		return nil, err
	}
	var out []solana.Instruction
	for _, mint := range mints {
		if existing[mint].Exists {
			continue
		}
		out = append(out, createTokenAccount(a.wallet, mint))
	}
	return out, nil
}

// createTokenAccount builds the associated token program's CreateIdempotent
// instruction, which succeeds when the account already exists.
func createTokenAccount(wallet, mint solana.PublicKey) solana.Instruction {
	ata, _, _ := solana.FindAssociatedTokenAddress(wallet, mint)
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, solana.AccountMetaSlice{
		solana.Meta(wallet).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(wallet),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.TokenProgramID),
	}, []byte{1})
}
