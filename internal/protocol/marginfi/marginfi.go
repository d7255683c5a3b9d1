// Package marginfi builds the marginfi v2 flash-loan instructions the agent
// uses to source swap input it does not hold.
package marginfi

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/anchor"
)

// Lender borrows from marginfi banks through a single marginfi account owned
// by the agent wallet. The account is expected to hold no other balances.
type Lender struct {
	Program solana.PublicKey
	Group   solana.PublicKey
	Account solana.PublicKey
	FeeBps  int
}

func New(program, group, account solana.PublicKey, feeBps int) *Lender {
	return &Lender{Program: program, Group: group, Account: account, FeeBps: feeBps}
}

func (l *Lender) bankPDA(seed string, bank solana.PublicKey) solana.PublicKey {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(seed), bank.Bytes()}, l.Program)
	if err != nil {
		panic(fmt.Sprintf("marginfi: derive %s: %v", seed, err))
	}
	return addr
}

func (l *Lender) LiquidityVault(bank solana.PublicKey) solana.PublicKey {
	return l.bankPDA("liquidity_vault", bank)
}

func (l *Lender) LiquidityVaultAuthority(bank solana.PublicKey) solana.PublicKey {
	return l.bankPDA("liquidity_vault_auth", bank)
}

// RepayAmount is the principal plus the configured flash-loan fee, rounded up.
func (l *Lender) RepayAmount(amount uint64) uint64 {
	if l.FeeBps <= 0 || amount == 0 {
		return amount
	}
	fee := (amount*uint64(l.FeeBps) + 9_999) / 10_000
	return amount + fee
}

func (l *Lender) BorrowInstruction(m market.Market, amount uint64, authority, destination solana.PublicKey) (solana.Instruction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("marginfi borrow: amount must be positive")
	}
	data, err := anchor.InstructionData("lending_account_borrow", struct{ Amount uint64 }{amount})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(l.Group, false, false),
		solana.NewAccountMeta(l.Account, true, false),
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(m.MarginfiBank, true, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(l.LiquidityVaultAuthority(m.MarginfiBank), true, false),
		solana.NewAccountMeta(l.LiquidityVault(m.MarginfiBank), true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(l.Program, accounts, data), nil
}

func (l *Lender) DepositInstruction(m market.Market, amount uint64, authority, source solana.PublicKey) (solana.Instruction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("marginfi deposit: amount must be positive")
	}
	// DepositUpToLimit is an Option<bool>; a single zero byte encodes None.
	data, err := anchor.InstructionData("lending_account_deposit", struct {
		Amount           uint64
		DepositUpToLimit uint8
	}{Amount: amount})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(l.Group, false, false),
		solana.NewAccountMeta(l.Account, true, false),
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(m.MarginfiBank, true, false),
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(l.LiquidityVault(m.MarginfiBank), true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(l.Program, accounts, data), nil
}

func (l *Lender) startFlashloan(authority solana.PublicKey, endIndex uint64) (solana.Instruction, error) {
	data, err := anchor.InstructionData("lending_account_start_flashloan", struct{ EndIndex uint64 }{endIndex})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(l.Account, true, false),
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}
	return solana.NewInstruction(l.Program, accounts, data), nil
}

// endFlashloan passes the borrowed bank and its oracle as remaining accounts
// so the closing health check can value the (now repaid) balance.
func (l *Lender) endFlashloan(authority solana.PublicKey, banks []market.Market) (solana.Instruction, error) {
	data, err := anchor.InstructionData("lending_account_end_flashloan", nil)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(l.Account, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	for _, b := range banks {
		accounts = append(accounts,
			solana.NewAccountMeta(b.MarginfiBank, false, false),
			solana.NewAccountMeta(b.MarginfiBankOracle, false, false),
		)
	}
	return solana.NewInstruction(l.Program, accounts, data), nil
}

// Envelope wraps body between borrow and deposit inside a flash loan:
//
//	prefix..., start_flashloan, borrow, body..., deposit, end_flashloan
//
// prefix stays outside the loan (compute budget, account creation) and is
// counted when computing the end index the start instruction points at.
func (l *Lender) Envelope(authority solana.PublicKey, borrowed market.Market, prefix, body []solana.Instruction, borrow, deposit solana.Instruction) ([]solana.Instruction, error) {
	if borrow == nil || deposit == nil {
		return nil, fmt.Errorf("marginfi envelope: borrow and deposit are required")
	}
	endIndex := uint64(len(prefix) + 2 + len(body) + 1)
	start, err := l.startFlashloan(authority, endIndex)
	if err != nil {
		return nil, err
	}
	end, err := l.endFlashloan(authority, []market.Market{borrowed})
	if err != nil {
		return nil, err
	}
	out := make([]solana.Instruction, 0, len(prefix)+len(body)+4)
	out = append(out, prefix...)
	out = append(out, start, borrow)
	out = append(out, body...)
	out = append(out, deposit, end)
	return out, nil
}
