// Package quartz builds the auto-repay instructions of the Quartz vault
// program and decodes its vault accounts.
package quartz

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/anchor"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/drift"
)

// VaultAccountSize is discriminator + owner + bump.
const VaultAccountSize = 8 + 32 + 1

type Program struct {
	ID          solana.PublicKey
	Drift       solana.PublicKey
	DriftSigner solana.PublicKey
	driftState  solana.PublicKey
}

func New(id, driftProgram, driftSigner solana.PublicKey) *Program {
	return &Program{
		ID:          id,
		Drift:       driftProgram,
		DriftSigner: driftSigner,
		driftState:  drift.StateAddress(driftProgram),
	}
}

func (p *Program) VaultAddress(owner solana.PublicKey) solana.PublicKey {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("vault"), owner.Bytes()}, p.ID)
	if err != nil {
		panic(fmt.Sprintf("quartz: derive vault: %v", err))
	}
	return addr
}

func (p *Program) VaultSplAddress(vault, mint solana.PublicKey) solana.PublicKey {
	addr, _, err := solana.FindProgramAddress([][]byte{vault.Bytes(), mint.Bytes()}, p.ID)
	if err != nil {
		panic(fmt.Sprintf("quartz: derive vault spl: %v", err))
	}
	return addr
}

// DriftUser is the Drift user account whose authority is the vault.
func (p *Program) DriftUser(vault solana.PublicKey) solana.PublicKey {
	return drift.UserAddress(p.Drift, vault, 0)
}

func (p *Program) DriftUserStats(vault solana.PublicKey) solana.PublicKey {
	return drift.UserStatsAddress(p.Drift, vault)
}

// DecodeVaultOwner reads the owner of a vault account.
func DecodeVaultOwner(data []byte) (solana.PublicKey, error) {
	if len(data) != VaultAccountSize {
		return solana.PublicKey{}, fmt.Errorf("vault account: expected %d bytes, got %d", VaultAccountSize, len(data))
	}
	if err := anchor.CheckAccount("Vault", data); err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(data[8:40]), nil
}

// Repay identifies the parties of one auto-repay transaction.
type Repay struct {
	Caller solana.PublicKey
	Vault  solana.PublicKey
	Owner  solana.PublicKey
}

func callerSpl(caller, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(caller, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive caller token account: %w", err)
	}
	return ata, nil
}

// AutoRepayStart opens the repay window. startBalance is the caller's
// expected balance of the withdraw mint once the swap input is in place.
func (p *Program) AutoRepayStart(r Repay, withdraw market.Market, startBalance uint64) (solana.Instruction, error) {
	spl, err := callerSpl(r.Caller, withdraw.Mint)
	if err != nil {
		return nil, err
	}
	data, err := anchor.InstructionData("auto_repay_start", struct{ StartWithdrawBalance uint64 }{startBalance})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(r.Caller, true, true),
		solana.NewAccountMeta(spl, true, false),
		solana.NewAccountMeta(withdraw.Mint, false, false),
		solana.NewAccountMeta(r.Vault, true, false),
		solana.NewAccountMeta(p.VaultSplAddress(r.Vault, withdraw.Mint), true, false),
		solana.NewAccountMeta(r.Owner, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

// AutoRepayDeposit moves the swap output from the caller into the vault's
// Drift account, settling the loan in the deposit market.
func (p *Program) AutoRepayDeposit(r Repay, deposit, withdraw market.Market, markets []market.Market) (solana.Instruction, error) {
	spl, err := callerSpl(r.Caller, deposit.Mint)
	if err != nil {
		return nil, err
	}
	data, err := anchor.InstructionData("auto_repay_deposit", struct{ DriftMarketIndex uint16 }{deposit.Index})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(r.Vault, true, false),
		solana.NewAccountMeta(p.VaultSplAddress(r.Vault, deposit.Mint), true, false),
		solana.NewAccountMeta(r.Owner, true, false),
		solana.NewAccountMeta(r.Caller, true, true),
		solana.NewAccountMeta(spl, true, false),
		solana.NewAccountMeta(deposit.Mint, false, false),
		solana.NewAccountMeta(p.DriftUser(r.Vault), true, false),
		solana.NewAccountMeta(p.DriftUserStats(r.Vault), true, false),
		solana.NewAccountMeta(p.driftState, true, false),
		solana.NewAccountMeta(drift.SpotMarketVaultAddress(p.Drift, deposit.Index), true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(p.Drift, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}
	accounts = append(accounts, remainingAccounts(markets, deposit.Index, withdraw.Index)...)
	return solana.NewInstruction(p.ID, accounts, data), nil
}

// AutoRepayWithdraw pulls collateral from the vault's Drift account back to
// the caller and closes the repay window.
func (p *Program) AutoRepayWithdraw(r Repay, deposit, withdraw market.Market, markets []market.Market) (solana.Instruction, error) {
	spl, err := callerSpl(r.Caller, withdraw.Mint)
	if err != nil {
		return nil, err
	}
	data, err := anchor.InstructionData("auto_repay_withdraw", struct{ DriftMarketIndex uint16 }{withdraw.Index})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(r.Vault, true, false),
		solana.NewAccountMeta(p.VaultSplAddress(r.Vault, withdraw.Mint), true, false),
		solana.NewAccountMeta(r.Owner, true, false),
		solana.NewAccountMeta(r.Caller, true, true),
		solana.NewAccountMeta(spl, true, false),
		solana.NewAccountMeta(withdraw.Mint, false, false),
		solana.NewAccountMeta(p.DriftUser(r.Vault), true, false),
		solana.NewAccountMeta(p.DriftUserStats(r.Vault), true, false),
		solana.NewAccountMeta(p.driftState, true, false),
		solana.NewAccountMeta(drift.SpotMarketVaultAddress(p.Drift, withdraw.Index), true, false),
		solana.NewAccountMeta(p.DriftSigner, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(p.Drift, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(deposit.PriceUpdate, false, false),
		solana.NewAccountMeta(withdraw.PriceUpdate, false, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}
	accounts = append(accounts, remainingAccounts(markets, withdraw.Index)...)
	return solana.NewInstruction(p.ID, accounts, data), nil
}

// remainingAccounts lists every market oracle followed by every spot market;
// only the spot markets in writable are marked mutable.
func remainingAccounts(markets []market.Market, writable ...uint16) solana.AccountMetaSlice {
	isWritable := make(map[uint16]bool, len(writable))
	for _, idx := range writable {
		isWritable[idx] = true
	}
	out := make(solana.AccountMetaSlice, 0, 2*len(markets))
	for _, m := range markets {
		out = append(out, solana.NewAccountMeta(m.DriftOracle, false, false))
	}
	for _, m := range markets {
		out = append(out, solana.NewAccountMeta(m.DriftSpotMarket, isWritable[m.Index], false))
	}
	return out
}
