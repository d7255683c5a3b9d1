// Package drift derives Drift program addresses and decodes the parts of
// Drift accounts the agent reads: user spot positions and spot market
// interest indexes.
package drift

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/anchor"
	"github.com/holiman/uint256"
)

const (
	spotPositionsOffset = 104
	spotPositionSize    = 40
	maxSpotPositions    = 8

	cumulativeDepositInterestOffset = 464
	cumulativeBorrowInterestOffset  = 480

	// Scaled balances carry 9 decimals and interest indexes carry 10, so the
	// product is rescaled by 10^(19-tokenDecimals).
	precisionExponent = 19
)

type BalanceType uint8

const (
	BalanceDeposit BalanceType = 0
	BalanceBorrow  BalanceType = 1
)

type SpotPosition struct {
	MarketIndex   uint16
	ScaledBalance uint64
	BalanceType   BalanceType
}

type Interest struct {
	Deposit *uint256.Int
	Borrow  *uint256.Int
}

func u16Seed(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func find(program solana.PublicKey, seeds ...[]byte) solana.PublicKey {
	addr, _, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		panic(fmt.Sprintf("drift: derive address: %v", err))
	}
	return addr
}

func UserAddress(program, authority solana.PublicKey, subAccount uint16) solana.PublicKey {
	return find(program, []byte("user"), authority.Bytes(), u16Seed(subAccount))
}

func UserStatsAddress(program, authority solana.PublicKey) solana.PublicKey {
	return find(program, []byte("user_stats"), authority.Bytes())
}

func StateAddress(program solana.PublicKey) solana.PublicKey {
	return find(program, []byte("drift_state"))
}

func SpotMarketAddress(program solana.PublicKey, marketIndex uint16) solana.PublicKey {
	return find(program, []byte("spot_market"), u16Seed(marketIndex))
}

func SpotMarketVaultAddress(program solana.PublicKey, marketIndex uint16) solana.PublicKey {
	return find(program, []byte("spot_market_vault"), u16Seed(marketIndex))
}

// DecodeSpotPositions returns the nonzero spot positions of a User account.
func DecodeSpotPositions(data []byte) ([]SpotPosition, error) {
	if err := anchor.CheckAccount("User", data); err != nil {
		return nil, err
	}
	end := spotPositionsOffset + maxSpotPositions*spotPositionSize
	if len(data) < end {
		return nil, fmt.Errorf("user account: %d bytes, need at least %d", len(data), end)
	}
	out := make([]SpotPosition, 0, maxSpotPositions)
	for i := 0; i < maxSpotPositions; i++ {
		raw := data[spotPositionsOffset+i*spotPositionSize:]
		scaled := binary.LittleEndian.Uint64(raw[0:8])
		if scaled == 0 {
			continue
		}
		kind := BalanceType(raw[34])
		if kind != BalanceDeposit && kind != BalanceBorrow {
			return nil, fmt.Errorf("user account: position %d has unknown balance type %d", i, kind)
		}
		out = append(out, SpotPosition{
			MarketIndex:   binary.LittleEndian.Uint16(raw[32:34]),
			ScaledBalance: scaled,
			BalanceType:   kind,
		})
	}
	return out, nil
}

// DecodeInterest reads the cumulative deposit and borrow interest indexes of a SpotMarket account.
func DecodeInterest(data []byte) (Interest, error) {
	if err := anchor.CheckAccount("SpotMarket", data); err != nil {
		return Interest{}, err
	}
	if len(data) < cumulativeBorrowInterestOffset+16 {
		return Interest{}, fmt.Errorf("spot market account: %d bytes is too short", len(data))
	}
	return Interest{
		Deposit: u128(data[cumulativeDepositInterestOffset : cumulativeDepositInterestOffset+16]),
		Borrow:  u128(data[cumulativeBorrowInterestOffset : cumulativeBorrowInterestOffset+16]),
	}, nil
}

func u128(le []byte) *uint256.Int {
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	return new(uint256.Int).SetBytes(be)
}

// TokenAmount converts a position into a signed token balance in base units.
// Deposits round down and borrows round up, so debt is never understated.
func TokenAmount(pos SpotPosition, interest Interest, decimals uint8) (int64, error) {
	if decimals > precisionExponent {
		return 0, fmt.Errorf("token decimals %d exceed %d", decimals, precisionExponent)
	}
	index := interest.Deposit
	if pos.BalanceType == BalanceBorrow {
		index = interest.Borrow
	}
	if index == nil || index.IsZero() {
		return 0, fmt.Errorf("market %d has no interest index", pos.MarketIndex)
	}
	divisor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(precisionExponent-decimals)))
	product := new(uint256.Int).Mul(uint256.NewInt(pos.ScaledBalance), index)
	if pos.BalanceType == BalanceBorrow {
		product.Add(product, new(uint256.Int).Sub(divisor, uint256.NewInt(1)))
	}
	amount := new(uint256.Int).Div(product, divisor)
	if !amount.IsUint64() || amount.Uint64() > 1<<63-1 {
		return 0, fmt.Errorf("market %d balance overflows int64", pos.MarketIndex)
	}
	if pos.BalanceType == BalanceBorrow {
		return -int64(amount.Uint64()), nil
	}
	return int64(amount.Uint64()), nil
}
