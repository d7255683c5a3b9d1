package pyth

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// DefaultShard is the shard the sponsored price feeds are posted to.
const DefaultShard uint16 = 0

// NormalizeFeedID lowercases a hex feed id and strips the 0x prefix.
func NormalizeFeedID(feedID string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(feedID)), "0x")
}

// PriceUpdateAccount derives the push-oracle account that holds the latest
// update for feedID on the given shard.
func PriceUpdateAccount(receiver solana.PublicKey, shard uint16, feedID string) (solana.PublicKey, error) {
	raw, err := hex.DecodeString(NormalizeFeedID(feedID))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("decode feed id %q: %w", feedID, err)
	}
	if len(raw) != 32 {
		return solana.PublicKey{}, fmt.Errorf("feed id %q must be 32 bytes, got %d", feedID, len(raw))
	}
	shardSeed := make([]byte, 2)
	binary.LittleEndian.PutUint16(shardSeed, shard)
	addr, _, err := solana.FindProgramAddress([][]byte{shardSeed, raw}, receiver)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive price update account: %w", err)
	}
	return addr, nil
}
