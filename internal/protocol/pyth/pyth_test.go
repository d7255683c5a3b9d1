package pyth

import (
	"testing"

	"github.com/gagliardetto/solana-go"
)

var receiver = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")

const solFeed = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"

func TestPriceUpdateAccountIsDeterministicAndPrefixInsensitive(t *testing.T) {
	a, err := PriceUpdateAccount(receiver, DefaultShard, solFeed)
	if err != nil {
		t.Fatalf("PriceUpdateAccount failed: %v", err)
	}
	b, err := PriceUpdateAccount(receiver, DefaultShard, "0x"+solFeed)
	if err != nil {
		t.Fatalf("PriceUpdateAccount with prefix failed: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("expected same address, got %s and %s", a, b)
	}
	other, err := PriceUpdateAccount(receiver, 1, solFeed)
	if err != nil {
		t.Fatalf("PriceUpdateAccount shard 1 failed: %v", err)
	}
	if a.Equals(other) {
		t.Fatal("expected shard to change the derived address")
	}
}

func TestPriceUpdateAccountRejectsBadFeed(t *testing.T) {
	if _, err := PriceUpdateAccount(receiver, DefaultShard, "zz"); err == nil {
		t.Fatal("expected hex error")
	}
	if _, err := PriceUpdateAccount(receiver, DefaultShard, "abcd"); err == nil {
		t.Fatal("expected length error")
	}
}
