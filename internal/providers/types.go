package providers

import (
	"context"
	"encoding/json"

	"github.com/gagliardetto/solana-go"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

type SwapMode string

const (
	SwapModeExactIn  SwapMode = "ExactIn"
	SwapModeExactOut SwapMode = "ExactOut"
)

// QuoteRequest asks for a route between two mints. Amount is the fixed side:
// the input for ExactIn, the output for ExactOut.
type QuoteRequest struct {
	Mode             SwapMode
	InputMint        solana.PublicKey
	OutputMint       solana.PublicKey
	Amount           uint64
	SlippageBps      int
	OnlyDirectRoutes bool
}

// Route is a priced quote. Raw is the provider's original quote payload,
// sent back verbatim when building the swap instructions.
type Route struct {
	Provider             string          `json:"provider"`
	Mode                 SwapMode        `json:"mode"`
	InputMint            string          `json:"input_mint"`
	OutputMint           string          `json:"output_mint"`
	InAmount             uint64          `json:"in_amount"`
	OutAmount            uint64          `json:"out_amount"`
	OtherAmountThreshold uint64          `json:"other_amount_threshold"`
	SlippageBps          int             `json:"slippage_bps"`
	PriceImpactPct       float64         `json:"price_impact_pct"`
	Path                 string          `json:"path"`
	Raw                  json.RawMessage `json:"-"`
}

// SwapInstructions are the instructions that execute a route for one wallet.
// Cleanup may be nil.
type SwapInstructions struct {
	ComputeBudget []solana.Instruction
	Setup         []solana.Instruction
	Swap          solana.Instruction
	Cleanup       solana.Instruction
	LookupTables  []solana.PublicKey
}

type SwapRouter interface {
	Provider
	Quote(ctx context.Context, req QuoteRequest) (Route, error)
	SwapInstructions(ctx context.Context, route Route, user solana.PublicKey) (SwapInstructions, error)
}

// PriceOracle returns a fresh snapshot on every call; implementations must
// not serve prices from a previous call.
type PriceOracle interface {
	Provider
	Prices(ctx context.Context) (market.PriceSet, error)
}
