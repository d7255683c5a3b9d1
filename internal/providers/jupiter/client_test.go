package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/httpx"
	"github.com/ggonzalez94/defi-autorepay/internal/providers"
)

var (
	usdcMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	solMint  = solana.WrappedSol
)

const exactOutQuote = `{
	"inputMint":"So11111111111111111111111111111111111111112",
	"outputMint":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"inAmount":"801000000",
	"outAmount":"40000000",
	"otherAmountThreshold":"805005000",
	"swapMode":"ExactOut",
	"slippageBps":50,
	"priceImpactPct":"0.002",
	"routePlan":[{"swapInfo":{"label":"Whirlpool"}},{"swapInfo":{"label":"Whirlpool"}}]
}`

func TestQuoteExactOutSendsModeAndParsesRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("swapMode") != "ExactOut" {
			t.Fatalf("expected ExactOut, got %q", q.Get("swapMode"))
		}
		if q.Get("amount") != "40000000" || q.Get("slippageBps") != "50" || q.Get("onlyDirectRoutes") != "true" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("inputMint") != solMint.String() || q.Get("outputMint") != usdcMint.String() {
			t.Fatalf("unexpected mints %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Fatalf("expected x-api-key header, got %q", got)
		}
		_, _ = w.Write([]byte(exactOutQuote))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), srv.URL, "test-key")
	route, err := c.Quote(context.Background(), providers.QuoteRequest{
		Mode:             providers.SwapModeExactOut,
		InputMint:        solMint,
		OutputMint:       usdcMint,
		Amount:           40_000_000,
		SlippageBps:      50,
		OnlyDirectRoutes: true,
	})
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if route.InAmount != 801_000_000 || route.OutAmount != 40_000_000 || route.OtherAmountThreshold != 805_005_000 {
		t.Fatalf("unexpected amounts %+v", route)
	}
	if route.Mode != providers.SwapModeExactOut || route.Path != "Whirlpool" {
		t.Fatalf("unexpected route %+v", route)
	}
	if len(route.Raw) == 0 {
		t.Fatal("expected raw quote payload to be kept")
	}
}

func TestQuoteClientErrorMapsToNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), srv.URL, "")
	_, err := c.Quote(context.Background(), providers.QuoteRequest{
		Mode:       providers.SwapModeExactOut,
		InputMint:  solMint,
		OutputMint: usdcMint,
		Amount:     1,
	})
	if clierr.CodeOf(err) != clierr.CodeNoRoute {
		t.Fatalf("expected no-route error, got %v", err)
	}
}

func TestQuoteServerErrorStaysTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), srv.URL, "")
	_, err := c.Quote(context.Background(), providers.QuoteRequest{InputMint: solMint, OutputMint: usdcMint, Amount: 1})
	if clierr.CodeOf(err) != clierr.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestQuoteRejectsSameMintAndZeroAmount(t *testing.T) {
	c := New(httpx.New(time.Second, 0), "http://127.0.0.1:0", "")
	if _, err := c.Quote(context.Background(), providers.QuoteRequest{InputMint: solMint, OutputMint: solMint, Amount: 1}); err == nil {
		t.Fatal("expected same-mint error")
	}
	if _, err := c.Quote(context.Background(), providers.QuoteRequest{InputMint: solMint, OutputMint: usdcMint}); err == nil {
		t.Fatal("expected zero amount error")
	}
}

func TestSwapInstructionsConvertsPayload(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	program := solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	table := solana.NewWallet().PublicKey()
	data := base64.StdEncoding.EncodeToString([]byte{0xe5, 0x17, 0xcb, 0x97})

	mux := http.NewServeMux()
	mux.HandleFunc("/swap-instructions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		var req struct {
			QuoteResponse    map[string]any `json:"quoteResponse"`
			UserPublicKey    string         `json:"userPublicKey"`
			WrapAndUnwrapSol bool           `json:"wrapAndUnwrapSol"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.UserPublicKey != user.String() || req.WrapAndUnwrapSol {
			t.Fatalf("unexpected request %s", raw)
		}
		if req.QuoteResponse["swapMode"] != "ExactOut" {
			t.Fatalf("quote payload not forwarded: %s", raw)
		}
		_, _ = w.Write([]byte(`{
			"computeBudgetInstructions":[{"programId":"ComputeBudget111111111111111111111111111111","accounts":[],"data":"AsBcFQA="}],
			"setupInstructions":[],
			"swapInstruction":{"programId":"` + program.String() + `","accounts":[{"pubkey":"` + user.String() + `","isSigner":true,"isWritable":true}],"data":"` + data + `"},
			"cleanupInstruction":null,
			"addressLookupTableAddresses":["` + table.String() + `"]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), srv.URL, "")
	out, err := c.SwapInstructions(context.Background(), providers.Route{
		Mode: providers.SwapModeExactOut,
		Raw:  json.RawMessage(exactOutQuote),
	}, user)
	if err != nil {
		t.Fatalf("SwapInstructions failed: %v", err)
	}
	if len(out.ComputeBudget) != 1 || out.Cleanup != nil {
		t.Fatalf("unexpected instruction groups %+v", out)
	}
	if !out.Swap.ProgramID().Equals(program) {
		t.Fatalf("unexpected swap program %s", out.Swap.ProgramID())
	}
	accs := out.Swap.Accounts()
	if len(accs) != 1 || !accs[0].IsSigner || !accs[0].IsWritable {
		t.Fatalf("unexpected swap accounts %+v", accs)
	}
	if len(out.LookupTables) != 1 || !out.LookupTables[0].Equals(table) {
		t.Fatalf("unexpected lookup tables %v", out.LookupTables)
	}
}

func TestSwapInstructionsRequiresQuotePayload(t *testing.T) {
	c := New(httpx.New(time.Second, 0), "http://127.0.0.1:0", "")
	if _, err := c.SwapInstructions(context.Background(), providers.Route{}, solana.NewWallet().PublicKey()); err == nil {
		t.Fatal("expected missing payload error")
	}
}
