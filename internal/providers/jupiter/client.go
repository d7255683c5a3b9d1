package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/httpx"
	"github.com/ggonzalez94/defi-autorepay/internal/model"
	"github.com/ggonzalez94/defi-autorepay/internal/providers"
)

const (
	defaultLiteBase = "https://lite-api.jup.ag/swap/v1"
	defaultProBase  = "https://api.jup.ag/swap/v1"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

// New returns a Jupiter swap client. An empty baseURL selects the lite API,
// or the pro API when an API key is set.
func New(httpClient *httpx.Client, baseURL, apiKey string) *Client {
	apiKey = strings.TrimSpace(apiKey)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultLiteBase
		if apiKey != "" {
			baseURL = defaultProBase
		}
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "jupiter",
		Type:          "swap",
		RequiresKey:   false,
		KeyEnvVarName: "AUTOREPAY_JUPITER_API_KEY",
		Capabilities: []string{
			"swap.quote.exact_in",
			"swap.quote.exact_out",
			"swap.instructions",
		},
		CapabilityAuth: []model.ProviderCapabilityAuth{
			{
				Capability:  "swap.quote.exact_out",
				KeyEnvVar:   "AUTOREPAY_JUPITER_API_KEY",
				Description: "Optional API key for higher Jupiter API limits",
			},
		},
	}
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SwapMode             string `json:"swapMode"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
	RoutePlan            []struct {
		SwapInfo struct {
			Label string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
}

func (c *Client) Quote(ctx context.Context, req providers.QuoteRequest) (providers.Route, error) {
	if req.Amount == 0 {
		return providers.Route{}, clierr.New(clierr.CodeUsage, "jupiter quote amount must be positive")
	}
	if req.InputMint.Equals(req.OutputMint) {
		return providers.Route{}, clierr.New(clierr.CodeUsage, "jupiter quote input and output mints must differ")
	}
	mode := req.Mode
	if mode == "" {
		mode = providers.SwapModeExactIn
	}

	vals := url.Values{}
	vals.Set("inputMint", req.InputMint.String())
	vals.Set("outputMint", req.OutputMint.String())
	vals.Set("amount", strconv.FormatUint(req.Amount, 10))
	vals.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	vals.Set("swapMode", string(mode))
	if req.OnlyDirectRoutes {
		vals.Set("onlyDirectRoutes", "true")
	}

	endpoint := fmt.Sprintf("%s/quote?%s", c.baseURL, vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.Route{}, clierr.Wrap(clierr.CodeInternal, "build jupiter quote request", err)
	}
	c.authorize(hReq)

	var raw json.RawMessage
	if _, err := c.http.DoJSON(ctx, hReq, &raw); err != nil {
		return providers.Route{}, mapNoRoute(err, mode)
	}
	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return providers.Route{}, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter quote", err)
	}
	if len(resp.RoutePlan) == 0 {
		return providers.Route{}, clierr.New(clierr.CodeNoRoute, fmt.Sprintf("jupiter returned an empty %s route", mode))
	}

	route := providers.Route{
		Provider:       "jupiter",
		Mode:           mode,
		InputMint:      req.InputMint.String(),
		OutputMint:     req.OutputMint.String(),
		SlippageBps:    resp.SlippageBps,
		PriceImpactPct: parsePriceImpactPct(resp.PriceImpactPct),
		Path:           routeFromPlan(resp.RoutePlan),
		Raw:            raw,
	}
	if route.InAmount, err = parseAmount("inAmount", resp.InAmount); err != nil {
		return providers.Route{}, err
	}
	if route.OutAmount, err = parseAmount("outAmount", resp.OutAmount); err != nil {
		return providers.Route{}, err
	}
	if strings.TrimSpace(resp.OtherAmountThreshold) != "" {
		if route.OtherAmountThreshold, err = parseAmount("otherAmountThreshold", resp.OtherAmountThreshold); err != nil {
			return providers.Route{}, err
		}
	}
	if route.InAmount == 0 || route.OutAmount == 0 {
		return providers.Route{}, clierr.New(clierr.CodeNoRoute, "jupiter quote has a zero leg")
	}
	return route, nil
}

type swapInstructionsRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
}

type accountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type instruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []accountMeta `json:"accounts"`
	Data      string        `json:"data"`
}

type swapInstructionsResponse struct {
	Error                       string        `json:"error"`
	ComputeBudgetInstructions   []instruction `json:"computeBudgetInstructions"`
	SetupInstructions           []instruction `json:"setupInstructions"`
	SwapInstruction             *instruction  `json:"swapInstruction"`
	CleanupInstruction          *instruction  `json:"cleanupInstruction"`
	AddressLookupTableAddresses []string      `json:"addressLookupTableAddresses"`
}

// SwapInstructions builds the instructions for route. Native SOL is never
// wrapped here; callers hold wrapped SOL in the user's token account.
func (c *Client) SwapInstructions(ctx context.Context, route providers.Route, user solana.PublicKey) (providers.SwapInstructions, error) {
	if len(route.Raw) == 0 {
		return providers.SwapInstructions{}, clierr.New(clierr.CodeUsage, "jupiter route is missing its quote payload")
	}
	body, err := json.Marshal(swapInstructionsRequest{
		QuoteResponse:    route.Raw,
		UserPublicKey:    user.String(),
		WrapAndUnwrapSol: false,
	})
	if err != nil {
		return providers.SwapInstructions{}, clierr.Wrap(clierr.CodeInternal, "encode jupiter swap request", err)
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["x-api-key"] = c.apiKey
	}

	var resp swapInstructionsResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/swap-instructions", body, headers, &resp); err != nil {
		return providers.SwapInstructions{}, mapNoRoute(err, route.Mode)
	}
	if resp.Error != "" {
		return providers.SwapInstructions{}, clierr.New(clierr.CodeNoRoute, "jupiter swap instructions: "+resp.Error)
	}
	if resp.SwapInstruction == nil {
		return providers.SwapInstructions{}, clierr.New(clierr.CodeUnavailable, "jupiter response missing swap instruction")
	}

	var out providers.SwapInstructions
	if out.ComputeBudget, err = convertAll(resp.ComputeBudgetInstructions); err != nil {
		return providers.SwapInstructions{}, err
	}
	if out.Setup, err = convertAll(resp.SetupInstructions); err != nil {
		return providers.SwapInstructions{}, err
	}
	if out.Swap, err = convert(*resp.SwapInstruction); err != nil {
		return providers.SwapInstructions{}, err
	}
	if resp.CleanupInstruction != nil {
		if out.Cleanup, err = convert(*resp.CleanupInstruction); err != nil {
			return providers.SwapInstructions{}, err
		}
	}
	for _, addr := range resp.AddressLookupTableAddresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return providers.SwapInstructions{}, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter lookup table address", err)
		}
		out.LookupTables = append(out.LookupTables, key)
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

func convertAll(in []instruction) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, len(in))
	for _, ix := range in {
		conv, err := convert(ix)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func convert(ix instruction) (solana.Instruction, error) {
	program, err := solana.PublicKeyFromBase58(ix.ProgramID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter program id", err)
	}
	data, err := base64.StdEncoding.DecodeString(ix.Data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter instruction data", err)
	}
	accounts := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
	for _, a := range ix.Accounts {
		key, err := solana.PublicKeyFromBase58(a.Pubkey)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter account", err)
		}
		accounts = append(accounts, solana.NewAccountMeta(key, a.IsWritable, a.IsSigner))
	}
	return solana.NewInstruction(program, accounts, data), nil
}

// mapNoRoute turns client-side rejections into no-route errors. Jupiter
// answers 400 when the pair or size cannot be filled.
func mapNoRoute(err error, mode providers.SwapMode) error {
	var status *httpx.StatusError
	if errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500 {
		return clierr.Wrap(clierr.CodeNoRoute, fmt.Sprintf("jupiter found no %s route", mode), err)
	}
	return err
}

func parseAmount(field, v string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "parse jupiter "+field, err)
	}
	return n, nil
}

func parsePriceImpactPct(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	if f < 0 {
		return 0
	}
	return f
}

func routeFromPlan(plan []struct {
	SwapInfo struct {
		Label string `json:"label"`
	} `json:"swapInfo"`
}) string {
	if len(plan) == 0 {
		return "jupiter"
	}

	parts := make([]string, 0, len(plan))
	for _, hop := range plan {
		label := strings.TrimSpace(hop.SwapInfo.Label)
		if label == "" {
			continue
		}
		if len(parts) == 0 || parts[len(parts)-1] != label {
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return "jupiter"
	}
	return strings.Join(parts, " > ")
}
