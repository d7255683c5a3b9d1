package hermes

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/httpx"
	"github.com/ggonzalez94/defi-autorepay/internal/market"
	"github.com/ggonzalez94/defi-autorepay/internal/model"
	"github.com/ggonzalez94/defi-autorepay/internal/protocol/pyth"
	"github.com/shopspring/decimal"
)

const defaultBase = "https://hermes.pyth.network"

// Client reads the latest Pyth prices for every configured market from a
// Hermes endpoint.
type Client struct {
	http    *httpx.Client
	baseURL string
	markets *market.Table
	maxAge  time.Duration
	now     func() time.Time
}

func New(httpClient *httpx.Client, baseURL string, markets *market.Table, maxAge time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		markets: markets,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "hermes",
		Type:         "oracle",
		RequiresKey:  false,
		Capabilities: []string{"prices.latest"},
	}
}

type latestResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// Prices fetches one snapshot. Every configured market must be present and
// no older than the configured max age.
func (c *Client) Prices(ctx context.Context) (market.PriceSet, error) {
	all := c.markets.All()
	byFeed := make(map[string]uint16, len(all))
	vals := url.Values{}
	for _, m := range all {
		byFeed[m.PythFeedID] = m.Index
		vals.Add("ids[]", "0x"+m.PythFeedID)
	}
	vals.Set("parsed", "true")

	endpoint := fmt.Sprintf("%s/v2/updates/price/latest?%s", c.baseURL, vals.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.PriceSet{}, clierr.Wrap(clierr.CodeInternal, "build hermes request", err)
	}
	var resp latestResponse
	if _, err := c.http.DoJSON(ctx, req, &resp); err != nil {
		return market.PriceSet{}, err
	}

	now := c.now()
	set := market.NewPriceSet(now)
	for _, p := range resp.Parsed {
		index, ok := byFeed[pyth.NormalizeFeedID(p.ID)]
		if !ok {
			continue
		}
		raw, err := strconv.ParseInt(strings.TrimSpace(p.Price.Price), 10, 64)
		if err != nil {
			return market.PriceSet{}, clierr.Wrap(clierr.CodeUnavailable, "parse hermes price", err)
		}
		if raw <= 0 {
			return market.PriceSet{}, clierr.New(clierr.CodeStale, fmt.Sprintf("hermes price for market %d is not positive", index))
		}
		published := time.Unix(p.Price.PublishTime, 0)
		if c.maxAge > 0 && now.Sub(published) > c.maxAge {
			return market.PriceSet{}, clierr.New(clierr.CodeStale,
				fmt.Sprintf("hermes price for market %d is %s old", index, now.Sub(published).Truncate(time.Second)))
		}
		set.Set(index, decimal.New(raw, p.Price.Expo))
	}
	for _, m := range all {
		if _, ok := set.Price(m.Index); !ok {
			return market.PriceSet{}, clierr.New(clierr.CodeStale, fmt.Sprintf("hermes returned no price for %s", m.Symbol))
		}
	}
	return set, nil
}
