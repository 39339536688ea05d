package sequencer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type PriceSuggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// NodeOracle uses eth_gasPrice of the destination chain node.
type NodeOracle struct {
	Node PriceSuggester
}

func (o NodeOracle) GasPrice(ctx context.Context) (*big.Int, error) {
	return o.Node.SuggestGasPrice(ctx)
}

// GasTrackerOracle reads an etherscan style gastracker endpoint and adds a
// premium on top of the proposed price.
type GasTrackerOracle struct {
	baseURL string
	apiKey  string
	premium *big.Int
	http    *http.Client
}

type gasOracleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		ProposeGasPrice string `json:"ProposeGasPrice"`
	} `json:"result"`
}

func NewGasTrackerOracle(baseURL, apiKey string, premium *big.Int) *GasTrackerOracle {
	if premium == nil {
		premium = new(big.Int)
	}
	return &GasTrackerOracle{
		baseURL: baseURL,
		apiKey:  apiKey,
		premium: premium,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *GasTrackerOracle) GasPrice(ctx context.Context) (*big.Int, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "gas tracker url")
	}
	q := u.Query()
	q.Set("module", "gastracker")
	q.Set("action", "gasoracle")
	if o.apiKey != "" {
		q.Set("apikey", o.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "gas tracker request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("gas tracker status %d", resp.StatusCode)
	}

	var body gasOracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode gas tracker response")
	}
	if body.Status != "1" {
		return nil, errors.Errorf("gas tracker: %s", body.Message)
	}

	gwei, err := decimal.NewFromString(body.Result.ProposeGasPrice)
	if err != nil {
		return nil, errors.Wrapf(err, "gas tracker price %q", body.Result.ProposeGasPrice)
	}
	price := gwei.Shift(9).Floor().BigInt()
	return price.Add(price, o.premium), nil
}
