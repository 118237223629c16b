package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kmangutov/vordex/internal/domain"
)

// aggregatorABI is the subset of AggregatorV3Interface we call.
const aggregatorABI = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[
 {"internalType":"uint80","name":"roundId","type":"uint80"},
 {"internalType":"int256","name":"answer","type":"int256"},
 {"internalType":"uint256","name":"startedAt","type":"uint256"},
 {"internalType":"uint256","name":"updatedAt","type":"uint256"},
 {"internalType":"uint80","name":"answeredInRound","type":"uint80"}],
 "stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		panic(fmt.Sprintf("oracle: parse aggregator abi: %v", err))
	}
	return parsed
}()

// ChainlinkConfig configures a Chainlink aggregator reader.
type ChainlinkConfig struct {
	Aggregator common.Address
	// QuoteDecimals is the decimals of the quote asset; answers are rescaled
	// from the aggregator's decimals to it.
	QuoteDecimals uint8
	// MaxAge rejects rounds whose updatedAt is older. Zero disables it.
	MaxAge time.Duration
}

// Chainlink reads latestRoundData from an AggregatorV3 contract.
type Chainlink struct {
	caller ethereum.ContractCaller
	cfg    ChainlinkConfig
	clock  domain.Clock

	mu     sync.Mutex
	dec    uint8
	decSet bool
}

// NewChainlink creates a reader over any contract caller, e.g. an
// *ethclient.Client.
func NewChainlink(caller ethereum.ContractCaller, cfg ChainlinkConfig, clock domain.Clock) *Chainlink {
	return &Chainlink{caller: caller, cfg: cfg, clock: clock}
}

// DialChainlink connects to a JSON-RPC endpoint and returns the reader with a
// close function for the underlying client.
func DialChainlink(ctx context.Context, rpcURL string, cfg ChainlinkConfig, clock domain.Clock) (*Chainlink, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle: dial %s: %w", rpcURL, err)
	}
	return NewChainlink(client, cfg, clock), client.Close, nil
}

// LatestPrice returns the latest aggregator answer in quote base units.
func (c *Chainlink) LatestPrice(ctx context.Context) (domain.Amount, error) {
	dec, err := c.decimals(ctx)
	if err != nil {
		return domain.Amount{}, err
	}

	out, err := c.call(ctx, "latestRoundData")
	if err != nil {
		return domain.Amount{}, err
	}
	if len(out) != 5 {
		return domain.Amount{}, fmt.Errorf("oracle: latestRoundData: unexpected %d outputs", len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return domain.Amount{}, fmt.Errorf("oracle: latestRoundData: answer has type %T", out[1])
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return domain.Amount{}, fmt.Errorf("oracle: latestRoundData: updatedAt has type %T", out[3])
	}
	if answer.Sign() <= 0 {
		return domain.Amount{}, fmt.Errorf("oracle: non-positive answer %s: %w", answer, domain.ErrNoPrice)
	}
	if c.cfg.MaxAge > 0 {
		updated := time.Unix(updatedAt.Int64(), 0)
		if c.clock.Now().Sub(updated) > c.cfg.MaxAge {
			return domain.Amount{}, fmt.Errorf("oracle: round updated %s: %w",
				updated.UTC().Format(time.RFC3339), domain.ErrStalePrice)
		}
	}

	price, ok := domain.AmountFromBig(Rescale(answer, dec, c.cfg.QuoteDecimals))
	if !ok {
		return domain.Amount{}, fmt.Errorf("oracle: answer %s: %w", answer, domain.ErrAmountOverflow)
	}
	return price, nil
}

// Rescale converts v from one decimal precision to another, truncating when
// precision is lost.
func Rescale(v *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case from > to:
		out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	case to > from:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	}
	return out
}

// decimals fetches the aggregator's decimals and remembers the first
// successful answer.
func (c *Chainlink) decimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decSet {
		return c.dec, nil
	}
	out, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: decimals has type %T", out[0])
	}
	c.dec, c.decSet = d, true
	return d, nil
}

func (c *Chainlink) call(ctx context.Context, method string) ([]any, error) {
	data, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	to := c.cfg.Aggregator
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := parsedAggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("oracle: %s returned no values", method)
	}
	return out, nil
}

var _ domain.PriceOracle = (*Chainlink)(nil)
