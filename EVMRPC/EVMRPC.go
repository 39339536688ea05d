package EVMRPC

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client is an EVM JSON-RPC client over a list of endpoints. A call moves on
// to the next endpoint on transport failures only, an answer of the chain
// itself (a JSON-RPC error, a missing receipt) is returned as is.
type Client struct {
	endpoints []string
	log       *zap.SugaredLogger

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewClient(endpoints []string, log *zap.SugaredLogger) *Client {
	return &Client{
		endpoints: endpoints,
		log:       log,
		clients:   make(map[string]*ethclient.Client),
	}
}

func (c *Client) dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[url]; ok {
		return cl, nil
	}
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	c.clients[url] = cl
	return cl, nil
}

func (c *Client) drop(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[url]; ok {
		cl.Close()
		delete(c.clients, url)
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for url, cl := range c.clients {
		cl.Close()
		delete(c.clients, url)
	}
}

// isChainAnswer reports errors that another endpoint would answer the same way.
func isChainAnswer(err error) bool {
	var rpcErr rpc.Error
	return errors.Is(err, ethereum.NotFound) || errors.As(err, &rpcErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func WithClient[T any](ctx context.Context, c *Client, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	if len(c.endpoints) == 0 {
		return res, errors.New("evm: no endpoints configured")
	}
	for _, url := range c.endpoints {
		var client *ethclient.Client
		client, err = c.dial(ctx, url)
		if err != nil {
			c.log.Warnw("error connecting to evm endpoint", "endpoint", url, "error", err)
			continue
		}

		res, err = f(client)
		if err == nil || isChainAnswer(err) {
			return res, err
		}
		c.log.Warnw("evm endpoint call failed", "endpoint", url, "error", err)
		c.drop(url)
	}
	return res, err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (*big.Int, error) { return cl.ChainID(ctx) })
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (uint64, error) { return cl.PendingNonceAt(ctx, account) })
}

// NonceAt returns the nonce of account at the latest block, the count of its mined transactions.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (uint64, error) { return cl.NonceAt(ctx, account, nil) })
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (*big.Int, error) { return cl.SuggestGasPrice(ctx) })
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (uint64, error) { return cl.EstimateGas(ctx, msg) })
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) ([]byte, error) { return cl.CallContract(ctx, msg, nil) })
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := WithClient(ctx, c, func(cl *ethclient.Client) (struct{}, error) {
		return struct{}{}, cl.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt returns ethereum.NotFound while tx is not mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (*types.Receipt, error) { return cl.TransactionReceipt(ctx, hash) })
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (*big.Int, error) { return cl.BalanceAt(ctx, account, nil) })
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) (uint64, error) { return cl.BlockNumber(ctx) })
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return WithClient(ctx, c, func(cl *ethclient.Client) ([]types.Log, error) { return cl.FilterLogs(ctx, q) })
}
