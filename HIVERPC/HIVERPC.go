package HIVERPC

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/ybbus/jsonrpc"
	"go.uber.org/zap"
)

const (
	methodGlobalProperties = "condenser_api.get_dynamic_global_properties"
	methodOpsInBlock       = "condenser_api.get_ops_in_block"
	methodGetAccounts      = "condenser_api.get_accounts"

	OpTransfer = "transfer"
)

var ErrAccountNotFound = errors.New("hive: account not found")

type GlobalProperties struct {
	HeadBlockNumber          uint64 `json:"head_block_number"`
	LastIrreversibleBlockNum uint64 `json:"last_irreversible_block_num"`
}

type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

// Operation is one operation of an irreversible block. Transfer is set for
// transfer operations only.
type Operation struct {
	TxID     string
	BlockNum uint64
	Type     string
	Transfer *Transfer
}

type Block struct {
	Num uint64
	Ops []Operation
}

type rawOperation struct {
	TrxID   string            `json:"trx_id"`
	Block   uint64            `json:"block"`
	OpInTrx int               `json:"op_in_trx"`
	Op      []json.RawMessage `json:"op"`
}

type account struct {
	Name       string `json:"name"`
	Balance    string `json:"balance"`
	HBDBalance string `json:"hbd_balance"`
}

// Client talks to a list of Hive API nodes and moves to the next node when one fails.
type Client struct {
	nodes        []string
	rpc          []jsonrpc.RPCClient
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

func NewClient(nodes []string, pollInterval time.Duration, log *zap.SugaredLogger) *Client {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	c := &Client{nodes: nodes, pollInterval: pollInterval, log: log}
	for _, url := range nodes {
		c.rpc = append(c.rpc, jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: httpClient}))
	}
	return c
}

// withNode runs f against each node in turn until one succeeds.
func withNode[T any](ctx context.Context, c *Client, f func(rpc jsonrpc.RPCClient) (T, error)) (res T, err error) {
	if len(c.rpc) == 0 {
		return res, errors.New("hive: no rpc nodes configured")
	}
	for i, rpc := range c.rpc {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res, err = f(rpc)
		if err == nil {
			return res, nil
		}
		c.log.Warnw("hive node call failed", "node", c.nodes[i], "error", err)
	}
	return res, err
}

func (c *Client) GlobalProperties(ctx context.Context) (GlobalProperties, error) {
	return withNode(ctx, c, func(rpc jsonrpc.RPCClient) (GlobalProperties, error) {
		var props GlobalProperties
		err := rpc.CallFor(&props, methodGlobalProperties, []interface{}{})
		return props, errors.Wrap(err, methodGlobalProperties)
	})
}

// LastIrreversibleBlock is the newest block the watcher may read.
func (c *Client) LastIrreversibleBlock(ctx context.Context) (uint64, error) {
	props, err := c.GlobalProperties(ctx)
	if err != nil {
		return 0, err
	}
	return props.LastIrreversibleBlockNum, nil
}

func (c *Client) OpsInBlock(ctx context.Context, num uint64) ([]Operation, error) {
	raw, err := withNode(ctx, c, func(rpc jsonrpc.RPCClient) ([]rawOperation, error) {
		var ops []rawOperation
		err := rpc.CallFor(&ops, methodOpsInBlock, num, false)
		return ops, errors.Wrapf(err, "%s %d", methodOpsInBlock, num)
	})
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, 0, len(raw))
	for _, r := range raw {
		op, err := r.decode(num)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", num)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (r rawOperation) decode(num uint64) (Operation, error) {
	if len(r.Op) != 2 {
		return Operation{}, errors.Errorf("operation in %s has %d elements", r.TrxID, len(r.Op))
	}

	op := Operation{TxID: r.TrxID, BlockNum: num}
	// several transfers in one transaction must not share an id
	if r.OpInTrx > 0 {
		op.TxID = fmt.Sprintf("%s-%d", r.TrxID, r.OpInTrx)
	}
	if err := json.Unmarshal(r.Op[0], &op.Type); err != nil {
		return Operation{}, errors.Wrap(err, "operation type")
	}
	if op.Type == OpTransfer {
		var t Transfer
		if err := json.Unmarshal(r.Op[1], &t); err != nil {
			return Operation{}, errors.Wrap(err, "transfer payload")
		}
		op.Transfer = &t
	}
	return op, nil
}

// Balance returns the liquid balance of account in symbol (HIVE or HBD).
func (c *Client) Balance(ctx context.Context, name, symbol string) (decimal.Decimal, error) {
	accounts, err := withNode(ctx, c, func(rpc jsonrpc.RPCClient) ([]account, error) {
		var accounts []account
		err := rpc.CallFor(&accounts, methodGetAccounts, []interface{}{[]string{name}})
		return accounts, errors.Wrap(err, methodGetAccounts)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(accounts) == 0 {
		return decimal.Zero, errors.Wrap(ErrAccountNotFound, name)
	}

	for _, field := range []string{accounts[0].Balance, accounts[0].HBDBalance} {
		asset, err := ParseAsset(field)
		if err != nil {
			continue
		}
		if asset.Symbol == symbol {
			return asset.Amount, nil
		}
	}
	return decimal.Zero, errors.Errorf("hive: no %s balance for %s", symbol, name)
}

// Subscribe streams irreversible blocks starting at from, one Block per number,
// polling the nodes when caught up. It returns on a node error or when ctx ends.
func (c *Client) Subscribe(ctx context.Context, from uint64, out chan<- Block) error {
	next := from
	for {
		lib, err := c.LastIrreversibleBlock(ctx)
		if err != nil {
			return err
		}

		for ; next <= lib; next++ {
			ops, err := c.OpsInBlock(ctx, next)
			if err != nil {
				return err
			}
			select {
			case out <- Block{Num: next, Ops: ops}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
