package HIVERPC

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/ybbus/jsonrpc"
)

// Wallet sends transfers through a cli_wallet JSON-RPC endpoint. The wallet
// holds the active key of the relay account, this process never sees it.
type Wallet struct {
	rpc     jsonrpc.RPCClient
	account string
}

type broadcastResult struct {
	TransactionID string `json:"transaction_id"`
}

func NewWallet(url, account string) *Wallet {
	return &Wallet{
		rpc:     jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: &http.Client{Timeout: 30 * time.Second}}),
		account: account,
	}
}

func (w *Wallet) Account() string { return w.account }

// Transfer broadcasts a transfer of amount ("1.000 HBD") from the relay account
// and returns the source chain transaction id.
func (w *Wallet) Transfer(ctx context.Context, to, amount, memo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var res broadcastResult
	if err := w.rpc.CallFor(&res, "transfer", w.account, to, amount, memo, true); err != nil {
		return "", errors.Wrapf(err, "wallet transfer %s to %s", amount, to)
	}
	return res.TransactionID, nil
}
