package HIVERPC

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ybbus/jsonrpc"
)

type Verdict int

const (
	VerdictUnknown   Verdict = iota // secondary node has not seen the transaction yet
	VerdictConfirmed                // seen and executed without errors
	VerdictRejected                 // seen and failed
)

func (v Verdict) String() string {
	switch v {
	case VerdictConfirmed:
		return "confirmed"
	case VerdictRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Verifier cross-checks a transaction id against a secondary node.
type Verifier struct {
	rpc jsonrpc.RPCClient
}

type transactionInfo struct {
	Logs string `json:"logs"`
}

func NewVerifier(url string) *Verifier {
	return &Verifier{
		rpc: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: &http.Client{Timeout: 10 * time.Second}}),
	}
}

func (v *Verifier) Verify(ctx context.Context, txID string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return VerdictUnknown, err
	}
	var info *transactionInfo
	err := v.rpc.CallFor(&info, "getTransactionInfo", map[string]string{"txid": txID})
	if err != nil {
		return VerdictUnknown, errors.Wrapf(err, "getTransactionInfo %s", txID)
	}
	if info == nil {
		return VerdictUnknown, nil
	}
	if strings.Contains(info.Logs, "errors") {
		return VerdictRejected, nil
	}
	return VerdictConfirmed, nil
}
