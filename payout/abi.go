package payout

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// payout token methods used by the relay
const tokenABIJSON = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"mintWithSignature","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"usedNonces","stateMutability":"view",
	 "inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"ConvertToken","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},{"name":"username","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Approve names the setup transaction granting a spender an allowance on the
// payout token. It shares the payout records and reconciliation.
const Approve = "approve"

var tokenABI abi.ABI

func init() {
	var err error
	tokenABI, err = abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		panic(err)
	}
}

type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

func call(ctx context.Context, c Caller, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	res, err := tokenABI.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	if len(res) != 1 {
		return nil, errors.Errorf("%s returned %d values", method, len(res))
	}
	return res, nil
}

// TokenBalance reads balanceOf(account) of the payout token.
func TokenBalance(ctx context.Context, c Caller, contract, account common.Address) (*big.Int, error) {
	res, err := call(ctx, c, contract, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	balance, ok := res[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf: unexpected result type")
	}
	return balance, nil
}

// ApproveData is the call data of approve(spender, amount).
func ApproveData(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := tokenABI.Pack("approve", spender, amount)
	return data, errors.Wrap(err, "pack approve")
}

// ApproveSourceID keys the approval of spender in the payout records, one
// per spender.
func ApproveSourceID(spender common.Address) string {
	return "setup:approve:" + spender.Hex()
}

// Conversion is a ConvertToken event: tokens given up on the destination chain
// to be paid out to a Hive account.
type Conversion struct {
	TxHash   string
	LogIndex uint
	Block    uint64
	From     common.Address
	Username string
	Amount   *big.Int
}

// ID keys a conversion, unique per event even when one transaction emits several.
func (c Conversion) ID() string {
	return fmt.Sprintf("%s:%d", c.TxHash, c.LogIndex)
}

// ConvertTopic is the event signature to filter ConvertToken logs by.
func ConvertTopic() common.Hash {
	return tokenABI.Events["ConvertToken"].ID
}

// ParseConversion decodes a ConvertToken log.
func ParseConversion(l gethtypes.Log) (Conversion, error) {
	if len(l.Topics) != 2 || l.Topics[0] != ConvertTopic() {
		return Conversion{}, errors.Errorf("log %s:%d is not a ConvertToken event", l.TxHash.Hex(), l.Index)
	}
	var ev struct {
		Username string
		Amount   *big.Int
	}
	if err := tokenABI.UnpackIntoInterface(&ev, "ConvertToken", l.Data); err != nil {
		return Conversion{}, errors.Wrap(err, "unpack ConvertToken")
	}
	return Conversion{
		TxHash:   l.TxHash.Hex(),
		LogIndex: l.Index,
		Block:    l.BlockNumber,
		From:     common.BytesToAddress(l.Topics[1].Bytes()),
		Username: ev.Username,
		Amount:   ev.Amount,
	}, nil
}
