package EVMRPC

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// ethNode answers every eth JSON-RPC call with result or a JSON-RPC error.
func ethNode(t *testing.T, calls *int32, result interface{}, rpcErr string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != "" {
			resp["error"] = map[string]interface{}{"code": -32000, "message": rpcErr}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWithClient_FailsOverOnTransportError(t *testing.T) {
	var downCalls, upCalls int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downCalls, 1)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer down.Close()
	up := ethNode(t, &upCalls, "0x89", "")

	c := NewClient([]string{down.URL, up.URL}, zap.NewNop().Sugar())
	defer c.Close()

	id, err := c.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(137), id.Int64())
	assert.Equal(t, int32(1), atomic.LoadInt32(&downCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&upCalls))
}

func TestWithClient_ChainAnswerIsFinal(t *testing.T) {
	var firstCalls, secondCalls int32
	first := ethNode(t, &firstCalls, nil, "insufficient funds for gas * price + value")
	second := ethNode(t, &secondCalls, "0x1", "")

	c := NewClient([]string{first.URL, second.URL}, zap.NewNop().Sugar())
	defer c.Close()

	_, err := c.PendingNonceAt(context.Background(), common.HexToAddress("0x01"))
	require.Error(t, err)
	assert.Equal(t, ErrorFatal, Classify(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&secondCalls))
}

func TestLocalSigner_SignTx(t *testing.T) {
	key, err := ParsePrivateKey("0x" + testKeyHex)
	require.NoError(t, err)
	s := NewLocalSigner(key)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	to := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, GasPrice: big.NewInt(1e9), Gas: 60000, To: &to})
	chainID := big.NewInt(137)

	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)

	_, err = s.SignTx(tx, nil)
	assert.ErrorIs(t, err, ErrInvalidSigner)
	_, err = NewLocalSigner(nil).SignTx(tx, chainID)
	assert.ErrorIs(t, err, ErrInvalidSigner)
}

func TestLocalSigner_SignMessageRecovers(t *testing.T) {
	key, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	s := NewLocalSigner(key)

	data := crypto.Keccak256([]byte("payout"))
	sig, err := s.SignMessage(data)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	addr, err := RecoverMessageSigner(data, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	other, err := RecoverMessageSigner(crypto.Keccak256([]byte("other")), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)

	_, err = RecoverMessageSigner(data, sig[:64])
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParsePrivateKey_HidesMaterial(t *testing.T) {
	_, err := ParsePrivateKey("zz" + testKeyHex[2:])
	require.ErrorIs(t, err, ErrInvalidPrivateKey)
	assert.NotContains(t, err.Error(), testKeyHex[2:])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"insufficient funds for gas * price + value", ErrorFatal},
		{"execution reverted: Ownable: caller is not the owner", ErrorFatal},
		{"Transaction has been reverted by the EVM:", ErrorFatal},
		{"intrinsic gas too low", ErrorFatal},
		{"already known", ErrorAlreadyKnown},
		{"nonce too low: next nonce 8, tx nonce 7", ErrorNonceTooLow},
		{"replacement transaction underpriced", ErrorUnderpriced},
		{"transaction underpriced", ErrorUnderpriced},
		{"context deadline exceeded", ErrorTransient},
		{"dial tcp: connection refused", ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.Wrap(errors.New(tt.msg), "send")))
		})
	}
	assert.Equal(t, ErrorTransient, Classify(nil))
}

func TestBlockNumber(t *testing.T) {
	var calls int32
	node := ethNode(t, &calls, "0x12a1b2c", "")

	c := NewClient([]string{node.URL}, zap.NewNop().Sugar())
	defer c.Close()

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12a1b2c), n)
}
