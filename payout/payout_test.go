package payout

import (
	"context"
	"math/big"
	"testing"
	"time"

	"gohivebridge/EVMRPC"
	"gohivebridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract  = common.HexToAddress("0xde709f2102306220921060314715629080e2fb77")
	recipient = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type counter struct{ n uint64 }

func (c *counter) NextSignatureNonce(context.Context) (uint64, error) {
	c.n++
	return c.n, nil
}

// fakeCaller answers usedNonces from a set and balanceOf with a fixed value.
type fakeCaller struct {
	used    map[uint64]bool
	balance *big.Int
	lastTo  *common.Address
}

func (c *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	c.lastTo = msg.To
	method, err := tokenABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "usedNonces":
		return method.Outputs.Pack(c.used[args[0].(*big.Int).Uint64()])
	default:
		return method.Outputs.Pack(c.balance)
	}
}

func unpackCall(t *testing.T, data []byte) (string, []interface{}) {
	method, err := tokenABI.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return method.Name, args
}

func TestNew(t *testing.T) {
	s, err := New(Mint, Deps{Contract: contract}, 0)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, s.StaleAfter())
	assert.Equal(t, contract, s.Contract())

	s, err = New(Transfer, Deps{Contract: contract}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.StaleAfter())

	_, err = New(Permit, Deps{Contract: contract}, 0)
	require.Error(t, err)

	_, err = New("burn", Deps{}, 0)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestDirectDraft(t *testing.T) {
	for _, name := range []string{Mint, Transfer} {
		t.Run(name, func(t *testing.T) {
			s, err := New(name, Deps{Contract: contract}, 0)
			require.NoError(t, err)

			d, err := s.Draft(context.Background(), recipient, big.NewInt(4950000))
			require.NoError(t, err)
			assert.Nil(t, d.SignatureNonce)

			method, args := unpackCall(t, d.Data)
			assert.Equal(t, name, method)
			assert.Equal(t, recipient, args[0])
			assert.Equal(t, big.NewInt(4950000), args[1])

			settled, err := s.Settled(context.Background(), types.OutboundTransaction{})
			require.NoError(t, err)
			assert.False(t, settled)
		})
	}
}

func TestPermit(t *testing.T) {
	key, err := EVMRPC.ParsePrivateKey(testKey)
	require.NoError(t, err)
	signer := EVMRPC.NewLocalSigner(key)
	caller := &fakeCaller{used: map[uint64]bool{}}
	chainID := big.NewInt(137)

	s, err := New(Permit, Deps{
		Contract: contract,
		ChainID:  chainID,
		Caller:   caller,
		Signer:   signer,
		Nonces:   &counter{n: 6},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, s.StaleAfter())

	amount := big.NewInt(9400000)
	d, err := s.Draft(context.Background(), recipient, amount)
	require.NoError(t, err)
	require.NotNil(t, d.SignatureNonce)
	assert.Equal(t, uint64(7), *d.SignatureNonce)

	method, args := unpackCall(t, d.Data)
	assert.Equal(t, "mintWithSignature", method)
	assert.Equal(t, recipient, args[0])
	assert.Equal(t, amount, args[1])
	assert.Equal(t, big.NewInt(7), args[2])

	// the contract recovers the relay address from the packed message
	hash := PermitHash(recipient, amount, big.NewInt(7), contract, chainID)
	recovered, err := EVMRPC.RecoverMessageSigner(hash, args[3].([]byte))
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)

	// next draft takes a fresh nonce
	d2, err := s.Draft(context.Background(), recipient, amount)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), *d2.SignatureNonce)

	tx := types.OutboundTransaction{SignatureNonce: d.SignatureNonce}
	settled, err := s.Settled(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, settled)

	caller.used[7] = true
	settled, err = s.Settled(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, contract, *caller.lastTo)

	settled, err = s.Settled(context.Background(), types.OutboundTransaction{})
	require.NoError(t, err)
	assert.False(t, settled)
}

func TestPermitHashLayout(t *testing.T) {
	// 20 + 32 + 32 + 20 + 32 packed bytes, no padding of addresses
	a := PermitHash(recipient, big.NewInt(1), big.NewInt(2), contract, big.NewInt(137))
	b := PermitHash(recipient, big.NewInt(1), big.NewInt(2), contract, big.NewInt(1))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestTokenBalance(t *testing.T) {
	caller := &fakeCaller{balance: big.NewInt(123456)}
	balance, err := TokenBalance(context.Background(), caller, contract, recipient)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(123456), balance)
}

func TestApproveData(t *testing.T) {
	data, err := ApproveData(recipient, big.NewInt(1000))
	require.NoError(t, err)

	method, args := unpackCall(t, data)
	assert.Equal(t, "approve", method)
	assert.Equal(t, recipient, args[0])
	assert.Equal(t, big.NewInt(1000), args[1])
	assert.Equal(t, "setup:approve:"+recipient.Hex(), ApproveSourceID(recipient))
}

func TestParseConversion(t *testing.T) {
	data, err := tokenABI.Events["ConvertToken"].Inputs.NonIndexed().Pack("alice", big.NewInt(2_500_000))
	require.NoError(t, err)
	l := gethtypes.Log{
		Address:     contract,
		Topics:      []common.Hash{ConvertTopic(), common.BytesToHash(recipient.Bytes())},
		Data:        data,
		BlockNumber: 19_000_001,
		TxHash:      common.HexToHash("0xabc"),
		Index:       3,
	}

	c, err := ParseConversion(l)
	require.NoError(t, err)
	assert.Equal(t, recipient, c.From)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, big.NewInt(2_500_000), c.Amount)
	assert.Equal(t, uint64(19_000_001), c.Block)
	assert.Equal(t, common.HexToHash("0xabc").Hex()+":3", c.ID())

	l.Topics = []common.Hash{common.HexToHash("0x01"), l.Topics[1]}
	_, err = ParseConversion(l)
	assert.Error(t, err)

	l.Topics = []common.Hash{ConvertTopic(), l.Topics[1]}
	l.Data = []byte{0x01}
	_, err = ParseConversion(l)
	assert.Error(t, err)
}
