package EVMRPC

import (
	"strings"
)

// ErrorKind is how a rejected send or estimation should be handled.
type ErrorKind int

const (
	// ErrorTransient covers timeouts, unreachable endpoints and anything not recognised.
	ErrorTransient ErrorKind = iota
	// ErrorFatal means the chain will never accept this payout: no gas funds or a revert.
	ErrorFatal
	// ErrorAlreadyKnown means the node already has this exact transaction.
	ErrorAlreadyKnown
	// ErrorNonceTooLow means the nonce was consumed by another transaction.
	ErrorNonceTooLow
	// ErrorUnderpriced means a replacement did not raise the price enough.
	ErrorUnderpriced
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorFatal:
		return "fatal"
	case ErrorAlreadyKnown:
		return "already_known"
	case ErrorNonceTooLow:
		return "nonce_too_low"
	case ErrorUnderpriced:
		return "underpriced"
	default:
		return "transient"
	}
}

// nodes return txpool and EVM errors as plain JSON-RPC messages
var fatalMessages = []string{
	"insufficient funds for gas * price + value",
	"insufficient funds",
	"execution reverted",
	"transaction has been reverted by the evm",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
}

// Classify maps an error from EstimateGas or SendTransaction to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return ErrorAlreadyKnown
	case strings.Contains(msg, "nonce too low"):
		return ErrorNonceTooLow
	case strings.Contains(msg, "underpriced"):
		return ErrorUnderpriced
	}
	for _, m := range fatalMessages {
		if strings.Contains(msg, m) {
			return ErrorFatal
		}
	}
	return ErrorTransient
}
