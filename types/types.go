package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// it is assumed Hive is the source chain (deposits come in as transfer operations)
// and an EVM chain is the destination (payouts go out as contract calls)

type DepositStatus string

const (
	DepositSeen     DepositStatus = "seen"     // recorded before any side effect
	DepositAccepted DepositStatus = "accepted" // passed validity rules, payout path
	DepositRefunded DepositStatus = "refunded" // failed validity rules, refund path
)

var DepositStatuses = []DepositStatus{DepositSeen, DepositAccepted, DepositRefunded}

// CanTransition reports whether a deposit may move from s to next.
func (s DepositStatus) CanTransition(next DepositStatus) bool {
	return s == DepositSeen && (next == DepositAccepted || next == DepositRefunded)
}

// Candidate deposit forwarded by the watcher, nothing is persisted yet
type CandidateDeposit struct {
	SourceTxID   string
	Sender       string
	Quantity     string // decimal string as it appears on chain, e.g. "5.000"
	Denomination string
	Memo         string
	BlockNum     uint64
}

// Deposit record is a single source chain transfer considered for payout,
// exactly one per source transaction id
type DepositRecord struct {
	SourceTxID         string
	Sender             string
	RawAmount          string // source precision decimal string
	Denomination       string
	DestinationAddress string // memo as received, validated by the gate
	Status             DepositStatus
	FirstSeenAt        time.Time
	UpdatedAt          time.Time
	Message            string // reason of the terminal status
}

type OutboundStatus string

const (
	OutboundPending   OutboundStatus = "pending"
	OutboundConfirmed OutboundStatus = "confirmed"
	OutboundReplaced  OutboundStatus = "replaced"
	OutboundFailed    OutboundStatus = "failed" // rejected or reverted, deposit refunded
)

var OutboundStatuses = []OutboundStatus{OutboundPending, OutboundConfirmed, OutboundReplaced, OutboundFailed}

// Outbound transaction is one destination chain transaction attempting a payout.
// Replacements share CorrelationID and Nonce, the predecessor points to the
// successor through ReplacedBy.
type OutboundTransaction struct {
	ID                string
	CorrelationID     string
	SourceTxID        string
	Strategy          string
	Signer            string
	To                string
	Nonce             uint64
	GasPrice          *big.Int
	GasLimit          uint64
	Data              hexutil.Bytes
	PayoutAmount      *big.Int
	SignatureNonce    *uint64 `json:",omitempty"`
	DestinationTxHash string
	Status            OutboundStatus
	ReplacedBy        string
	MinedTxHash       string // set when a predecessor of this record was the one mined
	NoticeTxHash      string // on the root, the payout hash the depositor was last told
	Message           string
	CreatedAt         time.Time
	LastCheckedAt     time.Time
}

// IsRoot reports whether tx is the first attempt of its correlation chain.
func (tx *OutboundTransaction) IsRoot() bool {
	return tx.ID == tx.CorrelationID
}

type RefundStatus string

const (
	RefundPending RefundStatus = "pending" // written before the transfer is sent
	RefundSent    RefundStatus = "sent"
	RefundFailed  RefundStatus = "failed"
)

var RefundStatuses = []RefundStatus{RefundPending, RefundSent, RefundFailed}

type RefundKind string

const (
	RefundFull   RefundKind = "full"   // original deposit amount
	RefundNotice RefundKind = "notice" // token precision minimum with a support memo
	// destination tokens converted back, SourceTxID is "<evm tx hash>:<log index>"
	RefundConversion RefundKind = "conversion"
)

// Refund record is the write-ahead entry of a source chain transfer, at most
// one per deposit or conversion
type RefundRecord struct {
	SourceTxID   string
	Recipient    string
	Amount       string
	Denomination string
	Reason       string // memo of the transfer
	Kind         RefundKind
	Status       RefundStatus
	Attempts     int
	RefundTxID   string
	Failures     string // send errors so far
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
