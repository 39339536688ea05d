// Package events publishes what happened to deposits, for dashboards and
// downstream consumers.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	DepositAccepted Type = "deposit_accepted"
	DepositRefunded Type = "deposit_refunded"
	PayoutSubmitted Type = "payout_submitted"
	PayoutReplaced  Type = "payout_replaced"
	PayoutConfirmed Type = "payout_confirmed"
	PayoutFailed    Type = "payout_failed"
	RefundSent      Type = "refund_sent"
	RefundFailed    Type = "refund_failed"
	NoticeSent      Type = "notice_sent"

	ConversionSent    Type = "conversion_sent"
	ConversionFailed  Type = "conversion_failed"
	ConversionIgnored Type = "conversion_ignored"
)

type Event struct {
	Type       Type      `json:"type"`
	SourceTxID string    `json:"sourceTxId"`
	TxHash     string    `json:"txHash,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Bus fans events out to publishers. Publishing never fails the caller, errors are logged.
type Bus struct {
	pubs []Publisher
	log  *zap.SugaredLogger
}

func NewBus(log *zap.SugaredLogger, pubs ...Publisher) *Bus {
	return &Bus{pubs: pubs, log: log}
}

func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, p := range b.pubs {
		if err := p.Publish(ctx, e); err != nil {
			b.log.Warnw("event not published", "type", e.Type, "sourceTxId", e.SourceTxID, "error", err)
		}
	}
}

func (b *Bus) Close() error {
	var first error
	for _, p := range b.pubs {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type discard struct{}

func (discard) Emit(context.Context, Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

// LogPublisher writes events to the log, used when no broker is configured.
type LogPublisher struct {
	log *zap.SugaredLogger
}

func NewLogPublisher(log *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.Infow("event", "type", e.Type, "sourceTxId", e.SourceTxID, "txHash", e.TxHash, "detail", e.Detail)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
