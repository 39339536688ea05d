package submitter

import (
	"github.com/pkg/errors"
)

var (
	// ErrIntentNotPersisted means the outbound record could not be written, nothing was broadcast.
	ErrIntentNotPersisted = errors.New("submitter: intent not persisted")
	// ErrPayoutExists means the deposit already has a payout, by this or another process.
	ErrPayoutExists = errors.New("submitter: payout already submitted")
)

// Class tells the caller what a failed submission means for the deposit.
type Class int

const (
	// Transient failures leave the deposit accepted, the recovery sweep retries it.
	Transient Class = iota
	// Fatal failures will fail again, the deposit is refunded in full.
	Fatal
	// Unclassified failures get the minimal notice refund and an error log.
	Unclassified
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Unclassified:
		return "unclassified"
	}
	return "transient"
}

type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return e.Class.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Cause() error  { return e.Err }

func classified(c Class, err error) error {
	return &Error{Class: c, Err: err}
}

// ClassOf returns the class of an error returned by Submit. Errors that carry
// no class are Unclassified.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Unclassified
}
