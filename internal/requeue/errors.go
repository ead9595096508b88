package requeue

import (
	"context"
	"errors"
	"fmt"

	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
)

type ErrorKind int

const (
	// ConnectionError is fatal to the run.
	ConnectionError ErrorKind = iota + 1
	RoutingMetadataMissing
	// PublishError leaves the message in the dead-letter queue.
	PublishError
	// AckError follows a successful publish, so the message will be delivered twice.
	AckError
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionError:
		return "connection error"
	case RoutingMetadataMissing:
		return "routing metadata missing"
	case PublishError:
		return "publish error"
	case AckError:
		return "ack error"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrConnection             = &Error{Kind: ConnectionError}
	ErrRoutingMetadataMissing = &Error{Kind: RoutingMetadataMissing}
	ErrPublish                = &Error{Kind: PublishError}
	ErrAck                    = &Error{Kind: AckError}
)

// Error is a failure tied to one delivery, or to the run when Tag is zero.
type Error struct {
	Kind ErrorKind
	Tag  uint64
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Tag != 0 {
		msg = fmt.Sprintf("%s (delivery %d)", msg, e.Tag)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Tag == 0 && t.Err == nil
}

// isFatal reports whether err means the channel is gone and no further broker
// call in this run can be trusted.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, context.Canceled) ||
		queue.IsConnectionError(err)
}
