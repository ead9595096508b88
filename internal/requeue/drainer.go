package requeue

import (
	"context"
	"iter"

	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
)

// Broker is the subset of broker operations a run needs. Get must not
// acknowledge; a message stays held until Ack or until the channel closes.
type Broker interface {
	Get(ctx context.Context, queueName string) (queue.DeadLetter, bool, error)
	Publish(ctx context.Context, exchange, routingKey string, msg queue.DeadLetter) error
	Ack(ctx context.Context, tag uint64) error
}

// Drain fetches messages from queueName one at a time until the broker reports
// the queue empty. A fetch error is yielded as a ConnectionError and ends the
// sequence.
func Drain(ctx context.Context, b Broker, queueName string) iter.Seq2[queue.DeadLetter, error] {
	return func(yield func(queue.DeadLetter, error) bool) {
		for {
			msg, ok, err := b.Get(ctx, queueName)
			if err != nil {
				yield(queue.DeadLetter{}, &Error{Kind: ConnectionError, Err: err})
				return
			}
			if !ok {
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Limit stops seq after n messages. Errors pass through and do not count.
// n <= 0 means no limit.
func Limit(seq iter.Seq2[queue.DeadLetter, error], n int) iter.Seq2[queue.DeadLetter, error] {
	if n <= 0 {
		return seq
	}
	return func(yield func(queue.DeadLetter, error) bool) {
		count := 0
		for msg, err := range seq {
			if !yield(msg, err) {
				return
			}
			if err != nil {
				continue
			}
			count++
			if count >= n {
				return
			}
		}
	}
}
