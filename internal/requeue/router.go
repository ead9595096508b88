package requeue

import (
	"context"
	"errors"
	"fmt"

	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
)

var (
	errNoExchange = errors.New("missing " + queue.HeaderFirstDeathExchange + " header")
	errNoQueue    = errors.New("missing " + queue.HeaderFirstDeathQueue + " header")
)

// Throttle delays a publish to exchange until it is allowed.
type Throttle interface {
	Wait(ctx context.Context, exchange string) error
}

// Router sends each selected message back to where it was dead-lettered from.
type Router struct {
	broker   Broker
	throttle Throttle
	dryRun   bool
}

// NewRouter returns a router publishing through b. throttle may be nil.
// With dryRun set, destinations are resolved but nothing is published or acked.
func NewRouter(b Broker, throttle Throttle, dryRun bool) *Router {
	return &Router{broker: b, throttle: throttle, dryRun: dryRun}
}

// Destination recovers the original exchange and routing key from the death
// headers. The empty exchange is valid; an empty queue name is not.
func Destination(msg queue.DeadLetter) (exchange, routingKey string, err error) {
	exchange, ok := msg.Header(queue.HeaderFirstDeathExchange)
	if !ok {
		return "", "", errNoExchange
	}
	routingKey, ok = msg.Header(queue.HeaderFirstDeathQueue)
	if !ok || routingKey == "" {
		return "", "", errNoQueue
	}
	return exchange, routingKey, nil
}

// Republish publishes msg to its original destination and acknowledges it
// only once the publish succeeded.
func (r *Router) Republish(ctx context.Context, msg queue.DeadLetter) Result {
	res := Result{DeliveryTag: msg.DeliveryTag, MessageID: msg.MessageID, BodySHA256: bodyHash(msg.Body)}

	exchange, routingKey, err := Destination(msg)
	if err != nil {
		res.fail(OutcomeNoRoutingMetadata, &Error{Kind: RoutingMetadataMissing, Tag: msg.DeliveryTag, Err: err})
		return res
	}
	res.Exchange, res.RoutingKey = exchange, routingKey

	if r.dryRun {
		res.Outcome = OutcomeWouldPublish
		return res
	}

	if err := ctx.Err(); err != nil {
		res.fail(OutcomeNotAttempted, &Error{Kind: ConnectionError, Tag: msg.DeliveryTag, Err: err})
		return res
	}

	if r.throttle != nil {
		if err := r.throttle.Wait(ctx, exchange); err != nil {
			if ctx.Err() != nil {
				res.fail(OutcomeNotAttempted, &Error{Kind: ConnectionError, Tag: msg.DeliveryTag, Err: ctx.Err()})
				return res
			}
			res.fail(OutcomePublishFailed, &Error{Kind: PublishError, Tag: msg.DeliveryTag, Err: fmt.Errorf("throttling: %w", err)})
			return res
		}
	}

	if err := r.broker.Publish(ctx, exchange, routingKey, msg); err != nil {
		res.fail(OutcomePublishFailed, &Error{Kind: PublishError, Tag: msg.DeliveryTag, Err: err})
		return res
	}

	if err := r.broker.Ack(ctx, msg.DeliveryTag); err != nil {
		res.fail(OutcomeAckFailed, &Error{Kind: AckError, Tag: msg.DeliveryTag, Err: err})
		return res
	}

	res.Outcome = OutcomePublished
	return res
}
