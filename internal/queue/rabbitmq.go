package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const returnBuffer = 16

var (
	// ErrTimeout is returned when a broker call exceeds the per-call timeout.
	ErrTimeout = errors.New("broker call timed out")
	// ErrUnroutable is returned when the broker hands a mandatory publish back.
	ErrUnroutable = errors.New("message returned as unroutable")
	// ErrNacked is returned when the broker negatively confirms a publish.
	ErrNacked = errors.New("publish nacked by broker")
)

// IsConnectionError reports whether err means the channel or connection can no
// longer be trusted for the rest of a run.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, amqp.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// Soft errors close only the channel, which still invalidates every held tag.
		return true
	}
	return false
}

type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
}

// NewConnection dials the broker, retrying up to retries times with exponential
// backoff, and opens the single channel used for a run.
func NewConnection(ctx context.Context, url string, retries int, logger *slog.Logger) (*Connection, error) {
	var conn *amqp.Connection
	for attempt := 0; ; attempt++ {
		var err error
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		if attempt >= retries {
			return nil, fmt.Errorf("dialing rabbitmq: %w", err)
		}

		wait := backoffDuration(attempt)
		logger.Warn("dial failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dialing rabbitmq: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	return &Connection{conn: conn, channel: ch, logger: logger}, nil
}

func (c *Connection) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Connection) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// ChannelOptions controls how the run's channel talks to the broker.
type ChannelOptions struct {
	CallTimeout time.Duration
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// amqpChannel is the subset of *amqp.Channel a run needs.
type amqpChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	IsClosed() bool
	publishMandatory(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (confirmation, error)
}

type liveChannel struct {
	*amqp.Channel
}

func (l liveChannel) publishMandatory(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (confirmation, error) {
	dc, err := l.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, msg)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// Channel is the broker surface used for draining and republishing.
type Channel struct {
	ch      amqpChannel
	returns chan amqp.Return
	timeout time.Duration
	logger  *slog.Logger
}

// Broker puts the connection's channel into confirm mode and tracks returns
// for mandatory publishes.
func (c *Connection) Broker(opts ChannelOptions) (*Channel, error) {
	if err := c.channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("enabling confirm mode: %w", err)
	}
	returns := c.channel.NotifyReturn(make(chan amqp.Return, returnBuffer))

	return &Channel{
		ch:      liveChannel{c.channel},
		returns: returns,
		timeout: opts.CallTimeout,
		logger:  c.logger,
	}, nil
}

// Get fetches the next message without acknowledging it. ok is false when the
// queue is empty.
func (c *Channel) Get(ctx context.Context, queue string) (DeadLetter, bool, error) {
	var (
		d  amqp.Delivery
		ok bool
	)
	err := c.call(ctx, func() error {
		var err error
		d, ok, err = c.ch.Get(queue, false)
		return err
	})
	if err != nil {
		return DeadLetter{}, false, fmt.Errorf("getting from %s: %w", queue, err)
	}
	if !ok {
		return DeadLetter{}, false, nil
	}
	return fromDelivery(d), true, nil
}

// Publish republishes msg with the mandatory flag set and waits for the
// broker's confirm before returning.
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg DeadLetter) error {
	c.drainReturns()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	dc, err := c.ch.publishMandatory(ctx, exchange, routingKey, msg.publishing())
	if err != nil {
		return fmt.Errorf("publishing to %q/%q: %w", exchange, routingKey, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		return fmt.Errorf("awaiting confirm for %q/%q: %w", exchange, routingKey, err)
	}

	// basic.return arrives before the ack for an unroutable mandatory publish.
	select {
	case r, open := <-c.returns:
		if !open {
			return fmt.Errorf("publishing to %q/%q: %w", exchange, routingKey, amqp.ErrClosed)
		}
		return fmt.Errorf("publishing to %q/%q: %w: %d %s", exchange, routingKey, ErrUnroutable, r.ReplyCode, r.ReplyText)
	default:
	}

	if !acked {
		// A channel exception (e.g. unknown exchange) also resolves pending confirms as nacks.
		if c.ch.IsClosed() {
			return fmt.Errorf("publishing to %q/%q: %w: %w", exchange, routingKey, ErrNacked, amqp.ErrClosed)
		}
		return fmt.Errorf("publishing to %q/%q: %w", exchange, routingKey, ErrNacked)
	}
	return nil
}

func (c *Channel) Ack(ctx context.Context, tag uint64) error {
	err := c.call(ctx, func() error {
		return c.ch.Ack(tag, false)
	})
	if err != nil {
		return fmt.Errorf("acking delivery %d: %w", tag, err)
	}
	return nil
}

// drainReturns discards returns that could not be matched to a confirmed publish.
func (c *Channel) drainReturns() {
	for {
		select {
		case r, open := <-c.returns:
			if !open {
				return
			}
			c.logger.Warn("message returned by broker",
				"exchange", r.Exchange, "routing_key", r.RoutingKey,
				"reply_code", r.ReplyCode, "reply_text", r.ReplyText)
		default:
			return
		}
	}
}

func (c *Channel) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// call bounds a broker call that does not accept a context.
func (c *Channel) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
