package requeue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type published struct {
	exchange   string
	routingKey string
	msg        queue.DeadLetter
}

// fakeBroker models a single dead-letter queue on one channel. Fetched messages
// are held until acked; close returns held messages to the head of the queue.
type fakeBroker struct {
	mu        sync.Mutex
	ready     []queue.DeadLetter
	held      map[uint64]queue.DeadLetter
	nextTag   uint64
	published []published
	acked     []uint64
	ops       []string

	getErr     error
	getErrAt   int
	publishErr func(exchange, routingKey string, msg queue.DeadLetter) error
	ackErr     func(tag uint64) error
	onPublish  func(b *fakeBroker, exchange, routingKey string, msg queue.DeadLetter)
	gets       int
}

func newFakeBroker(msgs ...queue.DeadLetter) *fakeBroker {
	return &fakeBroker{ready: msgs, held: make(map[uint64]queue.DeadLetter)}
}

func (b *fakeBroker) Get(ctx context.Context, queueName string) (queue.DeadLetter, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "get")
	b.gets++
	if b.getErr != nil && b.gets >= b.getErrAt {
		return queue.DeadLetter{}, false, b.getErr
	}
	if err := ctx.Err(); err != nil {
		return queue.DeadLetter{}, false, err
	}
	if len(b.ready) == 0 {
		return queue.DeadLetter{}, false, nil
	}
	msg := b.ready[0]
	b.ready = b.ready[1:]
	b.nextTag++
	msg.DeliveryTag = b.nextTag
	b.held[msg.DeliveryTag] = msg
	return msg, true, nil
}

func (b *fakeBroker) Publish(ctx context.Context, exchange, routingKey string, msg queue.DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "publish")
	if b.publishErr != nil {
		if err := b.publishErr(exchange, routingKey, msg); err != nil {
			return err
		}
	}
	b.published = append(b.published, published{exchange: exchange, routingKey: routingKey, msg: msg})
	if b.onPublish != nil {
		b.onPublish(b, exchange, routingKey, msg)
	}
	return nil
}

func (b *fakeBroker) Ack(ctx context.Context, tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "ack")
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.ackErr != nil {
		if err := b.ackErr(tag); err != nil {
			return err
		}
	}
	if _, ok := b.held[tag]; !ok {
		return fmt.Errorf("unknown delivery tag %d: %w", tag, amqp.ErrClosed)
	}
	delete(b.held, tag)
	b.acked = append(b.acked, tag)
	return nil
}

// close simulates the channel closing: held messages are redelivered in tag order.
func (b *fakeBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var back []queue.DeadLetter
	for tag := uint64(1); tag <= b.nextTag; tag++ {
		if msg, ok := b.held[tag]; ok {
			msg.DeliveryTag = 0
			back = append(back, msg)
		}
	}
	b.ready = append(back, b.ready...)
	b.held = make(map[uint64]queue.DeadLetter)
}

func (b *fakeBroker) readyBodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.ready {
		out = append(out, string(m.Body))
	}
	return out
}

func deadLetter(id, exchange, queueName string) queue.DeadLetter {
	return queue.DeadLetter{
		Headers: amqp.Table{
			queue.HeaderFirstDeathExchange: exchange,
			queue.HeaderFirstDeathQueue:    queueName,
		},
		Body:        []byte(fmt.Sprintf(`{"Attributes":{"MessageId":%q,"Sender":"svc"},"Payload":{"n":1}}`, id)),
		ContentType: "application/json",
	}
}
