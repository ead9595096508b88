package queue

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Death headers set by the broker when it dead-letters a message.
const (
	HeaderFirstDeathExchange = "x-first-death-exchange"
	HeaderFirstDeathQueue    = "x-first-death-queue"
)

// DeadLetter is a message fetched from a dead-letter queue and not yet acknowledged.
// DeliveryTag is only valid on the channel that fetched it.
type DeadLetter struct {
	DeliveryTag uint64
	Headers     amqp.Table
	Body        []byte

	ContentType     string
	ContentEncoding string
	MessageID       string
	CorrelationID   string
	Type            string
	AppID           string
	Timestamp       time.Time
	Priority        uint8
}

// Header returns a header value as a string. Byte-string values are decoded as UTF-8.
// Missing keys and values of any other type report false.
func (d DeadLetter) Header(key string) (string, bool) {
	v, ok := d.Headers[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

func fromDelivery(d amqp.Delivery) DeadLetter {
	return DeadLetter{
		DeliveryTag:     d.DeliveryTag,
		Headers:         d.Headers,
		Body:            d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		Type:            d.Type,
		AppID:           d.AppId,
		Timestamp:       d.Timestamp,
		Priority:        d.Priority,
	}
}

// publishing carries the body and content properties over unchanged. Headers are
// not copied; the broker adds fresh death headers if the message dies again.
func (d DeadLetter) publishing() amqp.Publishing {
	return amqp.Publishing{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageId:       d.MessageID,
		CorrelationId:   d.CorrelationID,
		Type:            d.Type,
		AppId:           d.AppID,
		Timestamp:       d.Timestamp,
		Priority:        d.Priority,
		DeliveryMode:    amqp.Persistent,
		Body:            d.Body,
	}
}
