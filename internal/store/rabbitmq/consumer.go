package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chatmate/internal/events"
)

const attemptHeader = "x-attempt"

var ErrBadMessage = errors.New("bad message")

// Consumer reads graph events off the queue for the worker.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	//  strict concurrency control
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue}, nil
}

func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Decode parses a queue message into an addressed envelope.
func Decode(body []byte) (events.Delivery, error) {
	var d events.Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return d, errors.Join(ErrBadMessage, err)
	}
	if d.UserID == "" || d.Envelope.Type == "" {
		return d, ErrBadMessage
	}
	return d, nil
}

// Attempt returns how many times the message has been retried.
func Attempt(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Retry parks the delivery on the retry queue for delay, after which it is
// dead-lettered back to the main queue. Past maxAttempts it is rejected into
// the DLQ instead.
func (c *Consumer) Retry(ctx context.Context, d amqp.Delivery, maxAttempts int, delay time.Duration) error {
	attempt := Attempt(d.Headers) + 1
	if attempt > maxAttempts {
		return d.Nack(false, false)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.ch.PublishWithContext(cctx, "", c.queue+".retry", false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	})
	if err != nil {
		return d.Nack(false, false)
	}
	return d.Ack(false)
}
