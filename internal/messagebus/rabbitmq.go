package messagebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultRabbitExchange = "healthconnect.events"

	rabbitExchangeType = "topic"
	rabbitKeyHeader    = "partition-key"
	rabbitPrefetch     = 64
	rabbitMaxBatch     = 64
)

// RabbitDialer connects to RabbitMQ. Topics are routing keys on one durable
// topic exchange and each consumer group owns one durable queue bound to
// its topics.
type RabbitDialer struct {
	URL      string
	Exchange string
}

func (d RabbitDialer) exchange() string {
	if d.Exchange == "" {
		return DefaultRabbitExchange
	}
	return d.Exchange
}

func (d RabbitDialer) open(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	if d.URL == "" {
		return nil, nil, errors.New("rabbitmq url required")
	}

	timeout := DefaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	conn, err := amqp.DialConfig(d.URL, amqp.Config{
		Properties: amqp.Table{"product": "healthconnect"},
		Dial:       amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "rabbitmq dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "rabbitmq channel")
	}
	if err := ch.ExchangeDeclare(d.exchange(), rabbitExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "rabbitmq exchange declare")
	}
	return conn, ch, nil
}

func (d RabbitDialer) DialProducer(ctx context.Context) (Producer, error) {
	conn, ch, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbitmq confirm mode")
	}
	return &rabbitProducer{conn: conn, ch: ch, exchange: d.exchange()}, nil
}

func (d RabbitDialer) DialConsumer(ctx context.Context, group string, topics []string) (Consumer, error) {
	conn, ch, err := d.open(ctx)
	if err != nil {
		return nil, err
	}

	fail := func(err error, msg string) (Consumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, msg)
	}

	if err := ch.Qos(rabbitPrefetch, 0, false); err != nil {
		return fail(err, "rabbitmq qos")
	}
	if _, err := ch.QueueDeclare(group, true, false, false, false, nil); err != nil {
		return fail(err, "rabbitmq queue declare")
	}
	for _, topic := range topics {
		if err := ch.QueueBind(group, topic, d.exchange(), false, nil); err != nil {
			return fail(err, "rabbitmq queue bind "+topic)
		}
	}
	deliveries, err := ch.Consume(group, "", false, false, false, false, nil)
	if err != nil {
		return fail(err, "rabbitmq consume")
	}

	return &rabbitConsumer{conn: conn, ch: ch, deliveries: deliveries, closed: make(chan struct{})}, nil
}

type rabbitProducer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func (p *rabbitProducer) Produce(ctx context.Context, rec Record) error {
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         rec.Value,
	}
	if len(rec.Key) > 0 {
		msg.Headers = amqp.Table{rabbitKeyHeader: string(rec.Key)}
	}

	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, rec.Topic, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return p.classify(err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return p.classify(err)
	}
	if !acked {
		return errors.Errorf("rabbitmq nacked message on %s", rec.Topic)
	}
	return nil
}

// classify marks a dead connection as exhausted; the producer never redials
func (p *rabbitProducer) classify(err error) error {
	if errors.Is(err, amqp.ErrClosed) || p.conn.IsClosed() {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return err
}

func (p *rabbitProducer) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}

type rabbitConsumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan struct{}
	closeOnce  sync.Once
}

func (c *rabbitConsumer) Poll(ctx context.Context) ([]Record, error) {
	var out []Record
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, errors.Wrap(ErrClosed, "rabbitmq delivery channel closed")
		}
		out = append(out, rabbitRecord(d))
	}

	for len(out) < rabbitMaxBatch {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, rabbitRecord(d))
		default:
			return out, nil
		}
	}
	return out, nil
}

func rabbitRecord(d amqp.Delivery) Record {
	rec := Record{
		ID:    d.MessageId,
		Topic: d.RoutingKey,
		Value: d.Body,
		Ack: func(context.Context) error {
			return d.Ack(false)
		},
	}
	if key, ok := d.Headers[rabbitKeyHeader].(string); ok {
		rec.Key = []byte(key)
	}
	return rec
}

func (c *rabbitConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ch.Close()
		err = c.conn.Close()
	})
	return err
}
