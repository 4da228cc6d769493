package messagebus

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaDialer connects to Kafka through franz-go
type KafkaDialer struct {
	Brokers  []string
	ClientID string
	// RecordRetries bounds produce retries; zero keeps the franz-go default.
	RecordRetries int
}

func (d KafkaDialer) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(d.Brokers...)}
	if d.ClientID != "" {
		opts = append(opts, kgo.ClientID(d.ClientID))
	}
	return opts
}

func (d KafkaDialer) DialProducer(ctx context.Context) (Producer, error) {
	if len(d.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}

	opts := append(d.baseOpts(), kgo.RequiredAcks(kgo.AllISRAcks()))
	if d.RecordRetries > 0 {
		opts = append(opts, kgo.RecordRetries(d.RecordRetries))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client init")
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, errors.Wrap(err, "kafka ping")
	}
	return &kafkaProducer{cl: cl}, nil
}

func (d KafkaDialer) DialConsumer(ctx context.Context, group string, topics []string) (Consumer, error) {
	if len(d.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}

	opts := append(d.baseOpts(),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client init")
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, errors.Wrap(err, "kafka ping")
	}
	return &kafkaConsumer{cl: cl}, nil
}

type kafkaProducer struct {
	cl *kgo.Client
}

func (p *kafkaProducer) Produce(ctx context.Context, rec Record) error {
	err := p.cl.ProduceSync(ctx, &kgo.Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value}).FirstErr()
	if err == nil {
		return nil
	}
	if errors.Is(err, kgo.ErrRecordRetries) || errors.Is(err, kgo.ErrRecordTimeout) {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	if errors.Is(err, kgo.ErrClientClosed) {
		return ErrClosed
	}
	return err
}

func (p *kafkaProducer) Close() error {
	p.cl.Close()
	return nil
}

type kafkaConsumer struct {
	cl *kgo.Client
}

func (c *kafkaConsumer) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var firstErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "fetch %s[%d]", topic, partition)
		}
	})

	var out []Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Record{
			ID:    fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset),
			Topic: r.Topic,
			Key:   r.Key,
			Value: r.Value,
		})
	})

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *kafkaConsumer) Close() error {
	c.cl.Close()
	return nil
}
