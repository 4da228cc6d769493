package messagebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	natsKeyHeader   = "Partition-Key"
	natsInboxBuffer = 256
	natsMaxBatch    = 64
)

// NATSDialer connects to core NATS. Consumer groups map to queue groups, so
// each group receives every message once; NATS core keeps no history, so a
// new group starts from messages published after it subscribes.
type NATSDialer struct {
	URL  string
	Name string
}

func (d NATSDialer) connect(ctx context.Context) (*nats.Conn, error) {
	if d.URL == "" {
		return nil, errors.New("nats url required")
	}

	opts := []nats.Option{}
	if d.Name != "" {
		opts = append(opts, nats.Name(d.Name))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return nc, nil
}

func (d NATSDialer) DialProducer(ctx context.Context) (Producer, error) {
	nc, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &natsProducer{nc: nc}, nil
}

func (d NATSDialer) DialConsumer(ctx context.Context, group string, topics []string) (Consumer, error) {
	nc, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	c := &natsConsumer{
		nc:     nc,
		inbox:  make(chan *nats.Msg, natsInboxBuffer),
		closed: make(chan struct{}),
	}
	for _, topic := range topics {
		sub, err := nc.ChanQueueSubscribe(topic, group, c.inbox)
		if err != nil {
			nc.Close()
			return nil, errors.Wrapf(err, "nats subscribe %s", topic)
		}
		c.subs = append(c.subs, sub)
	}
	return c, nil
}

type natsProducer struct {
	nc *nats.Conn
}

func (p *natsProducer) Produce(ctx context.Context, rec Record) error {
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Value
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	if len(rec.Key) > 0 {
		msg.Header.Set(natsKeyHeader, string(rec.Key))
	}

	err := p.nc.PublishMsg(msg)
	if err == nil {
		err = p.nc.FlushWithContext(ctx)
	}
	if err == nil {
		return nil
	}
	// The connection closes for good once reconnect attempts run out.
	if errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return err
}

func (p *natsProducer) Close() error {
	return p.nc.Drain()
}

type natsConsumer struct {
	nc        *nats.Conn
	subs      []*nats.Subscription
	inbox     chan *nats.Msg
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *natsConsumer) Poll(ctx context.Context) ([]Record, error) {
	var first *nats.Msg
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case msg := <-c.inbox:
		first = msg
	}

	out := []Record{natsRecord(first)}
	for len(out) < natsMaxBatch {
		select {
		case msg := <-c.inbox:
			out = append(out, natsRecord(msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

func natsRecord(msg *nats.Msg) Record {
	rec := Record{Topic: msg.Subject, Value: msg.Data}
	if msg.Header != nil {
		rec.ID = msg.Header.Get(nats.MsgIdHdr)
		if key := msg.Header.Get(natsKeyHeader); key != "" {
			rec.Key = []byte(key)
		}
	}
	return rec
}

func (c *natsConsumer) Close() error {
	c.closeOnce.Do(func() {
		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}
		c.nc.Close()
		close(c.closed)
	})
	return nil
}
