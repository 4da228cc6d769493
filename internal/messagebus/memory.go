package messagebus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process broker. Topics keep every record, so a new
// consumer group replays from the beginning like a Kafka group with an
// earliest reset offset.
type MemoryBroker struct {
	mu         sync.Mutex
	topics     map[string][]Record
	offsets    map[string]map[string]int
	notify     chan struct{}
	dialErr    error
	produceErr error
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:  make(map[string][]Record),
		offsets: make(map[string]map[string]int),
		notify:  make(chan struct{}),
	}
}

// Dialer returns a Dialer connected to this broker
func (b *MemoryBroker) Dialer() Dialer {
	return memoryDialer{broker: b}
}

// SetDialError makes every subsequent dial fail with err
func (b *MemoryBroker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetProduceError makes every subsequent produce fail with err
func (b *MemoryBroker) SetProduceError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.produceErr = err
}

// Append stores a raw record on its topic
func (b *MemoryBroker) Append(rec Record) Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Ack = nil
	b.topics[rec.Topic] = append(b.topics[rec.Topic], rec)

	close(b.notify)
	b.notify = make(chan struct{})
	return rec
}

// Records returns a copy of everything stored on topic
func (b *MemoryBroker) Records(topic string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.topics[topic]...)
}

type memoryDialer struct {
	broker *MemoryBroker
}

func (d memoryDialer) DialProducer(ctx context.Context) (Producer, error) {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.broker.dialErr != nil {
		return nil, d.broker.dialErr
	}
	return &memoryProducer{broker: d.broker}, nil
}

func (d memoryDialer) DialConsumer(ctx context.Context, group string, topics []string) (Consumer, error) {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.broker.dialErr != nil {
		return nil, d.broker.dialErr
	}
	if _, ok := d.broker.offsets[group]; !ok {
		d.broker.offsets[group] = make(map[string]int)
	}
	return &memoryConsumer{
		broker: d.broker,
		group:  group,
		topics: append([]string(nil), topics...),
		closed: make(chan struct{}),
	}, nil
}

type memoryProducer struct {
	broker *MemoryBroker
	mu     sync.Mutex
	closed bool
}

func (p *memoryProducer) Produce(ctx context.Context, rec Record) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	p.broker.mu.Lock()
	err := p.broker.produceErr
	p.broker.mu.Unlock()
	if err != nil {
		return err
	}

	p.broker.Append(rec)
	return nil
}

func (p *memoryProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type memoryConsumer struct {
	broker    *MemoryBroker
	group     string
	topics    []string
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memoryConsumer) Poll(ctx context.Context) ([]Record, error) {
	for {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}

		c.broker.mu.Lock()
		var out []Record
		offsets := c.broker.offsets[c.group]
		for _, topic := range c.topics {
			stored := c.broker.topics[topic]
			if next := offsets[topic]; next < len(stored) {
				out = append(out, stored[next:]...)
				offsets[topic] = len(stored)
			}
		}
		notify := c.broker.notify
		c.broker.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClosed
		}
	}
}

func (c *memoryConsumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
