package messagebus

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const serviceBusBatch = 32

// ServiceBusDialer connects to Azure Service Bus. Topics map to Service Bus
// topics and each consumer group to a subscription of the same name on every
// topic; subscriptions must exist before the consumer starts.
type ServiceBusDialer struct {
	ConnectionString string
}

func (d ServiceBusDialer) client() (*azservicebus.Client, error) {
	if d.ConnectionString == "" {
		return nil, errors.New("service bus connection string required")
	}
	client, err := azservicebus.NewClientFromConnectionString(d.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create service bus client")
	}
	return client, nil
}

func (d ServiceBusDialer) DialProducer(ctx context.Context) (Producer, error) {
	client, err := d.client()
	if err != nil {
		return nil, err
	}
	return &serviceBusProducer{client: client, senders: make(map[string]*azservicebus.Sender)}, nil
}

func (d ServiceBusDialer) DialConsumer(ctx context.Context, group string, topics []string) (Consumer, error) {
	client, err := d.client()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &serviceBusConsumer{
		client: client,
		inbox:  make(chan Record, serviceBusBatch*len(topics)),
		errs:   make(chan error, len(topics)),
		cancel: cancel,
	}

	for _, topic := range topics {
		receiver, err := client.NewReceiverForSubscription(topic, group, &azservicebus.ReceiverOptions{
			ReceiveMode: azservicebus.ReceiveModePeekLock,
		})
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "failed to create receiver for %s/%s", topic, group)
		}
		c.receivers = append(c.receivers, receiver)
		c.wg.Add(1)
		go c.receive(runCtx, topic, receiver)
	}
	return c, nil
}

type serviceBusProducer struct {
	client  *azservicebus.Client
	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

func (p *serviceBusProducer) sender(topic string) (*azservicebus.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.senders[topic]; ok {
		return s, nil
	}
	s, err := p.client.NewSender(topic, nil)
	if err != nil {
		return nil, err
	}
	p.senders[topic] = s
	return s, nil
}

func (p *serviceBusProducer) Produce(ctx context.Context, rec Record) error {
	sender, err := p.sender(rec.Topic)
	if err != nil {
		return errors.Wrapf(err, "failed to create sender for %s", rec.Topic)
	}

	id := uuid.NewString()
	contentType := "application/json"
	msg := &azservicebus.Message{
		MessageID:   &id,
		ContentType: &contentType,
		Body:        rec.Value,
	}
	if len(rec.Key) > 0 {
		key := string(rec.Key)
		msg.PartitionKey = &key
	}

	if err := sender.SendMessage(ctx, msg, nil); err != nil {
		var sbErr *azservicebus.Error
		if errors.As(err, &sbErr) && (sbErr.Code == azservicebus.CodeConnectionLost || sbErr.Code == azservicebus.CodeTimeout) {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		return err
	}
	return nil
}

func (p *serviceBusProducer) Close() error {
	ctx := context.Background()
	p.mu.Lock()
	for _, s := range p.senders {
		_ = s.Close(ctx)
	}
	p.mu.Unlock()
	return p.client.Close(ctx)
}

type serviceBusConsumer struct {
	client    *azservicebus.Client
	receivers []*azservicebus.Receiver
	inbox     chan Record
	errs      chan error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// receive fans one subscription into the shared inbox
func (c *serviceBusConsumer) receive(ctx context.Context, topic string, receiver *azservicebus.Receiver) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		messages, err := receiver.ReceiveMessages(ctx, serviceBusBatch, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case c.errs <- errors.Wrapf(err, "receive %s", topic):
			default:
			}
			continue
		}

		for _, m := range messages {
			msg := m
			rec := Record{
				ID:    msg.MessageID,
				Topic: topic,
				Value: msg.Body,
				Ack: func(ctx context.Context) error {
					return receiver.CompleteMessage(ctx, msg, nil)
				},
			}
			if msg.PartitionKey != nil {
				rec.Key = []byte(*msg.PartitionKey)
			}
			select {
			case c.inbox <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *serviceBusConsumer) Poll(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var out []Record
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.errs:
		return nil, err
	case rec, ok := <-c.inbox:
		if !ok {
			return nil, ErrClosed
		}
		out = append(out, rec)
	}

	for len(out) < serviceBusBatch {
		select {
		case rec, ok := <-c.inbox:
			if !ok {
				return out, nil
			}
			out = append(out, rec)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (c *serviceBusConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.wg.Wait()
		close(c.inbox)

		ctx := context.Background()
		for _, r := range c.receivers {
			_ = r.Close(ctx)
		}
		err = c.client.Close(ctx)
	})
	return err
}
