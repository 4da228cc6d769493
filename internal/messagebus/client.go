package messagebus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/metrics"
)

const (
	DefaultConnectTimeout = 500 * time.Millisecond
	DefaultSendTimeout    = 10 * time.Second

	sendErrorBuffer = 64
)

// Options configures a Client
type Options struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	Metrics        *metrics.MetricsCollector
	Logger         *zerolog.Logger
	Now            func() time.Time
}

// PublishOption customises a single publish
type PublishOption func(*publishOptions)

type publishOptions struct {
	key string
}

// WithKey sets an explicit partition key, overriding the payload id
func WithKey(key string) PublishOption {
	return func(o *publishOptions) {
		o.key = key
	}
}

// PublishError describes a send that failed after Publish returned
type PublishError struct {
	Topic string
	Key   string
	Err   error
}

func (e *PublishError) Error() string {
	return "publish to " + e.Topic + " failed: " + e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Client owns the process's single outbound and single inbound broker
// connection. Once the outbound side fails it stays disabled for the
// lifetime of the client.
type Client struct {
	dialer         Dialer
	connectTimeout time.Duration
	sendTimeout    time.Duration
	metrics        *metrics.MetricsCollector
	log            zerolog.Logger
	now            func() time.Time

	mu       sync.Mutex
	producer Producer
	closed   bool
	disabled atomic.Bool
	inflight sync.WaitGroup
	sendErrs chan *PublishError
	watching sync.WaitGroup

	consumeMu        sync.Mutex
	consumer         Consumer
	consumerDisabled bool
	subscription     *Subscription
}

// NewClient creates a client. No connection is made until the first
// Publish or Consume.
func NewClient(dialer Dialer, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetricsCollector()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.With().Str("component", "messagebus").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		dialer:         dialer,
		connectTimeout: opts.ConnectTimeout,
		sendTimeout:    opts.SendTimeout,
		metrics:        opts.Metrics,
		log:            logger,
		now:            opts.Now,
		sendErrs:       make(chan *PublishError, sendErrorBuffer),
	}
}

// Disabled reports whether publishing has been permanently disabled
func (c *Client) Disabled() bool {
	return c.disabled.Load()
}

// Publish sends evt on topic without waiting for the broker. It never
// fails the caller: encoding errors, connect failures and send failures are
// logged, and a failed connect or an exhausted broker disables publishing
// for the rest of the process.
//
// The partition key is the WithKey option, else the event's aggregate id,
// else none.
func (c *Client) Publish(ctx context.Context, topic string, evt events.Event, opts ...PublishOption) {
	o := publishOptions{key: evt.AggregateID()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := c.log.With().Str("topic", topic).Str("event_type", evt.EventType()).Str("key", o.key).Logger()

	if c.disabled.Load() {
		c.metrics.IncrementCounter(metrics.CounterMessagesDropped, 1)
		logger.Debug().Msg("Message bus disabled, dropping event")
		return
	}

	body, err := events.Encode(evt, c.now())
	if err != nil {
		c.metrics.IncrementCounter(metrics.CounterMessagesDropped, 1)
		logger.Error().Err(err).Msg("Failed to encode event")
		return
	}

	rec := Record{Topic: topic, Value: body}
	if o.key != "" {
		rec.Key = []byte(o.key)
	}

	c.mu.Lock()
	producer := c.outbound(ctx)
	if producer == nil {
		c.mu.Unlock()
		c.metrics.IncrementCounter(metrics.CounterMessagesDropped, 1)
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	c.metrics.AddGauge(metrics.GaugeInflightSends, 1)
	go c.send(producer, rec, o.key)
}

// PublishAll publishes each outbound event with its own key
func (c *Client) PublishAll(ctx context.Context, out []events.Outbound) {
	for _, o := range out {
		var opts []PublishOption
		if o.Key != "" {
			opts = append(opts, WithKey(o.Key))
		}
		c.Publish(ctx, o.Event.Topic(), o.Event, opts...)
	}
}

// outbound returns the shared producer, dialing it on first use. Must be
// called with c.mu held.
func (c *Client) outbound(ctx context.Context) Producer {
	if c.closed {
		return nil
	}
	if c.producer != nil {
		return c.producer
	}
	if c.disabled.Load() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.connectTimeout)
	defer cancel()

	start := time.Now()
	producer, err := dialWithin(dialCtx, c.dialer.DialProducer)
	c.metrics.RecordMessageBusOperation(metrics.MessageBusOperationConnect, err == nil, time.Since(start))
	if err != nil {
		c.disable(errors.Wrap(err, "failed to connect producer"))
		return nil
	}

	c.producer = producer
	c.watching.Add(1)
	go c.watchSendErrors()

	c.log.Info().Dur("connect_time", time.Since(start)).Msg("Message bus producer connected")
	return producer
}

func (c *Client) send(producer Producer, rec Record, key string) {
	defer c.inflight.Done()
	defer c.metrics.AddGauge(metrics.GaugeInflightSends, -1)

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	start := time.Now()
	err := producer.Produce(ctx, rec)
	c.metrics.RecordMessageBusOperation(metrics.MessageBusOperationSend, err == nil, time.Since(start))
	if err != nil {
		c.sendErrs <- &PublishError{Topic: rec.Topic, Key: key, Err: err}
	}
}

// watchSendErrors drains failures of fire-and-forget sends until Close
func (c *Client) watchSendErrors() {
	defer c.watching.Done()

	for perr := range c.sendErrs {
		c.log.Error().Err(perr.Err).Str("topic", perr.Topic).Str("key", perr.Key).Msg("Failed to publish event")
		if errors.Is(perr.Err, ErrRetriesExhausted) {
			c.disable(perr)
		}
	}
}

func (c *Client) disable(reason error) {
	if c.disabled.Swap(true) {
		return
	}
	c.metrics.SetGauge(metrics.GaugePublisherDisabled, 1)
	c.log.Warn().Err(reason).Msg("Message bus publishing disabled until restart")
}

// Flush waits for in-flight sends to finish or for ctx to be done
func (c *Client) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume opens the shared inbound connection as group and runs handler for
// every message on topics. It returns nil, the disabled handle, when the
// connection cannot be made; the failure is logged and later calls also
// return nil.
func (c *Client) Consume(ctx context.Context, group string, topics []string, handler Handler) *Subscription {
	c.consumeMu.Lock()
	defer c.consumeMu.Unlock()

	logger := c.log.With().Str("group", group).Strs("topics", topics).Logger()

	if c.consumerDisabled {
		logger.Warn().Msg("Message bus consumer disabled, not subscribing")
		return nil
	}
	if c.consumer != nil {
		logger.Error().Msg("Inbound connection already in use by another subscription")
		return nil
	}

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.connectTimeout)
	defer cancel()

	start := time.Now()
	consumer, err := dialWithin(dialCtx, func(ctx context.Context) (Consumer, error) {
		return c.dialer.DialConsumer(ctx, group, topics)
	})
	c.metrics.RecordMessageBusOperation(metrics.MessageBusOperationConnect, err == nil, time.Since(start))
	if err != nil {
		c.consumerDisabled = true
		c.metrics.SetGauge(metrics.GaugeConsumerDisabled, 1)
		logger.Warn().Err(err).Msg("Failed to connect consumer, projections will not update until restart")
		return nil
	}

	c.consumer = consumer
	c.subscription = newSubscription(ctx, consumer, group, handler, c.metrics, logger)
	logger.Info().Msg("Message bus consumer subscribed")
	return c.subscription
}

// Close stops the subscription, waits for in-flight sends and closes both
// connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	producer := c.producer
	c.mu.Unlock()

	c.consumeMu.Lock()
	sub := c.subscription
	c.consumeMu.Unlock()

	var result error
	if sub != nil {
		sub.Stop()
	}

	c.inflight.Wait()
	close(c.sendErrs)
	c.watching.Wait()

	if producer != nil {
		if err := producer.Close(); err != nil {
			result = errors.Wrap(err, "failed to close producer")
		}
	}
	return result
}
