package messagebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/metrics"
)

const pollRetryDelay = time.Second

// Delivery is a decoded message handed to a Handler
type Delivery struct {
	ID    string
	Topic string
	Key   string
	Event events.Event
}

// Handler processes one delivery. Returned errors and panics are logged and
// the message is skipped.
type Handler func(ctx context.Context, d Delivery) error

// Subscription is a running consume loop
type Subscription struct {
	consumer Consumer
	group    string
	handler  Handler
	metrics  *metrics.MetricsCollector
	log      zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(ctx context.Context, consumer Consumer, group string, handler Handler, m *metrics.MetricsCollector, logger zerolog.Logger) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		consumer: consumer,
		group:    group,
		handler:  handler,
		metrics:  m,
		log:      logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Done is closed when the consume loop has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Stop ends the consume loop and closes the inbound connection
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if err := s.consumer.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close consumer")
		}
		<-s.done
	})
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		records, err := s.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				s.log.Info().Msg("Consume loop stopped")
				return
			}
			s.metrics.RecordMessageBusOperation(metrics.MessageBusOperationReceive, false, 0)
			s.log.Error().Err(err).Msg("Failed to poll messages")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, rec := range records {
			s.process(ctx, rec)
		}
	}
}

// process handles one record; nothing here stops the loop
func (s *Subscription) process(ctx context.Context, rec Record) {
	start := time.Now()
	s.metrics.RecordMessageBusOperation(metrics.MessageBusOperationReceive, true, 0)

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	logger := s.log.With().Str("message_id", rec.ID).Str("topic", rec.Topic).Logger()

	defer func() {
		if rec.Ack == nil {
			return
		}
		if err := rec.Ack(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to acknowledge message")
		}
	}()

	evt, err := events.Decode(rec.Topic, rec.Value)
	if err != nil {
		s.metrics.IncrementCounter(metrics.CounterMessagesSkipped, 1)
		s.metrics.RecordError(metrics.ErrorTypeMalformed)
		logger.Warn().Err(err).Msg("Skipping malformed message")
		return
	}

	d := Delivery{ID: rec.ID, Topic: rec.Topic, Key: string(rec.Key), Event: evt}
	err = s.invoke(ctx, d)
	s.metrics.RecordMessageBusOperation(metrics.MessageBusOperationHandle, err == nil, time.Since(start))
	if err != nil {
		s.metrics.IncrementCounter(metrics.CounterMessagesSkipped, 1)
		logger.Error().Err(err).Str("event_type", evt.EventType()).Msg("Handler failed, skipping message")
	}
}

func (s *Subscription) invoke(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, d)
}
