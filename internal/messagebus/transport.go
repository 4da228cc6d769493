package messagebus

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrDisabled is reported when the client has permanently disabled itself
	ErrDisabled = errors.New("message bus disabled")
	// ErrConnectTimeout is returned when a connection is not ready within the connect timeout
	ErrConnectTimeout = errors.New("message bus connect timeout")
	// ErrRetriesExhausted marks broker errors after which publishing is disabled
	ErrRetriesExhausted = errors.New("broker retries exhausted")
	// ErrClosed is returned by a consumer or producer after Close
	ErrClosed = errors.New("message bus connection closed")
)

// Record is one message as a transport sees it
type Record struct {
	ID    string
	Topic string
	Key   []byte
	Value []byte

	// Ack settles the record with the broker once it has been handled or
	// skipped. Nil for transports that commit on their own.
	Ack func(ctx context.Context) error
}

// Producer is one outbound broker connection
type Producer interface {
	// Produce sends a record and waits for the broker to accept it.
	// Errors after which the broker connection is unusable wrap
	// ErrRetriesExhausted.
	Produce(ctx context.Context, rec Record) error
	Close() error
}

// Consumer is one inbound broker connection subscribed as a consumer group
type Consumer interface {
	// Poll blocks until records are available, ctx is done or the consumer
	// is closed, in which case it returns ErrClosed.
	Poll(ctx context.Context) ([]Record, error)
	Close() error
}

// Dialer opens broker connections. Implementations should honour the
// context deadline; the client enforces it regardless.
type Dialer interface {
	DialProducer(ctx context.Context) (Producer, error)
	// DialConsumer subscribes group to topics starting from the earliest
	// retained offset when the group has no committed position.
	DialConsumer(ctx context.Context, group string, topics []string) (Consumer, error)
}

type closer interface {
	Close() error
}

// dialWithin runs dial and gives up when ctx is done. A connection that
// arrives after the deadline is closed.
func dialWithin[T closer](ctx context.Context, dial func(context.Context) (T, error)) (T, error) {
	type result struct {
		conn T
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, err := dial(ctx)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				_ = res.conn.Close()
			}
		}()
		var zero T
		return zero, errors.Wrap(ErrConnectTimeout, ctx.Err().Error())
	}
}
