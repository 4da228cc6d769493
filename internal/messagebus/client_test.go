package messagebus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/metrics"
)

// countingDialer counts dial attempts and can block them
type countingDialer struct {
	inner     Dialer
	producers atomic.Int32
	consumers atomic.Int32
	block     chan struct{}
}

func (d *countingDialer) DialProducer(ctx context.Context) (Producer, error) {
	d.producers.Add(1)
	if d.block != nil {
		<-d.block
	}
	return d.inner.DialProducer(ctx)
}

func (d *countingDialer) DialConsumer(ctx context.Context, group string, topics []string) (Consumer, error) {
	d.consumers.Add(1)
	if d.block != nil {
		<-d.block
	}
	return d.inner.DialConsumer(ctx, group, topics)
}

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func newTestClient(t *testing.T, dialer Dialer) *Client {
	t.Helper()
	c := NewClient(dialer, Options{
		ConnectTimeout: 50 * time.Millisecond,
		SendTimeout:    time.Second,
		Metrics:        metrics.NewMetricsCollector(),
		Now:            fixedNow,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func flush(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}

func userCreated(id string) *events.UserEvent {
	return &events.UserEvent{Envelope: events.Envelope{Type: events.Created}, ID: id, Role: events.RolePatient, Name: "Alice"}
}

func TestPublishConnectsOnceAndStampsEmittedAt(t *testing.T) {
	broker := NewMemoryBroker()
	dialer := &countingDialer{inner: broker.Dialer()}
	c := newTestClient(t, dialer)

	require.Zero(t, dialer.producers.Load(), "no connection before first publish")

	c.Publish(context.Background(), events.TopicUser, userCreated("u1"))
	c.Publish(context.Background(), events.TopicUser, userCreated("u2"))
	flush(t, c)

	require.Equal(t, int32(1), dialer.producers.Load())
	records := broker.Records(events.TopicUser)
	require.Len(t, records, 2)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(records[0].Value, &fields))
	assert.Equal(t, "2024-01-01T12:00:00Z", fields["emittedAt"])
	assert.Equal(t, "CREATED", fields["type"])
}

func TestPublishKeySelection(t *testing.T) {
	broker := NewMemoryBroker()
	c := newTestClient(t, broker.Dialer())
	ctx := context.Background()

	c.Publish(ctx, events.TopicUser, userCreated("u1"))
	c.Publish(ctx, events.TopicUser, userCreated("u2"), WithKey("explicit"))
	c.Publish(ctx, events.TopicAssignment, &events.AssignmentEvent{
		Envelope:  events.Envelope{Type: events.Assigned},
		DoctorID:  "d1",
		PatientID: "p1",
	})
	flush(t, c)

	keys := map[string]bool{}
	for _, rec := range broker.Records(events.TopicUser) {
		keys[string(rec.Key)] = true
	}
	assert.Equal(t, map[string]bool{"u1": true, "explicit": true}, keys)

	assignments := broker.Records(events.TopicAssignment)
	require.Len(t, assignments, 1)
	assert.Nil(t, assignments[0].Key)
}

func TestPublishAllUsesOutboundKeys(t *testing.T) {
	broker := NewMemoryBroker()
	c := newTestClient(t, broker.Dialer())

	c.PublishAll(context.Background(), []events.Outbound{
		events.UnassignedFrom("d1", "p1", fixedNow()),
		events.UnassignedFrom("d1", "p2", fixedNow()),
	})
	flush(t, c)

	records := broker.Records(events.TopicAssignment)
	require.Len(t, records, 2)
	assert.Equal(t, "p1", string(records[0].Key))
	assert.Equal(t, "p2", string(records[1].Key))
}

func TestDialFailureDisablesPublishingForGood(t *testing.T) {
	broker := NewMemoryBroker()
	broker.SetDialError(errors.New("connection refused"))
	dialer := &countingDialer{inner: broker.Dialer()}
	c := newTestClient(t, dialer)

	c.Publish(context.Background(), events.TopicUser, userCreated("u1"))
	require.True(t, c.Disabled())

	broker.SetDialError(nil)
	c.Publish(context.Background(), events.TopicUser, userCreated("u2"))
	flush(t, c)

	assert.Equal(t, int32(1), dialer.producers.Load(), "no reconnection attempt")
	assert.Empty(t, broker.Records(events.TopicUser))
	assert.Equal(t, int64(2), c.metrics.Counter(metrics.CounterMessagesDropped))
	assert.Equal(t, float64(1), c.metrics.Gauge(metrics.GaugePublisherDisabled))
}

func TestConnectTimeoutDisablesWithoutBlockingCaller(t *testing.T) {
	broker := NewMemoryBroker()
	block := make(chan struct{})
	defer close(block)
	c := newTestClient(t, &countingDialer{inner: broker.Dialer(), block: block})

	start := time.Now()
	c.Publish(context.Background(), events.TopicUser, userCreated("u1"))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, c.Disabled())
}

func TestExhaustedSendDisablesPublishing(t *testing.T) {
	broker := NewMemoryBroker()
	c := newTestClient(t, broker.Dialer())

	broker.SetProduceError(errors.Wrap(ErrRetriesExhausted, "3 attempts"))
	c.Publish(context.Background(), events.TopicUser, userCreated("u1"))

	require.Eventually(t, c.Disabled, time.Second, 5*time.Millisecond)

	broker.SetProduceError(nil)
	c.Publish(context.Background(), events.TopicUser, userCreated("u2"))
	flush(t, c)
	assert.Empty(t, broker.Records(events.TopicUser))
}

func TestOrdinarySendFailureKeepsPublishing(t *testing.T) {
	broker := NewMemoryBroker()
	c := newTestClient(t, broker.Dialer())

	broker.SetProduceError(errors.New("message too large"))
	c.Publish(context.Background(), events.TopicUser, userCreated("u1"))
	flush(t, c)

	broker.SetProduceError(nil)
	c.Publish(context.Background(), events.TopicUser, userCreated("u2"))
	flush(t, c)

	assert.False(t, c.Disabled())
	require.Len(t, broker.Records(events.TopicUser), 1)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	broker := NewMemoryBroker()
	c := newTestClient(t, broker.Dialer())

	c.Publish(context.Background(), events.TopicUser, userCreated("u1"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	c.Publish(context.Background(), events.TopicUser, userCreated("u2"))
	assert.Len(t, broker.Records(events.TopicUser), 1)
}

type collector struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (c *collector) handle(ctx context.Context, d Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, d := range c.deliveries {
		out = append(out, d.Event.AggregateID())
	}
	return out
}

func TestConsumeReplaysFromEarliest(t *testing.T) {
	broker := NewMemoryBroker()
	producer := newTestClient(t, broker.Dialer())
	producer.Publish(context.Background(), events.TopicUser, userCreated("u1"))
	producer.Publish(context.Background(), events.TopicUser, userCreated("u2"))
	flush(t, producer)

	var got collector
	consumer := newTestClient(t, broker.Dialer())
	sub := consumer.Consume(context.Background(), "doctor-projections", []string{events.TopicUser}, got.handle)
	require.NotNil(t, sub)

	require.Eventually(t, func() bool { return len(got.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"u1", "u2"}, got.ids())
}

func TestConsumeIsBroadcastAcrossGroups(t *testing.T) {
	broker := NewMemoryBroker()
	producer := newTestClient(t, broker.Dialer())

	var doctor, admin collector
	require.NotNil(t, newTestClient(t, broker.Dialer()).Consume(context.Background(), "doctor-projections", []string{events.TopicUser}, doctor.handle))
	require.NotNil(t, newTestClient(t, broker.Dialer()).Consume(context.Background(), "admin-projections", []string{events.TopicUser}, admin.handle))

	producer.Publish(context.Background(), events.TopicUser, userCreated("u1"))
	flush(t, producer)

	require.Eventually(t, func() bool {
		return len(doctor.ids()) == 1 && len(admin.ids()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConsumeSkipsMalformedAndFailingMessages(t *testing.T) {
	broker := NewMemoryBroker()
	broker.Append(Record{Topic: events.TopicUser, Value: []byte(`{not json`)})
	broker.Append(Record{Topic: events.TopicUser, Value: []byte(`{"type":"EXPLODED","id":"x"}`)})
	broker.Append(Record{Topic: events.TopicUser, Value: []byte(`{"type":"CREATED","id":"boom"}`)})
	broker.Append(Record{Topic: events.TopicUser, Value: []byte(`{"type":"CREATED","id":"fail"}`)})
	broker.Append(Record{Topic: events.TopicUser, Value: []byte(`{"type":"CREATED","id":"ok"}`)})

	var got collector
	handler := func(ctx context.Context, d Delivery) error {
		switch d.Event.AggregateID() {
		case "boom":
			panic("handler exploded")
		case "fail":
			return errors.New("constraint violated")
		}
		return got.handle(ctx, d)
	}

	c := newTestClient(t, broker.Dialer())
	sub := c.Consume(context.Background(), "admin-projections", []string{events.TopicUser}, handler)
	require.NotNil(t, sub)

	require.Eventually(t, func() bool { return len(got.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ok"}, got.ids())
	require.Eventually(t, func() bool {
		return c.metrics.Counter(metrics.CounterMessagesSkipped) == 4
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, got.deliveries[0].ID)
}

func TestConsumeFailureReturnsDisabledHandle(t *testing.T) {
	broker := NewMemoryBroker()
	broker.SetDialError(errors.New("no route to host"))
	dialer := &countingDialer{inner: broker.Dialer()}
	c := newTestClient(t, dialer)

	var got collector
	assert.Nil(t, c.Consume(context.Background(), "doctor-projections", []string{events.TopicUser}, got.handle))

	broker.SetDialError(nil)
	assert.Nil(t, c.Consume(context.Background(), "doctor-projections", []string{events.TopicUser}, got.handle))
	assert.Equal(t, int32(1), dialer.consumers.Load())
	assert.Equal(t, float64(1), c.metrics.Gauge(metrics.GaugeConsumerDisabled))
}

func TestConsumeUsesSingleInboundConnection(t *testing.T) {
	broker := NewMemoryBroker()
	c := newTestClient(t, broker.Dialer())

	var got collector
	require.NotNil(t, c.Consume(context.Background(), "doctor-projections", []string{events.TopicUser}, got.handle))
	assert.Nil(t, c.Consume(context.Background(), "doctor-projections", []string{events.TopicPatient}, got.handle))
}

func TestSubscriptionStops(t *testing.T) {
	broker := NewMemoryBroker()
	c := newTestClient(t, broker.Dialer())

	var got collector
	ctx, cancel := context.WithCancel(context.Background())
	sub := c.Consume(ctx, "doctor-projections", []string{events.TopicUser}, got.handle)
	require.NotNil(t, sub)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("consume loop did not stop on cancellation")
	}
	sub.Stop()
}
