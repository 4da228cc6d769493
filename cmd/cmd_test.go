package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/healthconnect/config"
	"example.com/healthconnect/internal/booking"
	"example.com/healthconnect/internal/db/dbtest"
	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/messagebus"
	"example.com/healthconnect/internal/metrics"
)

func TestNewDialer(t *testing.T) {
	tests := []struct {
		driver string
		want   interface{}
	}{
		{driver: BusKafka, want: messagebus.KafkaDialer{}},
		{driver: "", want: messagebus.KafkaDialer{}},
		{driver: BusNATS, want: messagebus.NATSDialer{}},
		{driver: BusRabbitMQ, want: messagebus.RabbitDialer{}},
		{driver: BusServiceBus, want: messagebus.ServiceBusDialer{}},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			c := config.Config{Service: events.ServiceDoctor, Bus: config.BusConfig{Driver: tt.driver, ClientID: "hc"}}
			dialer, err := newDialer(c)
			require.NoError(t, err)
			assert.IsType(t, tt.want, dialer)
		})
	}

	c := config.Config{Bus: config.BusConfig{Driver: BusKafka, ClientID: "hc", Brokers: []string{"k:9092"}}, Service: events.ServiceDoctor}
	dialer, err := newDialer(c)
	require.NoError(t, err)
	assert.Equal(t, "hc-doctor", dialer.(messagebus.KafkaDialer).ClientID)

	c.Bus.Driver = BusMemory
	dialer, err = newDialer(c)
	require.NoError(t, err)
	require.NotNil(t, dialer)

	c.Bus.Driver = "carrier-pigeon"
	_, err = newDialer(c)
	require.Error(t, err)
}

func TestParseOwnedEvent(t *testing.T) {
	registry := events.DefaultRegistry()

	evt, err := parseOwnedEvent(registry, events.ServiceAuth, events.TopicUser, []byte(`{"type":"CREATED","id":"u1","role":"doctor"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", evt.AggregateID())

	evt, err = parseOwnedEvent(registry, events.ServiceAuth, events.TopicUser, []byte(`{"type":"CREATED","role":"doctor"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, evt.AggregateID(), "missing id is generated")

	_, err = parseOwnedEvent(registry, events.ServicePatient, events.TopicUser, []byte(`{"type":"CREATED","id":"u1"}`))
	require.Error(t, err, "patient service does not own users")

	_, err = parseOwnedEvent(registry, events.ServiceDoctor, events.TopicAssignment, []byte(`{"type":"ASSIGNED","doctorId":"d1"}`))
	require.ErrorIs(t, err, events.ErrMalformed)
}

func TestWithIDKeepsExistingID(t *testing.T) {
	body := withID(events.TopicPatient, []byte(`{"type":"CREATED","id":"p1"}`))
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, "p1", fields["id"])

	assert.Equal(t, `{"type":"ASSIGNED"}`, string(withID(events.TopicAssignment, []byte(`{"type":"ASSIGNED"}`))))
}

func TestPrintContract(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printContract(&out, events.DefaultRegistry(), events.ServiceDoctor))

	text := out.String()
	assert.Contains(t, text, "doctor-projections")
	assert.Contains(t, text, "assignment-events")
	assert.Contains(t, text, "ASSIGNED,UNASSIGNED")
	assert.Contains(t, text, "patient-events")
}

func TestScheduleJobs(t *testing.T) {
	scheduler, err := gocron.NewScheduler()
	require.NoError(t, err)
	defer func() { _ = scheduler.Shutdown() }()

	c := config.Config{
		Metrics: config.MetricsConfig{ReportInterval: time.Minute},
		Booking: config.BookingConfig{CapabilityRefresh: time.Minute},
	}
	collector := metrics.NewMetricsCollector()

	require.NoError(t, scheduleJobs(context.Background(), scheduler, c, collector, nil))
	assert.Len(t, scheduler.Jobs(), 1)

	guard := booking.NewGuard(dbtest.New(t, events.ServiceAppointment), 0, collector)
	require.NoError(t, scheduleJobs(context.Background(), scheduler, c, collector, guard))
	assert.Len(t, scheduler.Jobs(), 3)
}
