package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStampsEmittedAt(t *testing.T) {
	evt := &PatientEvent{
		Envelope:   Envelope{Type: Created},
		ID:         "p1",
		UserID:     "u1",
		Name:       "Alice",
		DOB:        "1990-02-01",
		Conditions: []string{"asthma"},
	}
	at := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

	body, err := Encode(evt, at)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, "CREATED", fields["type"])
	assert.Equal(t, "p1", fields["id"])
	assert.Equal(t, "2024-01-01T09:30:00Z", fields["emittedAt"])
	assert.Nil(t, evt.EmittedAt, "encoding must not mutate the caller's event")
}

func TestEncodeRejectsTypeOutsideTopic(t *testing.T) {
	evt := &PatientEvent{Envelope: Envelope{Type: Updated}, ID: "p1"}

	_, err := Encode(evt, time.Now())
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestDecodeUserEvent(t *testing.T) {
	body := []byte(`{"type":"DELETED","id":"u1","role":"doctor","deletedAt":"2024-01-01T00:00:00Z","emittedAt":"2024-01-01T00:00:01Z"}`)

	evt, err := Decode(TopicUser, body)
	require.NoError(t, err)

	user, ok := evt.(*UserEvent)
	require.True(t, ok)
	assert.Equal(t, Deleted, user.EventType())
	assert.Equal(t, "u1", user.AggregateID())
	assert.Equal(t, RoleDoctor, user.Role)
	require.NotNil(t, user.DeletedAt)
	assert.True(t, user.DeletedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, EmittedAt(evt))
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		body  string
		want  error
	}{
		{name: "not json", topic: TopicUser, body: `not-json`, want: ErrMalformed},
		{name: "unknown topic", topic: "billing-events", body: `{"type":"CREATED"}`, want: ErrUnknownTopic},
		{name: "type outside topic", topic: TopicAssignment, body: `{"type":"CREATED","doctorId":"d","patientId":"p"}`, want: ErrUnknownEventType},
		{name: "missing type", topic: TopicUser, body: `{"id":"u1"}`, want: ErrUnknownEventType},
		{name: "missing id", topic: TopicAppointment, body: `{"type":"CREATED","status":"pending"}`, want: ErrMalformed},
		{name: "missing patient", topic: TopicAssignment, body: `{"type":"ASSIGNED","doctorId":"d1"}`, want: ErrMalformed},
		{name: "wrong field type", topic: TopicPatient, body: `{"type":"CREATED","id":"p1","conditions":"asthma"}`, want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.topic, []byte(tt.body))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRoundTripKeepsAppointmentInterval(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	evt := &AppointmentEvent{
		Envelope:      Envelope{Type: Approved},
		ID:            "a1",
		PatientUserID: "u-p",
		DoctorUserID:  "u-d",
		Date:          "2024-03-04",
		Slot:          "10:00",
		StartTime:     &start,
		EndTime:       &end,
		Status:        AppointmentApproved,
	}

	body, err := Encode(evt, time.Now())
	require.NoError(t, err)

	decoded, err := Decode(TopicAppointment, body)
	require.NoError(t, err)
	appt := decoded.(*AppointmentEvent)
	assert.True(t, appt.StartTime.Equal(start))
	assert.True(t, appt.EndTime.Equal(end))
	assert.Equal(t, AppointmentApproved, appt.Status)
}

func TestAssignmentEventsAreKeyedByPatient(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	out := UnassignedFrom("d1", "p1", at)

	assert.Equal(t, "p1", out.Key)
	assert.Empty(t, out.Event.AggregateID())
	evt := out.Event.(*AssignmentEvent)
	require.NotNil(t, evt.DeletedAt)
	assert.Equal(t, time.UTC, evt.DeletedAt.Location())
	assert.Equal(t, "p1", AssignedTo("d1", "p1").Key)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{"admin", "appointment", "auth", "doctor", "patient"}, r.Services())
	assert.True(t, r.CanProduce(ServiceDoctor, TopicAssignment, Unassigned))
	assert.True(t, r.CanProduce(ServiceDoctor, TopicPrescription, StatusChanged))
	assert.False(t, r.CanProduce(ServiceDoctor, TopicPrescription, Created))
	assert.True(t, r.CanProduce(ServicePatient, TopicPrescription, Deleted))
	assert.False(t, r.CanProduce(ServiceAdmin, TopicUser, Deleted))
	assert.True(t, r.CanProduce(ServicePatient, TopicPatient, Deleted))
	assert.Empty(t, r.Subscriptions(ServiceAuth))

	for _, route := range []Route{
		{Topic: TopicPrescription, Type: Deleted},
		{Topic: TopicAssignment, Type: Unassigned},
		{Topic: TopicPatient, Type: Deleted},
	} {
		var owners []string
		for _, service := range r.Services() {
			if r.CanProduce(service, route.Topic, route.Type) {
				owners = append(owners, service)
			}
		}
		assert.Len(t, owners, 1, "%s %s has one producer", route.Topic, route.Type)
	}
	assert.ElementsMatch(t, []string{TopicUser, TopicPatient, TopicAssignment}, r.Subscriptions(ServiceAppointment))
	assert.Equal(t, "doctor-projections", ConsumerGroup(ServiceDoctor))
	assert.False(t, r.Known("billing"))
}

func TestEveryProducedRouteIsAllowed(t *testing.T) {
	r := DefaultRegistry()
	for _, service := range r.Services() {
		for _, route := range r.Produces(service) {
			assert.Truef(t, Allowed(route.Topic, route.Type), "%s produces %s/%s", service, route.Topic, route.Type)
		}
		for _, topic := range r.Subscriptions(service) {
			assert.NotEmptyf(t, Types(topic), "%s consumes unknown topic %s", service, topic)
		}
	}
}
