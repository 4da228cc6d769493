package events

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownTopic is returned for a topic outside the registry
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrUnknownEventType is returned for a type outside a topic's closed set
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMalformed is returned when a message is not a valid envelope
	ErrMalformed = errors.New("malformed event")
)

var validate = validator.New()

// Encode marshals an event into its wire form and stamps emittedAt.
func Encode(evt Event, emittedAt time.Time) ([]byte, error) {
	if !Allowed(evt.Topic(), evt.EventType()) {
		return nil, errors.Wrapf(ErrUnknownEventType, "%s on %s", evt.EventType(), evt.Topic())
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event fields")
	}

	stamp, err := json.Marshal(emittedAt.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal emittedAt")
	}
	fields["emittedAt"] = stamp

	return json.Marshal(fields)
}

// Decode parses a message received on topic into its typed event.
// Every failure wraps ErrMalformed, ErrUnknownTopic or ErrUnknownEventType.
func Decode(topic string, body []byte) (Event, error) {
	var head Envelope
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "invalid envelope: %v", err)
	}

	evt, err := newEvent(topic)
	if err != nil {
		return nil, err
	}
	if !Allowed(topic, head.Type) {
		return nil, errors.Wrapf(ErrUnknownEventType, "%q on %s", head.Type, topic)
	}

	if err := json.Unmarshal(body, evt); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "invalid %s payload: %v", topic, err)
	}
	if err := validate.Struct(evt); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "invalid %s payload: %v", topic, err)
	}

	return evt, nil
}

func newEvent(topic string) (Event, error) {
	switch topic {
	case TopicUser:
		return &UserEvent{}, nil
	case TopicPatient:
		return &PatientEvent{}, nil
	case TopicAssignment:
		return &AssignmentEvent{}, nil
	case TopicAppointment:
		return &AppointmentEvent{}, nil
	case TopicPrescription:
		return &PrescriptionEvent{}, nil
	default:
		return nil, errors.Wrap(ErrUnknownTopic, topic)
	}
}

// EmittedAt returns the emission stamp of a decoded event, if any
func EmittedAt(evt Event) *time.Time {
	switch e := evt.(type) {
	case *UserEvent:
		return e.EmittedAt
	case *PatientEvent:
		return e.EmittedAt
	case *AssignmentEvent:
		return e.EmittedAt
	case *AppointmentEvent:
		return e.EmittedAt
	case *PrescriptionEvent:
		return e.EmittedAt
	}
	return nil
}
