package events

import (
	"time"
)

// Topic names, one per aggregate category
const (
	TopicUser         = "user-events"
	TopicPatient      = "patient-events"
	TopicAssignment   = "assignment-events"
	TopicAppointment  = "appointment-events"
	TopicPrescription = "prescription-events"
)

// Event types
const (
	Created       = "CREATED"
	Updated       = "UPDATED"
	Deleted       = "DELETED"
	Assigned      = "ASSIGNED"
	Unassigned    = "UNASSIGNED"
	Approved      = "APPROVED"
	Denied        = "DENIED"
	Cancelled     = "CANCELLED"
	StatusChanged = "STATUS_CHANGED"
)

// User roles carried on user events
const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Appointment statuses
const (
	AppointmentPending   = "pending"
	AppointmentApproved  = "approved"
	AppointmentDenied    = "denied"
	AppointmentCancelled = "cancelled"
)

// Prescription request statuses
const (
	PrescriptionPending  = "pending"
	PrescriptionApproved = "approved"
	PrescriptionDenied   = "denied"
)

// Event is a domain event published on exactly one topic.
type Event interface {
	Topic() string
	EventType() string
	// AggregateID is the payload id used as the default partition key.
	// Empty when the payload carries no id.
	AggregateID() string
}

// Envelope holds the fields every event carries on the wire.
type Envelope struct {
	Type      string     `json:"type" validate:"required"`
	EmittedAt *time.Time `json:"emittedAt,omitempty"`
}

// EventType returns the envelope type
func (e Envelope) EventType() string {
	return e.Type
}

// UserEvent is carried on the user topic
type UserEvent struct {
	Envelope
	ID        string     `json:"id" validate:"required"`
	Role      string     `json:"role,omitempty"`
	Name      string     `json:"name,omitempty"`
	Email     string     `json:"email,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (e *UserEvent) Topic() string       { return TopicUser }
func (e *UserEvent) AggregateID() string { return e.ID }

// PatientEvent is carried on the patient topic
type PatientEvent struct {
	Envelope
	ID         string     `json:"id" validate:"required"`
	UserID     string     `json:"userId,omitempty"`
	Name       string     `json:"name,omitempty"`
	DOB        string     `json:"dob,omitempty"`
	Conditions []string   `json:"conditions,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

func (e *PatientEvent) Topic() string       { return TopicPatient }
func (e *PatientEvent) AggregateID() string { return e.ID }

// AssignmentEvent is carried on the assignment topic. It has no id of its
// own, so publishers key it by patient explicitly.
type AssignmentEvent struct {
	Envelope
	DoctorID  string     `json:"doctorId" validate:"required"`
	PatientID string     `json:"patientId" validate:"required"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (e *AssignmentEvent) Topic() string       { return TopicAssignment }
func (e *AssignmentEvent) AggregateID() string { return "" }

// AppointmentEvent is carried on the appointment topic
type AppointmentEvent struct {
	Envelope
	ID            string     `json:"id" validate:"required"`
	PatientUserID string     `json:"patientUserId,omitempty"`
	DoctorUserID  string     `json:"doctorUserId,omitempty"`
	Date          string     `json:"date,omitempty"`
	Slot          string     `json:"slot,omitempty"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	Status        string     `json:"status,omitempty"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}

func (e *AppointmentEvent) Topic() string       { return TopicAppointment }
func (e *AppointmentEvent) AggregateID() string { return e.ID }

// PrescriptionEvent is carried on the prescription topic
type PrescriptionEvent struct {
	Envelope
	ID         string     `json:"id" validate:"required"`
	PatientID  string     `json:"patientId,omitempty"`
	Medication string     `json:"medication,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Status     string     `json:"status,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

func (e *PrescriptionEvent) Topic() string       { return TopicPrescription }
func (e *PrescriptionEvent) AggregateID() string { return e.ID }

// Outbound is an event waiting to be published, with an optional explicit
// partition key.
type Outbound struct {
	Event Event
	Key   string
}

// UserDeleted builds a user DELETED event stamped with its deletion time.
func UserDeleted(id, role string, at time.Time) *UserEvent {
	at = at.UTC()
	return &UserEvent{Envelope: Envelope{Type: Deleted}, ID: id, Role: role, DeletedAt: &at}
}

// PatientDeleted builds a patient DELETED event stamped with its deletion time.
func PatientDeleted(id, userID string, at time.Time) *PatientEvent {
	at = at.UTC()
	return &PatientEvent{Envelope: Envelope{Type: Deleted}, ID: id, UserID: userID, DeletedAt: &at}
}

// AssignedTo builds an ASSIGNED event keyed by patient
func AssignedTo(doctorID, patientID string) Outbound {
	return Outbound{
		Event: &AssignmentEvent{Envelope: Envelope{Type: Assigned}, DoctorID: doctorID, PatientID: patientID},
		Key:   patientID,
	}
}

// UnassignedFrom builds an UNASSIGNED event keyed by patient and stamped
// with the deletion time of the assignment row.
func UnassignedFrom(doctorID, patientID string, at time.Time) Outbound {
	at = at.UTC()
	return Outbound{
		Event: &AssignmentEvent{Envelope: Envelope{Type: Unassigned}, DoctorID: doctorID, PatientID: patientID, DeletedAt: &at},
		Key:   patientID,
	}
}

// PrescriptionDeleted builds a prescription DELETED event
func PrescriptionDeleted(id, patientID, status string, at time.Time) *PrescriptionEvent {
	at = at.UTC()
	return &PrescriptionEvent{
		Envelope:  Envelope{Type: Deleted},
		ID:        id,
		PatientID: patientID,
		Status:    status,
		DeletedAt: &at,
	}
}
