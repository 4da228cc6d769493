package models

import (
	"time"

	"gorm.io/datatypes"
)

// Projection rows are never physically removed. DeletedAt is a plain
// timestamp rather than gorm.DeletedAt so that tombstoned rows stay visible
// to upserts and can be resurrected.

// UserDirectoryEntry is a local copy of a user account
type UserDirectoryEntry struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	Role      string     `gorm:"size:32;index" json:"role"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (UserDirectoryEntry) TableName() string {
	return "user_directory"
}

// PatientProfile is a local copy of a patient
type PatientProfile struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	UserID     string         `gorm:"size:64;index" json:"user_id"`
	Name       string         `json:"name"`
	DOB        string         `gorm:"size:32" json:"dob"`
	Conditions datatypes.JSON `json:"conditions"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `gorm:"index" json:"deleted_at,omitempty"`
}

func (PatientProfile) TableName() string {
	return "patient_profiles"
}

// Assignment links a doctor to a patient. At most one row per patient is
// active, enforced by a unique index over active rows.
type Assignment struct {
	DoctorID  string     `gorm:"primaryKey;size:64;index" json:"doctor_id"`
	PatientID string     `gorm:"primaryKey;size:64;uniqueIndex:idx_assignments_active_patient,where:deleted_at IS NULL" json:"patient_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (Assignment) TableName() string {
	return "assignments"
}

// Active reports whether the assignment is not tombstoned
func (a Assignment) Active() bool {
	return a.DeletedAt == nil
}

// Appointment is a booking between a patient and a doctor. Older schemas
// only carry Date and Slot; StartTime and EndTime are probed at runtime.
type Appointment struct {
	ID            string     `gorm:"primaryKey;size:64" json:"id"`
	PatientUserID string     `gorm:"size:64;index" json:"patient_user_id"`
	DoctorUserID  string     `gorm:"size:64;index" json:"doctor_user_id"`
	Date          string     `gorm:"size:10" json:"date"`
	Slot          string     `gorm:"size:16" json:"slot"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Status        string     `gorm:"size:16;index" json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (Appointment) TableName() string {
	return "appointments"
}

// PrescriptionRequest is a patient's request for a prescription
type PrescriptionRequest struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	PatientID  string     `gorm:"size:64;index" json:"patient_id"`
	Medication string     `json:"medication"`
	Notes      string     `json:"notes"`
	Status     string     `gorm:"size:16;index" json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (PrescriptionRequest) TableName() string {
	return "prescription_requests"
}

// ForService returns the tables a service keeps
func ForService(service string) []interface{} {
	switch service {
	case "auth":
		return []interface{}{&UserDirectoryEntry{}}
	case "patient":
		return []interface{}{&UserDirectoryEntry{}, &PatientProfile{}, &Assignment{}, &Appointment{}, &PrescriptionRequest{}}
	case "doctor":
		return []interface{}{&UserDirectoryEntry{}, &PatientProfile{}, &Assignment{}, &Appointment{}, &PrescriptionRequest{}}
	case "appointment":
		return []interface{}{&UserDirectoryEntry{}, &PatientProfile{}, &Assignment{}, &Appointment{}}
	default:
		return All()
	}
}

// All returns every projection table
func All() []interface{} {
	return []interface{}{
		&UserDirectoryEntry{},
		&PatientProfile{},
		&Assignment{},
		&Appointment{},
		&PrescriptionRequest{},
	}
}
