package projections

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/models"
)

// Store holds the idempotent mutations of a service's read model. The
// applier and the owning service's own write path both go through it, so
// either may run first.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new projection store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle, a transaction when the store is tx-scoped
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx returns a store bound to tx
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Transaction runs fn with a tx-scoped store
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

// upsert inserts row or overwrites the listed columns of the existing row
// with the same id. deleted_at is always overwritten, which clears a
// tombstone.
func (s *Store) upsert(ctx context.Context, row interface{}, columns ...string) error {
	columns = append(columns, "updated_at", "deleted_at")
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(row).Error
}

// UpsertUser writes a directory entry
func (s *Store) UpsertUser(ctx context.Context, entry *models.UserDirectoryEntry) error {
	entry.DeletedAt = nil
	if err := s.upsert(ctx, entry, "role", "name", "email"); err != nil {
		return errors.Wrapf(err, "failed to upsert user %s", entry.ID)
	}
	return nil
}

// UpsertPatient writes a patient profile
func (s *Store) UpsertPatient(ctx context.Context, profile *models.PatientProfile) error {
	profile.DeletedAt = nil
	if err := s.upsert(ctx, profile, "user_id", "name", "dob", "conditions"); err != nil {
		return errors.Wrapf(err, "failed to upsert patient %s", profile.ID)
	}
	return nil
}

// UpsertAppointment writes an appointment
func (s *Store) UpsertAppointment(ctx context.Context, appt *models.Appointment) error {
	appt.DeletedAt = nil
	if err := s.upsert(ctx, appt,
		"patient_user_id", "doctor_user_id", "date", "slot", "start_time", "end_time", "status",
	); err != nil {
		return errors.Wrapf(err, "failed to upsert appointment %s", appt.ID)
	}
	return nil
}

// UpsertPrescription writes a prescription request
func (s *Store) UpsertPrescription(ctx context.Context, req *models.PrescriptionRequest) error {
	req.DeletedAt = nil
	if err := s.upsert(ctx, req, "patient_id", "medication", "notes", "status"); err != nil {
		return errors.Wrapf(err, "failed to upsert prescription %s", req.ID)
	}
	return nil
}

// UpdatePrescriptionStatus changes the status of an active prescription
// request. It reports false when no active row has that id.
func (s *Store) UpdatePrescriptionStatus(ctx context.Context, id, status string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PrescriptionRequest{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("status", status)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "failed to update prescription %s", id)
	}
	return res.RowsAffected > 0, nil
}

// tombstone stamps deleted_at on an active row. Already tombstoned and
// unknown ids report false.
func (s *Store) tombstone(ctx context.Context, model interface{}, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", at.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TombstoneUser soft-deletes a directory entry
func (s *Store) TombstoneUser(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := s.tombstone(ctx, &models.UserDirectoryEntry{}, id, at)
	return ok, errors.Wrapf(err, "failed to delete user %s", id)
}

// TombstonePatient soft-deletes a patient profile
func (s *Store) TombstonePatient(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := s.tombstone(ctx, &models.PatientProfile{}, id, at)
	return ok, errors.Wrapf(err, "failed to delete patient %s", id)
}

// TombstoneAppointment soft-deletes an appointment
func (s *Store) TombstoneAppointment(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := s.tombstone(ctx, &models.Appointment{}, id, at)
	return ok, errors.Wrapf(err, "failed to delete appointment %s", id)
}

// TombstonePrescription soft-deletes a prescription request
func (s *Store) TombstonePrescription(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := s.tombstone(ctx, &models.PrescriptionRequest{}, id, at)
	return ok, errors.Wrapf(err, "failed to delete prescription %s", id)
}

// TombstonePatientsByUser soft-deletes the active profiles of a user and
// returns the rows it changed
func (s *Store) TombstonePatientsByUser(ctx context.Context, userID string, at time.Time) ([]models.PatientProfile, error) {
	var profiles []models.PatientProfile
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Find(&profiles).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load patients of user %s", userID)
	}

	var changed []models.PatientProfile
	for _, p := range profiles {
		ok, err := s.TombstonePatient(ctx, p.ID, at)
		if err != nil {
			return nil, err
		}
		if ok {
			stamped := at.UTC()
			p.DeletedAt = &stamped
			changed = append(changed, p)
		}
	}
	return changed, nil
}

// TombstonePendingPrescriptions soft-deletes a patient's pending requests
// and returns the rows it changed
func (s *Store) TombstonePendingPrescriptions(ctx context.Context, patientID string, at time.Time) ([]models.PrescriptionRequest, error) {
	var pending []models.PrescriptionRequest
	if err := s.db.WithContext(ctx).
		Where("patient_id = ? AND status = ? AND deleted_at IS NULL", patientID, events.PrescriptionPending).
		Find(&pending).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load prescriptions of patient %s", patientID)
	}

	var changed []models.PrescriptionRequest
	for _, p := range pending {
		ok, err := s.TombstonePrescription(ctx, p.ID, at)
		if err != nil {
			return nil, err
		}
		if ok {
			stamped := at.UTC()
			p.DeletedAt = &stamped
			changed = append(changed, p)
		}
	}
	return changed, nil
}

// GetUser loads a directory entry, tombstoned or not
func (s *Store) GetUser(ctx context.Context, id string) (*models.UserDirectoryEntry, error) {
	var entry models.UserDirectoryEntry
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&entry).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to get user %s", id)
	}
	return &entry, nil
}

// GetPatient loads a patient profile, tombstoned or not
func (s *Store) GetPatient(ctx context.Context, id string) (*models.PatientProfile, error) {
	var profile models.PatientProfile
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&profile).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to get patient %s", id)
	}
	return &profile, nil
}

// GetAppointment loads an appointment, tombstoned or not
func (s *Store) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var appt models.Appointment
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&appt).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to get appointment %s", id)
	}
	return &appt, nil
}

// GetPrescription loads a prescription request, tombstoned or not
func (s *Store) GetPrescription(ctx context.Context, id string) (*models.PrescriptionRequest, error) {
	var req models.PrescriptionRequest
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&req).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to get prescription %s", id)
	}
	return &req, nil
}

// Row builders shared by the applier and owner write paths

// UserRow converts a user event into a directory entry
func UserRow(evt *events.UserEvent) *models.UserDirectoryEntry {
	return &models.UserDirectoryEntry{ID: evt.ID, Role: evt.Role, Name: evt.Name, Email: evt.Email}
}

// PatientRow converts a patient event into a profile
func PatientRow(evt *events.PatientEvent) (*models.PatientProfile, error) {
	conditions := evt.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	raw, err := json.Marshal(conditions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal conditions")
	}
	return &models.PatientProfile{
		ID:         evt.ID,
		UserID:     evt.UserID,
		Name:       evt.Name,
		DOB:        evt.DOB,
		Conditions: datatypes.JSON(raw),
	}, nil
}

// AppointmentRow converts an appointment event into a row. A missing status
// is derived from the event type.
func AppointmentRow(evt *events.AppointmentEvent) *models.Appointment {
	status := evt.Status
	if status == "" {
		status = statusFor(evt.Type)
	}
	return &models.Appointment{
		ID:            evt.ID,
		PatientUserID: evt.PatientUserID,
		DoctorUserID:  evt.DoctorUserID,
		Date:          evt.Date,
		Slot:          evt.Slot,
		StartTime:     utc(evt.StartTime),
		EndTime:       utc(evt.EndTime),
		Status:        status,
	}
}

// PrescriptionRow converts a prescription event into a request row
func PrescriptionRow(evt *events.PrescriptionEvent) *models.PrescriptionRequest {
	status := evt.Status
	if status == "" {
		status = events.PrescriptionPending
	}
	return &models.PrescriptionRequest{
		ID:         evt.ID,
		PatientID:  evt.PatientID,
		Medication: evt.Medication,
		Notes:      evt.Notes,
		Status:     status,
	}
}

func statusFor(eventType string) string {
	switch eventType {
	case events.Approved:
		return events.AppointmentApproved
	case events.Denied:
		return events.AppointmentDenied
	case events.Cancelled:
		return events.AppointmentCancelled
	default:
		return events.AppointmentPending
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
