package assignment

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/healthconnect/internal/db"
	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/models"
)

// ErrConcurrentAssignment is returned when another transaction activated an
// assignment for the same patient first
var ErrConcurrentAssignment = errors.New("patient was assigned concurrently")

// Emitter publishes events once the writes that produced them have committed
type Emitter interface {
	PublishAll(ctx context.Context, out []events.Outbound)
}

// Result describes the outcome of an assign
type Result struct {
	Assignment models.Assignment
	// Activated is false when the pair was already active
	Activated bool
	// Displaced holds other doctors' rows deactivated for this patient
	Displaced []models.Assignment
}

// Outbound returns the events that bring other projections in line
func (r *Result) Outbound() []events.Outbound {
	out := UnassignedEvents(r.Displaced)
	if r.Activated {
		out = append(out, events.AssignedTo(r.Assignment.DoctorID, r.Assignment.PatientID))
	}
	return out
}

// UnassignedEvents returns one UNASSIGNED event per deactivated row
func UnassignedEvents(rows []models.Assignment) []events.Outbound {
	out := make([]events.Outbound, 0, len(rows))
	for _, row := range rows {
		out = append(out, events.UnassignedFrom(row.DoctorID, row.PatientID, *row.DeletedAt))
	}
	return out
}

// Coordinator keeps at most one active assignment per patient
type Coordinator struct {
	db      *gorm.DB
	emitter Emitter
	now     func() time.Time
	log     zerolog.Logger
}

// NewCoordinator creates a new assignment coordinator
func NewCoordinator(database *gorm.DB, emitter Emitter) *Coordinator {
	return &Coordinator{
		db:      database,
		emitter: emitter,
		now:     time.Now,
		log:     log.With().Str("component", "assignment").Logger(),
	}
}

// Assign makes doctorID the patient's only active doctor and publishes the
// resulting events after commit.
func (c *Coordinator) Assign(ctx context.Context, doctorID, patientID string) (*Result, error) {
	var result *Result
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = c.AssignTx(ctx, tx, doctorID, patientID, c.now())
		return err
	})
	if err != nil {
		if db.IsDuplicateKey(err) {
			return nil, errors.Wrapf(ErrConcurrentAssignment, "patient %s", patientID)
		}
		return nil, err
	}

	c.log.Info().
		Str("doctor_id", doctorID).
		Str("patient_id", patientID).
		Bool("activated", result.Activated).
		Int("displaced", len(result.Displaced)).
		Msg("Assignment applied")

	c.emit(ctx, result.Outbound())
	return result, nil
}

// Unassign deactivates the active (doctorID, patientID) row and returns the
// rows actually changed. An UNASSIGNED event is published only for those.
func (c *Coordinator) Unassign(ctx context.Context, doctorID, patientID string, deletedAt *time.Time) ([]models.Assignment, error) {
	at := c.now()
	if deletedAt != nil {
		at = *deletedAt
	}

	var changed []models.Assignment
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = c.UnassignTx(ctx, tx, doctorID, patientID, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.emit(ctx, UnassignedEvents(changed))
	return changed, nil
}

// AssignTx runs the assign inside tx without publishing. Other active rows
// for the patient are deactivated first, then the pair is reactivated or
// inserted.
func (c *Coordinator) AssignTx(ctx context.Context, tx *gorm.DB, doctorID, patientID string, at time.Time) (*Result, error) {
	if err := db.LockKey(ctx, tx, "assignment", patientID); err != nil {
		return nil, err
	}

	displaced, err := deactivate(ctx, tx, at, "patient_id = ? AND doctor_id <> ?", patientID, doctorID)
	if err != nil {
		return nil, err
	}

	result := &Result{Displaced: displaced}

	var existing models.Assignment
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("doctor_id = ? AND patient_id = ?", doctorID, patientID).
		Take(&existing).Error
	switch {
	case err == nil && existing.Active():
		result.Assignment = existing
	case err == nil:
		if err := tx.WithContext(ctx).Model(&models.Assignment{}).
			Where("doctor_id = ? AND patient_id = ?", doctorID, patientID).
			Update("deleted_at", nil).Error; err != nil {
			return nil, errors.Wrap(err, "failed to reactivate assignment")
		}
		existing.DeletedAt = nil
		result.Assignment = existing
		result.Activated = true
	case db.IsRecordNotFoundError(err):
		row := models.Assignment{DoctorID: doctorID, PatientID: patientID}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return nil, errors.Wrapf(ErrConcurrentAssignment, "patient %s", patientID)
			}
			return nil, errors.Wrap(err, "failed to create assignment")
		}
		result.Assignment = row
		result.Activated = true
	default:
		return nil, errors.Wrap(err, "failed to load assignment")
	}

	return result, nil
}

// UnassignTx deactivates the active (doctorID, patientID) row inside tx
func (c *Coordinator) UnassignTx(ctx context.Context, tx *gorm.DB, doctorID, patientID string, at time.Time) ([]models.Assignment, error) {
	return deactivate(ctx, tx, at, "doctor_id = ? AND patient_id = ?", doctorID, patientID)
}

// DeactivateDoctorTx deactivates every active assignment of a doctor
func (c *Coordinator) DeactivateDoctorTx(ctx context.Context, tx *gorm.DB, doctorID string, at time.Time) ([]models.Assignment, error) {
	return deactivate(ctx, tx, at, "doctor_id = ?", doctorID)
}

// DeactivatePatientTx deactivates every active assignment of a patient
func (c *Coordinator) DeactivatePatientTx(ctx context.Context, tx *gorm.DB, patientID string, at time.Time) ([]models.Assignment, error) {
	return deactivate(ctx, tx, at, "patient_id = ?", patientID)
}

// deactivate stamps deleted_at on active rows matching query and returns
// only the rows this call changed
func deactivate(ctx context.Context, tx *gorm.DB, at time.Time, query string, args ...interface{}) ([]models.Assignment, error) {
	at = at.UTC()

	var candidates []models.Assignment
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(query, args...).
		Where("deleted_at IS NULL").
		Find(&candidates).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load active assignments")
	}

	var changed []models.Assignment
	for _, row := range candidates {
		res := tx.WithContext(ctx).Model(&models.Assignment{}).
			Where("doctor_id = ? AND patient_id = ? AND deleted_at IS NULL", row.DoctorID, row.PatientID).
			Update("deleted_at", at)
		if res.Error != nil {
			return nil, errors.Wrap(res.Error, "failed to deactivate assignment")
		}
		if res.RowsAffected == 0 {
			continue
		}
		stamped := at
		row.DeletedAt = &stamped
		changed = append(changed, row)
	}
	return changed, nil
}

func (c *Coordinator) emit(ctx context.Context, out []events.Outbound) {
	if len(out) == 0 || c.emitter == nil {
		return
	}
	c.emitter.PublishAll(ctx, out)
}
