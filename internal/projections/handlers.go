package projections

import (
	"context"
	"time"

	"example.com/healthconnect/internal/assignment"
	"example.com/healthconnect/internal/db"
	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/models"
)

func (a *Applier) handlers() map[events.Route]handler {
	routes := map[events.Route]handler{}
	add := func(topic string, h handler, types ...string) {
		for _, typ := range types {
			routes[events.Route{Topic: topic, Type: typ}] = h
		}
	}

	add(events.TopicUser, a.upsertUser, events.Created, events.Updated)
	add(events.TopicUser, a.deleteUser, events.Deleted)
	add(events.TopicPatient, a.upsertPatient, events.Created)
	add(events.TopicPatient, a.deletePatient, events.Deleted)
	add(events.TopicAssignment, a.assigned, events.Assigned)
	add(events.TopicAssignment, a.unassigned, events.Unassigned)
	add(events.TopicAppointment, a.upsertAppointment, events.Created, events.Updated, events.Approved, events.Denied, events.Cancelled)
	add(events.TopicAppointment, a.deleteAppointment, events.Deleted)
	add(events.TopicPrescription, a.upsertPrescription, events.Created)
	add(events.TopicPrescription, a.prescriptionStatus, events.StatusChanged)
	add(events.TopicPrescription, a.deletePrescription, events.Deleted)
	return routes
}

func (a *Applier) upsertUser(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	row := UserRow(evt.(*events.UserEvent))
	if err := tx.UpsertUser(ctx, row); err != nil {
		return effects, err
	}
	effects.changed(KindUsers, row.ID, row)
	return effects, nil
}

// deleteUser tombstones the entry and cascades by role: a doctor loses its
// active assignments, a patient user loses its profiles.
func (a *Applier) deleteUser(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	e := evt.(*events.UserEvent)
	at := a.deletedAt(evt, e.DeletedAt)

	ok, err := tx.TombstoneUser(ctx, e.ID, at)
	if err != nil {
		return effects, err
	}
	if ok {
		if row, err := tx.GetUser(ctx, e.ID); err == nil {
			effects.changed(KindUsers, e.ID, row)
		}
	}

	switch a.roleOf(ctx, tx, e) {
	case events.RoleDoctor:
		if !a.keeps(models.Assignment{}) {
			return effects, nil
		}
		rows, err := a.assign.DeactivateDoctorTx(ctx, tx.DB(), e.ID, at)
		if err != nil {
			return effects, err
		}
		effects.assignments(rows...)
		effects.emit(assignment.UnassignedEvents(rows)...)
	case events.RolePatient:
		if !a.keeps(models.PatientProfile{}) {
			return effects, nil
		}
		profiles, err := tx.TombstonePatientsByUser(ctx, e.ID, at)
		if err != nil {
			return effects, err
		}
		for i := range profiles {
			p := profiles[i]
			effects.changed(KindPatients, p.ID, &p)
			effects.emit(events.Outbound{Event: events.PatientDeleted(p.ID, p.UserID, at)})
			if err := a.cascadePatient(ctx, tx, p.ID, at, &effects); err != nil {
				return effects, err
			}
		}
	}
	return effects, nil
}

// roleOf resolves the role of a deleted user from the event, then the local
// directory, then the shared cache
func (a *Applier) roleOf(ctx context.Context, tx *Store, e *events.UserEvent) string {
	if e.Role != "" {
		return e.Role
	}
	if row, err := tx.GetUser(ctx, e.ID); err == nil {
		return row.Role
	} else if !db.IsRecordNotFoundError(err) {
		a.log.Warn().Err(err).Str("user_id", e.ID).Msg("Failed to read local directory")
	}
	if a.directory != nil {
		if row, err := a.directory.GetUser(ctx, e.ID); err == nil {
			return row.Role
		}
	}
	return ""
}

func (a *Applier) upsertPatient(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	row, err := PatientRow(evt.(*events.PatientEvent))
	if err != nil {
		return effects, err
	}
	if err := tx.UpsertPatient(ctx, row); err != nil {
		return effects, err
	}
	effects.changed(KindPatients, row.ID, row)
	return effects, nil
}

func (a *Applier) deletePatient(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	e := evt.(*events.PatientEvent)
	at := a.deletedAt(evt, e.DeletedAt)

	ok, err := tx.TombstonePatient(ctx, e.ID, at)
	if err != nil {
		return effects, err
	}
	if ok {
		if row, err := tx.GetPatient(ctx, e.ID); err == nil {
			effects.changed(KindPatients, e.ID, row)
		}
	}

	// runs even when the profile was already tombstoned; a cascade that
	// already happened changes nothing
	return effects, a.cascadePatient(ctx, tx, e.ID, at, &effects)
}

// cascadePatient deactivates a deleted patient's assignments and pending
// prescription requests
func (a *Applier) cascadePatient(ctx context.Context, tx *Store, patientID string, at time.Time, effects *Effects) error {
	if a.keeps(models.Assignment{}) {
		rows, err := a.assign.DeactivatePatientTx(ctx, tx.DB(), patientID, at)
		if err != nil {
			return err
		}
		effects.assignments(rows...)
		effects.emit(assignment.UnassignedEvents(rows)...)
	}

	if !a.keeps(models.PrescriptionRequest{}) {
		return nil
	}
	pending, err := tx.TombstonePendingPrescriptions(ctx, patientID, at)
	if err != nil {
		return err
	}
	for i := range pending {
		p := pending[i]
		effects.changed(KindPrescriptions, p.ID, &p)
		effects.emit(events.Outbound{Event: events.PrescriptionDeleted(p.ID, p.PatientID, p.Status, at)})
	}
	return nil
}

// assigned mirrors an assignment with the same reassignment semantics as
// the owner, so the active-row constraint holds locally too
func (a *Applier) assigned(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	e := evt.(*events.AssignmentEvent)

	result, err := a.assign.AssignTx(ctx, tx.DB(), e.DoctorID, e.PatientID, a.now())
	if err != nil {
		return effects, err
	}
	effects.assignments(result.Displaced...)
	effects.emit(assignment.UnassignedEvents(result.Displaced)...)
	if result.Activated {
		effects.assignments(result.Assignment)
	}
	return effects, nil
}

func (a *Applier) unassigned(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	e := evt.(*events.AssignmentEvent)

	rows, err := a.assign.UnassignTx(ctx, tx.DB(), e.DoctorID, e.PatientID, a.deletedAt(evt, e.DeletedAt))
	if err != nil {
		return effects, err
	}
	effects.assignments(rows...)
	return effects, nil
}

func (a *Applier) upsertAppointment(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	row := AppointmentRow(evt.(*events.AppointmentEvent))
	if err := tx.UpsertAppointment(ctx, row); err != nil {
		return effects, err
	}
	effects.changed(KindAppointments, row.ID, row)
	return effects, nil
}

func (a *Applier) deleteAppointment(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	e := evt.(*events.AppointmentEvent)

	ok, err := tx.TombstoneAppointment(ctx, e.ID, a.deletedAt(evt, e.DeletedAt))
	if err != nil {
		return effects, err
	}
	if ok {
		if row, err := tx.GetAppointment(ctx, e.ID); err == nil {
			effects.changed(KindAppointments, e.ID, row)
		}
	}
	return effects, nil
}

func (a *Applier) upsertPrescription(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	row := PrescriptionRow(evt.(*events.PrescriptionEvent))
	if err := tx.UpsertPrescription(ctx, row); err != nil {
		return effects, err
	}
	effects.changed(KindPrescriptions, row.ID, row)
	return effects, nil
}

// prescriptionStatus updates an active request. A request never seen is
// inserted from the event; a tombstoned one stays deleted.
func (a *Applier) prescriptionStatus(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	e := evt.(*events.PrescriptionEvent)

	ok, err := tx.UpdatePrescriptionStatus(ctx, e.ID, e.Status)
	if err != nil {
		return effects, err
	}
	if !ok {
		_, err := tx.GetPrescription(ctx, e.ID)
		if err == nil {
			return effects, nil
		}
		if !db.IsRecordNotFoundError(err) {
			return effects, err
		}
		row := PrescriptionRow(e)
		if err := tx.UpsertPrescription(ctx, row); err != nil {
			return effects, err
		}
	}

	row, err := tx.GetPrescription(ctx, e.ID)
	if err != nil {
		return effects, err
	}
	effects.changed(KindPrescriptions, e.ID, row)
	return effects, nil
}

func (a *Applier) deletePrescription(ctx context.Context, tx *Store, evt events.Event) (Effects, error) {
	var effects Effects
	e := evt.(*events.PrescriptionEvent)

	ok, err := tx.TombstonePrescription(ctx, e.ID, a.deletedAt(evt, e.DeletedAt))
	if err != nil {
		return effects, err
	}
	if ok {
		if row, err := tx.GetPrescription(ctx, e.ID); err == nil {
			effects.changed(KindPrescriptions, e.ID, row)
		}
	}
	return effects, nil
}
