package booking

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/healthconnect/internal/db"
	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/metrics"
	"example.com/healthconnect/internal/models"
)

// DefaultDuration is the appointment length assumed when only a start is known
const DefaultDuration = 30 * time.Minute

var (
	// ErrAlreadyBooked is the conflict reported for an overlapping booking
	ErrAlreadyBooked = errors.New("doctor is already booked")
	// ErrInvalidRequest is returned when a request has neither an interval nor a slot
	ErrInvalidRequest = errors.New("booking needs a start time or a date and slot")
)

// ConflictError carries the appointment that blocks a booking
type ConflictError struct {
	DoctorID string
	Existing models.Appointment
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("doctor %s is already booked by appointment %s", e.DoctorID, e.Existing.ID)
}

func (e *ConflictError) Unwrap() error {
	return ErrAlreadyBooked
}

// Request describes a proposed appointment
type Request struct {
	DoctorID string
	Start    *time.Time
	End      *time.Time
	Date     string
	Slot     string
	// ExcludeID skips the appointment being rescheduled
	ExcludeID string
}

// Capability describes what the appointments table can express
type Capability struct {
	Intervals bool
	ProbedAt  time.Time
}

// Guard rejects appointments that overlap an active appointment of the same
// doctor
type Guard struct {
	db              *gorm.DB
	defaultDuration time.Duration
	capability      atomic.Pointer[Capability]
	metrics         *metrics.MetricsCollector
	now             func() time.Time
	log             zerolog.Logger
}

// NewGuard creates a guard. A zero defaultDuration means DefaultDuration.
func NewGuard(database *gorm.DB, defaultDuration time.Duration, collector *metrics.MetricsCollector) *Guard {
	if defaultDuration <= 0 {
		defaultDuration = DefaultDuration
	}
	if collector == nil {
		collector = metrics.NewMetricsCollector()
	}
	return &Guard{
		db:              database,
		defaultDuration: defaultDuration,
		metrics:         collector,
		now:             time.Now,
		log:             log.With().Str("component", "booking").Logger(),
	}
}

// Capability returns the cached capability, probing on first use
func (g *Guard) Capability(ctx context.Context) (Capability, error) {
	if c := g.capability.Load(); c != nil {
		return *c, nil
	}
	return g.Refresh(ctx)
}

// Refresh probes the appointments table again and replaces the cached
// capability
func (g *Guard) Refresh(ctx context.Context) (Capability, error) {
	migrator := g.db.WithContext(ctx).Migrator()
	c := Capability{
		Intervals: migrator.HasColumn(&models.Appointment{}, "start_time") &&
			migrator.HasColumn(&models.Appointment{}, "end_time"),
		ProbedAt: g.now(),
	}

	if prev := g.capability.Swap(&c); prev == nil || prev.Intervals != c.Intervals {
		g.log.Info().Bool("intervals", c.Intervals).Msg("Appointment schema capability probed")
	}
	return c, nil
}

// Check reports a *ConflictError when req overlaps an active appointment
func (g *Guard) Check(ctx context.Context, req Request) error {
	capability, err := g.Capability(ctx)
	if err != nil {
		return err
	}
	return g.check(ctx, g.db, capability, req)
}

// Book runs the conflict check and write in one transaction, serialised per
// doctor, so two overlapping requests cannot both commit. The capability is
// resolved before the transaction holds the connection.
func (g *Guard) Book(ctx context.Context, req Request, write func(tx *gorm.DB) error) error {
	capability, err := g.Capability(ctx)
	if err != nil {
		return err
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.LockKey(ctx, tx, "booking", req.DoctorID); err != nil {
			return err
		}
		if err := g.check(ctx, tx, capability, req); err != nil {
			return err
		}
		return write(tx)
	})
}

func (g *Guard) check(ctx context.Context, tx *gorm.DB, capability Capability, req Request) error {
	req = g.normalize(req)
	if req.Start == nil && (req.Date == "" || req.Slot == "") {
		return ErrInvalidRequest
	}

	query := tx.WithContext(ctx).Model(&models.Appointment{}).
		Where("doctor_user_id = ?", req.DoctorID).
		Where("deleted_at IS NULL").
		Where("status NOT IN ?", []string{events.AppointmentDenied, events.AppointmentCancelled})
	if req.ExcludeID != "" {
		query = query.Where("id <> ?", req.ExcludeID)
	}

	var (
		existing []models.Appointment
		err      error
	)
	if capability.Intervals && req.Start != nil {
		cond, args := g.window(req)
		err = query.Select("id", "doctor_user_id", "date", "slot", "start_time", "end_time", "status").
			Where(cond, args...).
			Find(&existing).Error
	} else {
		if req.Date == "" || req.Slot == "" {
			return ErrInvalidRequest
		}
		err = query.Select("id", "doctor_user_id", "date", "slot", "status").
			Where("date = ? AND slot = ?", req.Date, req.Slot).
			Find(&existing).Error
	}
	if err != nil {
		return errors.Wrap(err, "failed to load appointments")
	}

	for _, appt := range existing {
		if g.conflicts(req, appt, capability.Intervals) {
			g.metrics.IncrementCounter(metrics.CounterBookingConflicts, 1)
			return &ConflictError{DoctorID: req.DoctorID, Existing: appt}
		}
	}
	return nil
}

// window selects the appointments whose interval can intersect
// [req.Start, req.End). A row without an end lasts the default duration.
// Rows without a start are matched on date and slot.
func (g *Guard) window(req Request) (string, []interface{}) {
	start, end := req.Start.UTC(), req.End.UTC()
	cond := "(start_time < ? AND (end_time > ? OR (end_time IS NULL AND start_time > ?)))"
	args := []interface{}{end, start, start.Add(-g.defaultDuration)}
	if req.Date != "" && req.Slot != "" {
		cond = "(" + cond + " OR (start_time IS NULL AND date = ? AND slot = ?))"
		args = append(args, req.Date, req.Slot)
	}
	return cond, args
}

func (g *Guard) conflicts(req Request, appt models.Appointment, intervals bool) bool {
	if intervals && req.Start != nil && appt.StartTime != nil {
		end := appt.StartTime.Add(g.defaultDuration)
		if appt.EndTime != nil {
			end = *appt.EndTime
		}
		return Overlaps(*req.Start, *req.End, *appt.StartTime, end)
	}
	return req.Date != "" && req.Date == appt.Date && req.Slot == appt.Slot
}

// normalize derives a missing end from the default duration
func (g *Guard) normalize(req Request) Request {
	if req.Start != nil && req.End == nil {
		end := req.Start.Add(g.defaultDuration)
		req.End = &end
	}
	return req
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching endpoints do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
