package booking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/healthconnect/internal/db/dbtest"
	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/metrics"
	"example.com/healthconnect/internal/models"
)

func at(hour, minute int) *time.Time {
	t := time.Date(2024, 3, 4, hour, minute, 0, 0, time.UTC)
	return &t
}

func seed(t *testing.T, database *gorm.DB, appts ...models.Appointment) {
	t.Helper()
	for i := range appts {
		require.NoError(t, database.Create(&appts[i]).Error)
	}
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name       string
		start, end *time.Time
		want       bool
	}{
		{name: "inside", start: at(10, 10), end: at(10, 20), want: true},
		{name: "straddles start", start: at(9, 45), end: at(10, 15), want: true},
		{name: "straddles end", start: at(10, 15), end: at(10, 45), want: true},
		{name: "touches end", start: at(10, 30), end: at(11, 0), want: false},
		{name: "touches start", start: at(9, 30), end: at(10, 0), want: false},
		{name: "covers", start: at(9, 0), end: at(11, 0), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(*tt.start, *tt.end, *at(10, 0), *at(10, 30)))
		})
	}
}

func TestCheckIntervalOverlap(t *testing.T) {
	database := dbtest.New(t, "appointment")
	collector := metrics.NewMetricsCollector()
	guard := NewGuard(database, 0, collector)
	ctx := context.Background()

	seed(t, database, models.Appointment{
		ID: "a1", DoctorUserID: "d1", PatientUserID: "u1",
		Date: "2024-03-04", Slot: "10:00",
		StartTime: at(10, 0), EndTime: at(10, 30),
		Status: events.AppointmentApproved,
	})

	err := guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 15), End: at(10, 45)})
	require.ErrorIs(t, err, ErrAlreadyBooked)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "a1", conflict.Existing.ID)
	assert.Equal(t, int64(1), collector.Counter(metrics.CounterBookingConflicts))

	require.NoError(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 30), End: at(11, 0)}))
	require.NoError(t, guard.Check(ctx, Request{DoctorID: "d2", Start: at(10, 15), End: at(10, 45)}))
	require.NoError(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 15), End: at(10, 45), ExcludeID: "a1"}))
}

func TestCheckIgnoresInactiveAppointments(t *testing.T) {
	database := dbtest.New(t, "appointment")
	guard := NewGuard(database, 0, nil)
	deleted := time.Now().UTC()

	seed(t, database,
		models.Appointment{ID: "a1", DoctorUserID: "d1", StartTime: at(10, 0), EndTime: at(10, 30), Status: events.AppointmentCancelled},
		models.Appointment{ID: "a2", DoctorUserID: "d1", StartTime: at(10, 0), EndTime: at(10, 30), Status: events.AppointmentDenied},
		models.Appointment{ID: "a3", DoctorUserID: "d1", StartTime: at(10, 0), EndTime: at(10, 30), Status: events.AppointmentPending, DeletedAt: &deleted},
	)

	require.NoError(t, guard.Check(context.Background(), Request{DoctorID: "d1", Start: at(10, 0), End: at(10, 30)}))
}

func TestCheckDerivesDefaultEnd(t *testing.T) {
	database := dbtest.New(t, "appointment")
	guard := NewGuard(database, 0, nil)
	ctx := context.Background()

	seed(t, database, models.Appointment{ID: "a1", DoctorUserID: "d1", StartTime: at(10, 0), Status: events.AppointmentPending})

	require.ErrorIs(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 20)}), ErrAlreadyBooked)
	require.NoError(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 30)}))
	require.ErrorIs(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(9, 45)}), ErrAlreadyBooked)
}

func TestCheckRequiresIntervalOrSlot(t *testing.T) {
	guard := NewGuard(dbtest.New(t, "appointment"), 0, nil)

	err := guard.Check(context.Background(), Request{DoctorID: "d1", Date: "2024-03-04"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSlotRequestOnIntervalSchema(t *testing.T) {
	database := dbtest.New(t, "appointment")
	guard := NewGuard(database, 0, nil)

	seed(t, database, models.Appointment{ID: "a1", DoctorUserID: "d1", Date: "2024-03-04", Slot: "10:00", Status: events.AppointmentPending})

	err := guard.Check(context.Background(), Request{DoctorID: "d1", Date: "2024-03-04", Slot: "10:00"})
	require.ErrorIs(t, err, ErrAlreadyBooked)
	require.NoError(t, guard.Check(context.Background(), Request{DoctorID: "d1", Date: "2024-03-04", Slot: "10:30"}))
}

func legacyDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Exec(`CREATE TABLE appointments (
		id TEXT PRIMARY KEY,
		patient_user_id TEXT,
		doctor_user_id TEXT,
		date TEXT,
		slot TEXT,
		status TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`).Error)
	require.NoError(t, database.Exec(
		`INSERT INTO appointments (id, doctor_user_id, date, slot, status) VALUES (?, ?, ?, ?, ?)`,
		"a1", "d1", "2024-03-04", "10:00", events.AppointmentApproved,
	).Error)
	return database
}

func TestLegacySchemaFallsBackToSlotEquality(t *testing.T) {
	guard := NewGuard(legacyDB(t), 0, nil)
	ctx := context.Background()

	capability, err := guard.Capability(ctx)
	require.NoError(t, err)
	require.False(t, capability.Intervals)

	err = guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 0), Date: "2024-03-04", Slot: "10:00"})
	require.ErrorIs(t, err, ErrAlreadyBooked)
	require.NoError(t, guard.Check(ctx, Request{DoctorID: "d1", Date: "2024-03-04", Slot: "10:30"}))
}

func TestRefreshPicksUpSchemaMigration(t *testing.T) {
	database := legacyDB(t)
	guard := NewGuard(database, 0, nil)
	ctx := context.Background()

	capability, err := guard.Capability(ctx)
	require.NoError(t, err)
	require.False(t, capability.Intervals)

	require.NoError(t, database.AutoMigrate(&models.Appointment{}))

	capability, err = guard.Capability(ctx)
	require.NoError(t, err)
	require.False(t, capability.Intervals, "cached until refreshed")

	capability, err = guard.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, capability.Intervals)
}

func TestBookWritesOnlyWithoutConflict(t *testing.T) {
	database := dbtest.New(t, "appointment")
	guard := NewGuard(database, 0, nil)
	// the first Book probes the schema itself; a probe inside the
	// transaction would wait on the only connection until the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	write := func(id string, start *time.Time) func(tx *gorm.DB) error {
		return func(tx *gorm.DB) error {
			return tx.Create(&models.Appointment{ID: id, DoctorUserID: "d1", StartTime: start, Status: events.AppointmentPending}).Error
		}
	}

	require.NoError(t, guard.Book(ctx, Request{DoctorID: "d1", Start: at(10, 0)}, write("a1", at(10, 0))))
	err := guard.Book(ctx, Request{DoctorID: "d1", Start: at(10, 15)}, write("a2", at(10, 15)))
	require.ErrorIs(t, err, ErrAlreadyBooked)
	require.NoError(t, guard.Book(ctx, Request{DoctorID: "d1", Start: at(10, 30)}, write("a3", at(10, 30))))

	var ids []string
	require.NoError(t, database.Model(&models.Appointment{}).Order("id").Pluck("id", &ids).Error)
	require.Equal(t, []string{"a1", "a3"}, ids)
}

func TestIntervalCheckLoadsOnlyTheWindow(t *testing.T) {
	database := dbtest.New(t, "appointment")
	guard := NewGuard(database, 0, nil)
	ctx := context.Background()

	for day := 5; day < 25; day++ {
		start := time.Date(2024, 3, day, 10, 0, 0, 0, time.UTC)
		end := start.Add(30 * time.Minute)
		seed(t, database, models.Appointment{
			ID: fmt.Sprintf("h%02d", day), DoctorUserID: "d1",
			StartTime: &start, EndTime: &end, Status: events.AppointmentApproved,
		})
	}
	seed(t, database,
		models.Appointment{ID: "a1", DoctorUserID: "d1", StartTime: at(10, 0), EndTime: at(10, 30), Status: events.AppointmentApproved},
		models.Appointment{ID: "a2", DoctorUserID: "d1", StartTime: at(9, 0), Status: events.AppointmentPending},
	)

	_, err := guard.Refresh(ctx)
	require.NoError(t, err)

	var loaded []int64
	require.NoError(t, database.Callback().Query().After("gorm:query").Register("test:loaded", func(tx *gorm.DB) {
		if tx.Statement.Table == "appointments" {
			loaded = append(loaded, tx.Statement.RowsAffected)
		}
	}))

	require.ErrorIs(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 15)}), ErrAlreadyBooked)
	require.NoError(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(11, 0)}))
	require.ErrorIs(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(9, 20)}), ErrAlreadyBooked)
	assert.Equal(t, []int64{1, 0, 1}, loaded)
}

func TestIntervalCheckMatchesSlotOnlyRows(t *testing.T) {
	database := dbtest.New(t, "appointment")
	guard := NewGuard(database, 0, nil)
	ctx := context.Background()

	seed(t, database, models.Appointment{ID: "a1", DoctorUserID: "d1", Date: "2024-03-04", Slot: "10:00", Status: events.AppointmentPending})

	err := guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 0), Date: "2024-03-04", Slot: "10:00"})
	require.ErrorIs(t, err, ErrAlreadyBooked)
	require.NoError(t, guard.Check(ctx, Request{DoctorID: "d1", Start: at(10, 0)}))
}
