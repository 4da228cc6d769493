package db

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/healthconnect/internal/metrics"
)

const startTimeKey = "metrics:start_time"

// Query types recorded by the metrics hooks
const (
	QueryTypeInsert = "insert"
	QueryTypeSelect = "select"
	QueryTypeUpdate = "update"
	QueryTypeDelete = "delete"
	QueryTypeRaw    = "raw"
)

// RegisterMetricsHooks times every create, query, update, delete and raw
// statement and records it on collector.
func RegisterMetricsHooks(db *gorm.DB, collector *metrics.MetricsCollector) error {
	record := func(queryType string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			collector.RecordDatabaseQuery(queryType, tx.Error == nil || errors.Is(tx.Error, gorm.ErrRecordNotFound), elapsed(tx))
		}
	}

	cb := db.Callback()
	hooks := []struct {
		queryType string
		before    error
		after     error
	}{
		{
			queryType: QueryTypeInsert,
			before:    cb.Create().Before("gorm:create").Register("metrics:before_create", markStart),
			after:     cb.Create().After("gorm:create").Register("metrics:after_create", record(QueryTypeInsert)),
		},
		{
			queryType: QueryTypeSelect,
			before:    cb.Query().Before("gorm:query").Register("metrics:before_query", markStart),
			after:     cb.Query().After("gorm:query").Register("metrics:after_query", record(QueryTypeSelect)),
		},
		{
			queryType: QueryTypeUpdate,
			before:    cb.Update().Before("gorm:update").Register("metrics:before_update", markStart),
			after:     cb.Update().After("gorm:update").Register("metrics:after_update", record(QueryTypeUpdate)),
		},
		{
			queryType: QueryTypeDelete,
			before:    cb.Delete().Before("gorm:delete").Register("metrics:before_delete", markStart),
			after:     cb.Delete().After("gorm:delete").Register("metrics:after_delete", record(QueryTypeDelete)),
		},
		{
			queryType: QueryTypeRaw,
			before:    cb.Raw().Before("gorm:raw").Register("metrics:before_raw", markStart),
			after:     cb.Raw().After("gorm:raw").Register("metrics:after_raw", record(QueryTypeRaw)),
		},
	}

	for _, h := range hooks {
		if h.before != nil {
			return errors.Wrapf(h.before, "failed to register %s timer", h.queryType)
		}
		if h.after != nil {
			return errors.Wrapf(h.after, "failed to register %s metrics", h.queryType)
		}
	}
	return nil
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func elapsed(tx *gorm.DB) time.Duration {
	if start, ok := tx.InstanceGet(startTimeKey); ok {
		return time.Since(start.(time.Time))
	}
	return 0
}
