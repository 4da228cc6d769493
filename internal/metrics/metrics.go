package metrics

import (
	"sync"
	"time"
)

// Counter names
const (
	CounterMessagesPublished  = "messages_published"
	CounterMessagesDropped    = "messages_dropped"
	CounterMessagesReceived   = "messages_received"
	CounterMessagesSkipped    = "messages_skipped"
	CounterMessagesError      = "messages_error"
	CounterProjectionsApplied = "projections_applied"
	CounterProjectionsFailed  = "projections_failed"
	CounterCompensatingEvents = "compensating_events"
	CounterBookingConflicts   = "booking_conflicts"
	CounterDBQueriesTotal     = "db_queries_total"
	CounterDBQueriesError     = "db_queries_error"
	CounterErrorsTotal        = "errors_total"
)

// Gauge names
const (
	GaugePublisherDisabled = "publisher_disabled"
	GaugeConsumerDisabled  = "consumer_disabled"
	GaugeInflightSends     = "inflight_sends"
)

// Message bus operations
const (
	MessageBusOperationConnect = "connect"
	MessageBusOperationSend    = "send"
	MessageBusOperationReceive = "receive"
	MessageBusOperationHandle  = "handle"
)

// Error types
const (
	ErrorTypeDatabase   = "database"
	ErrorTypeMessageBus = "message_bus"
	ErrorTypeProjection = "projection"
	ErrorTypeMalformed  = "malformed_message"
)

// MetricsCollector keeps process-local counters, gauges and latency samples
type MetricsCollector struct {
	mutex sync.RWMutex

	counters            map[string]int64
	gauges              map[string]float64
	messageBusCounts    map[string]int64
	messageBusLatencies map[string][]time.Duration
	projectionCounts    map[string]int64
	projectionLatencies map[string][]time.Duration
	databaseQueryCounts map[string]int64
	databaseLatencies   map[string][]time.Duration
	errorCounts         map[string]int64

	startTime           time.Time
	maxHistogramSamples int
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:            make(map[string]int64),
		gauges:              make(map[string]float64),
		messageBusCounts:    make(map[string]int64),
		messageBusLatencies: make(map[string][]time.Duration),
		projectionCounts:    make(map[string]int64),
		projectionLatencies: make(map[string][]time.Duration),
		databaseQueryCounts: make(map[string]int64),
		databaseLatencies:   make(map[string][]time.Duration),
		errorCounts:         make(map[string]int64),
		startTime:           time.Now(),
		maxHistogramSamples: 1000,
	}
}

// IncrementCounter increments a counter by the given value
func (m *MetricsCollector) IncrementCounter(name string, value int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.counters[name] += value
}

// SetGauge sets a gauge to the given value
func (m *MetricsCollector) SetGauge(name string, value float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gauges[name] = value
}

// AddGauge adds delta to a gauge
func (m *MetricsCollector) AddGauge(name string, delta float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gauges[name] += delta
}

// Counter returns the current value of a counter
func (m *MetricsCollector) Counter(name string) int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.counters[name]
}

// Gauge returns the current value of a gauge
func (m *MetricsCollector) Gauge(name string) float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.gauges[name]
}

// RecordMessageBusOperation records metrics for a message bus operation
func (m *MetricsCollector) RecordMessageBusOperation(operation string, success bool, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.messageBusCounts[operation]++

	switch operation {
	case MessageBusOperationSend:
		if success {
			m.counters[CounterMessagesPublished]++
		}
	case MessageBusOperationReceive:
		m.counters[CounterMessagesReceived]++
	}

	if !success {
		m.counters[CounterMessagesError]++
		m.errorCounts[ErrorTypeMessageBus]++
	}

	m.messageBusLatencies[operation] = m.appendSample(m.messageBusLatencies[operation], latency)
}

// RecordProjection records one projection application for a topic/type route
func (m *MetricsCollector) RecordProjection(route string, success bool, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.projectionCounts[route]++
	if success {
		m.counters[CounterProjectionsApplied]++
	} else {
		m.counters[CounterProjectionsFailed]++
		m.errorCounts[ErrorTypeProjection]++
	}

	m.projectionLatencies[route] = m.appendSample(m.projectionLatencies[route], latency)
}

// RecordDatabaseQuery records metrics for a database query
func (m *MetricsCollector) RecordDatabaseQuery(queryType string, success bool, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.databaseQueryCounts[queryType]++
	m.counters[CounterDBQueriesTotal]++

	if !success {
		m.counters[CounterDBQueriesError]++
		m.errorCounts[ErrorTypeDatabase]++
	}

	m.databaseLatencies[queryType] = m.appendSample(m.databaseLatencies[queryType], latency)
}

// RecordError records an error of the given type
func (m *MetricsCollector) RecordError(errorType string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.errorCounts[errorType]++
	m.counters[CounterErrorsTotal]++
}

// appendSample must be called with the mutex held
func (m *MetricsCollector) appendSample(samples []time.Duration, latency time.Duration) []time.Duration {
	if samples == nil {
		samples = make([]time.Duration, 0, m.maxHistogramSamples)
	}
	if len(samples) >= m.maxHistogramSamples {
		samples = samples[1:]
	}
	return append(samples, latency)
}

// GetMetrics returns all collected metrics in a structured format
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"uptime_seconds":           time.Since(m.startTime).Seconds(),
		"counters":                 copyInts(m.counters),
		"gauges":                   copyFloats(m.gauges),
		"message_bus_counts":       copyInts(m.messageBusCounts),
		"message_bus_latencies_ms": averages(m.messageBusLatencies),
		"projection_counts":        copyInts(m.projectionCounts),
		"projection_latencies_ms":  averages(m.projectionLatencies),
		"database_query_counts":    copyInts(m.databaseQueryCounts),
		"database_latencies_ms":    averages(m.databaseLatencies),
		"error_counts":             copyInts(m.errorCounts),
	}
}

func averages(samples map[string][]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(samples))
	for name, latencies := range samples {
		if len(latencies) == 0 {
			continue
		}
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		out[name] = float64(sum.Milliseconds()) / float64(len(latencies))
	}
	return out
}

func copyInts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloats(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
