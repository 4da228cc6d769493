package projections

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/healthconnect/internal/assignment"
	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/messagebus"
	"example.com/healthconnect/internal/metrics"
	"example.com/healthconnect/internal/models"
	"example.com/healthconnect/internal/tracing"
)

// Row kinds, also used as cache key prefixes and search index names
const (
	KindUsers         = "users"
	KindPatients      = "patients"
	KindAssignments   = "assignments"
	KindAppointments  = "appointments"
	KindPrescriptions = "prescriptions"
)

var (
	// ErrNoRoute is returned for an event this service does not project
	ErrNoRoute = errors.New("no projection for event")
	// ErrUnknownService is returned when the registry has no such service
	ErrUnknownService = errors.New("unknown service")
)

// Directory is the shared user directory cache
type Directory interface {
	GetUser(ctx context.Context, id string) (*models.UserDirectoryEntry, error)
	PutUser(ctx context.Context, entry *models.UserDirectoryEntry) error
	Invalidate(ctx context.Context, kind, id string) error
}

// Mirror receives every committed projection row
type Mirror interface {
	Index(ctx context.Context, kind, id string, doc interface{}) error
}

// Change is a row written by a projection
type Change struct {
	Kind string
	ID   string
	Row  interface{}
}

// Effects is what a handler leaves to do once its transaction commits
type Effects struct {
	Outbound []events.Outbound
	Changes  []Change
}

func (e *Effects) emit(out ...events.Outbound) {
	e.Outbound = append(e.Outbound, out...)
}

func (e *Effects) changed(kind, id string, row interface{}) {
	e.Changes = append(e.Changes, Change{Kind: kind, ID: id, Row: row})
}

func (e *Effects) assignments(rows ...models.Assignment) {
	for _, row := range rows {
		e.changed(KindAssignments, row.DoctorID+"/"+row.PatientID, row)
	}
}

type handler func(ctx context.Context, tx *Store, evt events.Event) (Effects, error)

// Options configures an Applier. Zero values are replaced by no-op or
// default collaborators.
type Options struct {
	Registry  *events.Registry
	Emitter   assignment.Emitter
	Directory Directory
	Mirror    Mirror
	Tracer    tracing.Tracer
	Metrics   *metrics.MetricsCollector
	Now       func() time.Time
}

// Applier turns consumed events into idempotent writes on a service's read
// model. Compensating events produced by cascades are published after the
// transaction commits, and only when the service owns them.
type Applier struct {
	service   string
	store     *Store
	assign    *assignment.Coordinator
	registry  *events.Registry
	emitter   assignment.Emitter
	directory Directory
	mirror    Mirror
	tracer    tracing.Tracer
	metrics   *metrics.MetricsCollector
	now       func() time.Time
	routes    map[events.Route]handler
	tables    map[string]bool
	log       zerolog.Logger
}

type tabler interface {
	TableName() string
}

// NewApplier creates the applier of service. It projects the topics the
// service subscribes to and the topics it produces, the latter for the
// owner's own write path.
func NewApplier(db *gorm.DB, service string, opts Options) (*Applier, error) {
	if opts.Registry == nil {
		opts.Registry = events.DefaultRegistry()
	}
	if !opts.Registry.Known(service) {
		return nil, errors.Wrapf(ErrUnknownService, "%q", service)
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Disabled()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetricsCollector()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Applier{
		service:   service,
		store:     NewStore(db),
		assign:    assignment.NewCoordinator(db, nil),
		registry:  opts.Registry,
		emitter:   opts.Emitter,
		directory: opts.Directory,
		mirror:    opts.Mirror,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		now:       opts.Now,
		log:       log.With().Str("component", "projections").Str("service", service).Logger(),
	}

	topics := map[string]bool{}
	for _, topic := range opts.Registry.Subscriptions(service) {
		topics[topic] = true
	}
	for _, route := range opts.Registry.Produces(service) {
		topics[route.Topic] = true
	}

	a.tables = map[string]bool{}
	for _, model := range models.ForService(service) {
		if t, ok := model.(tabler); ok {
			a.tables[t.TableName()] = true
		}
	}

	a.routes = map[events.Route]handler{}
	for route, h := range a.handlers() {
		if topics[route.Topic] {
			a.routes[route] = h
		}
	}
	return a, nil
}

// Store returns the applier's store
func (a *Applier) Store() *Store {
	return a.store
}

// keeps reports whether the service's schema has the model's table
func (a *Applier) keeps(model tabler) bool {
	return a.tables[model.TableName()]
}

// Handles reports whether the applier projects typ on topic
func (a *Applier) Handles(topic, typ string) bool {
	_, ok := a.routes[events.Route{Topic: topic, Type: typ}]
	return ok
}

// Handle adapts Apply to a message bus handler
func (a *Applier) Handle(ctx context.Context, d messagebus.Delivery) error {
	return a.Apply(ctx, d.Topic, d.Event)
}

// Apply projects evt in one transaction, then publishes the owned
// compensating events, invalidates cached rows and mirrors the changes.
func (a *Applier) Apply(ctx context.Context, topic string, evt events.Event) error {
	name := topic + "/" + evt.EventType()
	h, ok := a.routes[events.Route{Topic: topic, Type: evt.EventType()}]
	if !ok {
		return errors.Wrapf(ErrNoRoute, "%s on %s", name, a.service)
	}

	ctx, trace := a.tracer.StartProjection(ctx, a.service, topic, evt)
	defer trace.End()

	start := time.Now()
	var effects Effects
	err := a.store.Transaction(ctx, func(tx *Store) error {
		var err error
		effects, err = h(ctx, tx, evt)
		return err
	})
	a.metrics.RecordProjection(name, err == nil, time.Since(start))
	if err != nil {
		trace.Fail(err)
		return errors.Wrapf(err, "failed to apply %s", name)
	}

	a.log.Debug().
		Str("topic", topic).
		Str("event_type", evt.EventType()).
		Str("aggregate_id", evt.AggregateID()).
		Int("changes", len(effects.Changes)).
		Int("outbound", len(effects.Outbound)).
		Msg("Projection applied")

	done := trace.Segment("after-commit")
	a.afterCommit(ctx, effects)
	done()
	return nil
}

func (a *Applier) afterCommit(ctx context.Context, effects Effects) {
	var owned []events.Outbound
	for _, out := range effects.Outbound {
		if a.registry.CanProduce(a.service, out.Event.Topic(), out.Event.EventType()) {
			owned = append(owned, out)
		}
	}
	if len(owned) > 0 && a.emitter != nil {
		a.metrics.IncrementCounter(metrics.CounterCompensatingEvents, int64(len(owned)))
		a.emitter.PublishAll(ctx, owned)
	}

	for _, c := range effects.Changes {
		if a.directory != nil {
			a.refreshCached(ctx, c)
		}
		if a.mirror != nil && c.Row != nil {
			if err := a.mirror.Index(ctx, c.Kind, c.ID, c.Row); err != nil {
				a.log.Warn().Err(err).Str("kind", c.Kind).Str("id", c.ID).Msg("Failed to mirror row")
			}
		}
	}
}

// refreshCached writes user rows through to the directory and drops any
// other cached row
func (a *Applier) refreshCached(ctx context.Context, c Change) {
	if entry, ok := c.Row.(*models.UserDirectoryEntry); ok {
		if err := a.directory.PutUser(ctx, entry); err != nil {
			a.log.Warn().Err(err).Str("id", c.ID).Msg("Failed to cache user")
		}
		return
	}
	if err := a.directory.Invalidate(ctx, c.Kind, c.ID); err != nil {
		a.log.Warn().Err(err).Str("kind", c.Kind).Str("id", c.ID).Msg("Failed to invalidate cached row")
	}
}

// deletedAt returns the event's own deletion time, else local time
func (a *Applier) deletedAt(evt events.Event, stamped *time.Time) time.Time {
	if stamped != nil {
		return stamped.UTC()
	}
	a.log.Warn().
		Str("topic", evt.Topic()).
		Str("event_type", evt.EventType()).
		Str("aggregate_id", evt.AggregateID()).
		Msg("Deletion carries no deletedAt, stamping local time")
	return a.now().UTC()
}
