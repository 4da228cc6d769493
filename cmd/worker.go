package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/healthconnect/config"
	"example.com/healthconnect/internal/booking"
	"example.com/healthconnect/internal/cache"
	"example.com/healthconnect/internal/db"
	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/metrics"
	"example.com/healthconnect/internal/projections"
	"example.com/healthconnect/internal/search"
	"example.com/healthconnect/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the projection worker",
	Long: `Consume the topics the service subscribes to, from the earliest offset,
and apply every event to the service's read model. Scheduled jobs refresh the
booking capability and log metric snapshots.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	registry := events.DefaultRegistry()
	topics := registry.Subscriptions(cfg.Service)
	if len(topics) == 0 {
		return errors.Errorf("service %s consumes no topics", cfg.Service)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	collector := metrics.NewMetricsCollector()

	database, err := db.Connect(cfg.DB, collector)
	if err != nil {
		return err
	}
	if err := db.Migrate(database, cfg.Service); err != nil {
		return err
	}

	directory, err := cache.NewDirectory(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		directory, _ = cache.NewDirectory(config.RedisConfig{})
	}
	defer directory.Close()

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	defer tracer.Close()

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search mirror")
		elasticClient, _ = search.NewElasticClient(config.ElasticConfig{})
	}

	bus, err := newBusClient(cfg, collector)
	if err != nil {
		return err
	}
	defer bus.Close()

	applier, err := projections.NewApplier(database, cfg.Service, projections.Options{
		Registry:  registry,
		Emitter:   bus,
		Directory: directory,
		Mirror:    elasticClient,
		Tracer:    tracer,
		Metrics:   collector,
	})
	if err != nil {
		return err
	}

	var guard *booking.Guard
	if cfg.Service == events.ServiceAppointment {
		guard = booking.NewGuard(database, cfg.Booking.DefaultDuration, collector)
		if _, err := guard.Refresh(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	sub := bus.Consume(ctx, events.ConsumerGroup(cfg.Service), topics, applier.Handle)
	if sub == nil {
		log.Warn().Strs("topics", topics).Msg("Consumer disabled, projections will not update until restart")
	} else {
		log.Info().Strs("topics", topics).Str("group", events.ConsumerGroup(cfg.Service)).Msg("Consuming")
		g.Go(func() error {
			<-sub.Done()
			if ctx.Err() == nil {
				return errors.New("consumer stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if err := scheduleJobs(ctx, scheduler, cfg, collector, guard); err != nil {
			return err
		}
		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Flush(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Pending publishes not flushed")
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// scheduleJobs registers the metrics snapshot and, when a guard is given,
// the booking capability refresh
func scheduleJobs(ctx context.Context, scheduler gocron.Scheduler, c config.Config, collector *metrics.MetricsCollector, guard *booking.Guard) error {
	if _, err := scheduler.NewJob(
		gocron.DurationJob(c.Metrics.ReportInterval),
		gocron.NewTask(func() {
			log.Info().Fields(collector.GetMetrics()).Msg("Metrics snapshot")
		}),
		gocron.WithName("metrics-snapshot"),
	); err != nil {
		return errors.Wrap(err, "failed to schedule metrics snapshot")
	}

	if guard == nil {
		return nil
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(c.Booking.CapabilityRefresh),
		gocron.NewTask(func() {
			if _, err := guard.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to refresh booking capability")
			}
		}),
		gocron.WithName("booking-capability-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return errors.Wrap(err, "failed to schedule capability refresh")
	}
	return nil
}
