package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/workflow/cache"
	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/metrics"
	"example.com/backstage/services/workflow/projections"
	"example.com/backstage/services/workflow/readmodel"
	"example.com/backstage/services/workflow/search"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker running the projection engine, the snapshotter and the scheduled maintenance jobs`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search")
	}

	metricsCollector := metrics.NewMetrics()
	eventStore := eventstore.NewGormEventStore(db)
	eventStore.SetMetrics(metricsCollector)
	snapshotStore := eventstore.NewSnapshotStore(db)

	engine := projections.NewEngine(db, eventStore, metricsCollector,
		cfg.EventStore.ProjectionBatchSize, cfg.EventStore.ProjectionInterval)
	engine.Register(projections.NewWorkflowProjector(redisCache, elasticClient))

	g.Go(func() error {
		log.Info().Msg("Starting projection engine")
		return engine.Run(ctx)
	})

	snapshotter := eventstore.NewSnapshotter(db, eventStore, snapshotStore,
		cfg.EventStore.SnapshotFrequency, cfg.EventStore.SnapshotInterval)
	snapshotter.SetMetrics(metricsCollector)
	g.Go(func() error {
		log.Info().Msg("Starting snapshotter")
		return snapshotter.Run(ctx)
	})

	statsProvider := readmodel.NewStatsProvider(db, redisCache)
	cleaner := readmodel.NewCleaner(db, redisCache, elasticClient, cfg.EventStore.RetentionWindow)

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.EventStore.StatsRefreshInterval),
			gocron.NewTask(func() {
				if _, err := statsProvider.Refresh(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to refresh workflow stats")
				}
			}),
		)
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.EventStore.RetentionInterval),
			gocron.NewTask(func() {
				if _, err := cleaner.Run(ctx); err != nil {
					log.Error().Err(err).Msg("Retention cleanup failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		log.Info().Msg("Starting scheduled jobs")
		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
