package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/workflow/api"
	"example.com/backstage/services/workflow/cache"
	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/handlers"
	"example.com/backstage/services/workflow/messaging"
	"example.com/backstage/services/workflow/metrics"
	"example.com/backstage/services/workflow/migration"
	"example.com/backstage/services/workflow/projections"
	"example.com/backstage/services/workflow/readmodel"
	"example.com/backstage/services/workflow/search"
	"example.com/backstage/services/workflow/tracing"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	log.Info().Msg("Starting server")

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	publisher, err := messaging.NewPublisher(cfg.Azure)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event publisher")
	}

	metricsCollector := metrics.NewMetrics()
	eventStore := eventstore.NewGormEventStore(db)
	eventStore.SetMetrics(metricsCollector)
	snapshotStore := eventstore.NewSnapshotStore(db)

	workflowHandler := handlers.NewWorkflowHandler(eventStore, snapshotStore, publisher, tracer)
	readModels := readmodel.NewStore(db, redisCache, elasticClient)
	statsProvider := readmodel.NewStatsProvider(db, redisCache)
	cleaner := readmodel.NewCleaner(db, redisCache, elasticClient, cfg.EventStore.RetentionWindow)

	// The engine instance here only serves the admin endpoints; catch-up loops
	// run in the worker process.
	engine := projections.NewEngine(db, eventStore, metricsCollector,
		cfg.EventStore.ProjectionBatchSize, cfg.EventStore.ProjectionInterval)
	engine.Register(projections.NewWorkflowProjector(redisCache, elasticClient))

	migrator := migration.NewEngine(db, eventStore, metricsCollector)

	server := api.NewServer(cfg, db, workflowHandler, readModels, statsProvider, cleaner, engine, migrator, metricsCollector)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := publisher.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to close event publisher")
	}
	tracer.Close()

	log.Info().Msg("Server exited properly")
}
