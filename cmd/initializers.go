package main

import (
	"fmt"
	"net/http"

	"tileflow/app/handler"
	"tileflow/app/router"
	"tileflow/internal/hub"
	"tileflow/internal/service"
	"tileflow/pkg/config"
	"tileflow/pkg/logger"
	asynqqueue "tileflow/pkg/queue/asynq"
	"tileflow/pkg/resource"
	pgstore "tileflow/pkg/store/postgres"
	pgmodel "tileflow/pkg/store/postgres/model"
	redisstore "tileflow/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
		logger.InfoCtx(app.ctx, "Logging system has been closed")
	})
	return nil
}

// initPostgres initializes the Postgres datastore
func (app *Application) initPostgres() error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		app.config.Postgres.Host,
		app.config.Postgres.Port,
		app.config.Postgres.User,
		app.config.Postgres.Password,
		app.config.Postgres.Database,
		app.config.Postgres.SSLMode,
	)

	ds, err := pgstore.NewDatastore(dsn)
	if err != nil {
		return err
	}

	if err := ds.GetDB().AutoMigrate(&pgmodel.Step{}); err != nil {
		return fmt.Errorf("failed to migrate step table: %w", err)
	}
	if err := ds.EnsureFunctions(app.ctx); err != nil {
		return fmt.Errorf("failed to install database functions: %w", err)
	}

	app.datastore = ds
	app.stepRepo = pgstore.NewStepRepository(ds)
	app.registerCleanup(func() {
		ds.Close()
		logger.InfoCtx(app.ctx, "Postgres connection has been closed")
	})

	return nil
}

// initRedis initializes Redis
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.dedup = redisstore.NewDedupRegistry(client)
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	return nil
}

// initExecutor initializes the asynq-backed task query executor
func (app *Application) initExecutor() error {
	executor, err := asynqqueue.NewExecutor(app.config, app.datastore)
	if err != nil {
		return err
	}
	app.executor = executor
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.hubClient = hub.NewClient(&app.config.Hub)
	app.progressBroker = service.NewProgressBroker()

	app.pool = resource.NewPool(map[resource.Resource]float64{
		resource.DBReader: app.config.Capacity.DBReaderACUs,
		resource.IOOut:    app.config.Capacity.IOOutACUs,
	})

	app.stepService = service.NewStepService(
		app.stepRepo,
		app.datastore,
		app.hubClient,
		app.executor,
		app.dedup,
		app.pool,
		app.progressBroker,
		app.config.Postgres.Schema,
	)

	// Finished task queries report back through the step service
	app.executor.OnUpdate(app.stepService.HandleTaskUpdate)

	app.statisticsService = service.NewStatisticsService(
		app.hubClient,
		app.datastore,
		app.stepRepo,
		app.config.Postgres.Schema,
	)

	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.stepHandler = handler.NewStepHandler(app.stepService, app.progressBroker)
	app.statisticsHandler = handler.NewStatisticsHandler(app.statisticsService)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	r := router.NewRouter(app.stepHandler, app.statisticsHandler)

	// Set Gin mode
	gin.SetMode(app.config.Server.Mode)

	// Create Gin engine
	app.ginEngine = gin.New()
	app.ginEngine.Use(gin.Recovery())

	// Setup routes
	r.Setup(app.ginEngine)

	// Create HTTP server
	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}

	return nil
}
