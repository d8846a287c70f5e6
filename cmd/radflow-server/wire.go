package main

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/config"
	"github.com/radflow/radflow/internal/domain/archive"
	"github.com/radflow/radflow/internal/domain/ingest"
	"github.com/radflow/radflow/internal/domain/lab"
	"github.com/radflow/radflow/internal/domain/patient"
	"github.com/radflow/radflow/internal/domain/study"
	"github.com/radflow/radflow/internal/platform/blobstore"
	"github.com/radflow/radflow/internal/platform/db"
	"github.com/radflow/radflow/internal/platform/jobqueue"
	"github.com/radflow/radflow/internal/platform/orthanc"
	"github.com/radflow/radflow/internal/platform/resultcache"
	"github.com/radflow/radflow/internal/platform/secrets"
	"github.com/radflow/radflow/internal/platform/telemetry"
	"github.com/radflow/radflow/internal/platform/websocket"
)

// topicStudies carries every study and archive event.
const topicStudies = "studies"

// store is the relational side: repositories plus the transaction runner
// the upsert engine commits through. pool is nil for the memory backend.
type store struct {
	pool     *pgxpool.Pool
	tx       db.Transactor
	patients patient.Repository
	labs     lab.Repository
	studies  study.Repository
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, func(), error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return &store{
			tx:       db.NopTx{},
			patients: patient.NewMemoryRepo(),
			labs:     lab.NewMemoryRepo(),
			studies:  study.NewMemoryRepo(),
		}, func() {}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("connected to database")
	return &store{
		pool:     pool,
		tx:       db.NewTxRunner(pool),
		patients: patient.NewRepo(pool),
		labs:     lab.NewRepo(pool),
		studies:  study.NewRepo(pool),
	}, pool.Close, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, func(), error) {
	if cfg.StorageBackend == config.BackendMemory {
		return blobstore.NewInMemoryBlobStore(cfg.StorageBucket), func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	return blobstore.NewGCSBlobStore(client, cfg.StorageBucket, cfg.GCPProjectID), func() { _ = client.Close() }, nil
}

func openResultCache(ctx context.Context, cfg *config.Config) (resultcache.Cache, func(), error) {
	if cfg.ResultCacheBackend == config.BackendMemory {
		return resultcache.NewMemory(), func() {}, nil
	}
	client, err := firestore.NewClient(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create firestore client: %w", err)
	}
	return resultcache.NewFirestore(client, cfg.ResultCacheCollection), func() { _ = client.Close() }, nil
}

func resolveOrthancPassword(ctx context.Context, cfg *config.Config) (string, error) {
	return secrets.Access(ctx, cfg.GCPProjectID, cfg.OrthancPasswordSecret)
}

func archiveURLs(cfg *config.Config) blobstore.URLBuilder {
	return blobstore.NewURLBuilder(cfg.StoragePublicURL, cfg.StorageCDNDomain, cfg.StorageBucket)
}

// backends bundles every external dependency the server talks to.
type backends struct {
	*store
	blobs   blobstore.BlobStore
	cache   resultcache.Cache
	closers []func()
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	s, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.store = s
	b.closers = append(b.closers, closeStore)

	blobs, closeBlobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.blobs = blobs
	b.closers = append(b.closers, closeBlobs)

	cache, closeCache, err := openResultCache(ctx, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.cache = cache
	b.closers = append(b.closers, closeCache)

	return b, nil
}

// Close releases backends in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// app is the wired service: both job queues and everything behind the HTTP
// routes.
type app struct {
	cfg          *config.Config
	metrics      *telemetry.Provider
	orthanc      *orthanc.Client
	hub          *websocket.Hub
	ingestQueue  *ingest.Queue
	ingestSvc    *ingest.Service
	archiveQueue *archive.Queue
	archiveSvc   *archive.Service
	cleaner      *archive.Cleaner
}

func newApp(cfg *config.Config, b *backends, logger zerolog.Logger) *app {
	client := orthanc.NewClient(orthanc.Options{
		BaseURL:        cfg.OrthancURL,
		Username:       cfg.OrthancUsername,
		Password:       cfg.OrthancPassword,
		Timeout:        cfg.OrthancTimeout,
		ArchiveTimeout: cfg.OrthancArchiveTimeout,
	}, logger)

	metrics := telemetry.NewProvider()
	hub := websocket.NewHub(logger)
	notifier := &hubNotifier{hub: hub, logger: logger.With().Str("component", "notifier").Logger()}
	urls := archiveURLs(cfg)

	// Archive side
	builder := archive.NewBuilder(b.studies, client, b.blobs, urls, cfg.ArchiveExpiry(), logger)
	builder.SetReadyHook(notifier.ArchiveReady)
	archiveQueue := jobqueue.New[study.ArchiveRequest, archive.Result](jobqueue.Config{
		Name:         "archive",
		Concurrency:  cfg.ArchiveConcurrency,
		PollInterval: cfg.ArchivePollInterval,
		Observe:      metrics.ObserveJob,
	}, builder.Build, logger)
	archiveSvc := archive.NewService(archiveQueue, b.studies, logger)
	archiveSvc.SetResultCache(b.cache, cfg.ResultTTL)

	// Ingestion side
	engine := study.NewEngine(b.studies, b.tx, logger)
	engine.SetArchiveScheduler(archiveSvc)
	engine.SetNotifier(notifier)

	pipeline := ingest.NewPipeline(
		ingest.NewAggregator(client, logger),
		patient.NewResolver(b.patients, logger),
		lab.NewResolver(b.labs, logger),
		engine,
		b.cache,
		cfg.ResultTTL,
		logger,
	)
	ingestQueue := jobqueue.New[ingest.Payload, ingest.Result](jobqueue.Config{
		Name:         "ingest",
		Concurrency:  cfg.IngestConcurrency,
		PollInterval: cfg.IngestPollInterval,
		Observe:      metrics.ObserveJob,
	}, pipeline.Handle, logger)
	ingestQueue.OnFinish(pipeline.CacheResult)

	ingestSvc := ingest.NewService(ingestQueue, b.cache, logger)
	ingestSvc.AddTracker(ingest.TrackerFunc(func(requestID string) (*ingest.JobStatus, bool) {
		job, ok := archiveSvc.Lookup(requestID)
		if !ok {
			return nil, false
		}
		return ingest.StatusOf(job), true
	}))

	metrics.WatchQueue(ingestQueue.Stats)
	metrics.WatchQueue(archiveQueue.Stats)
	metrics.GaugeFunc("websocket_clients", "Connected websocket clients.", func() float64 {
		return float64(hub.ClientCount())
	})
	metrics.GaugeFunc("websocket_dropped_events", "Event deliveries skipped for slow clients.", func() float64 {
		return float64(hub.Dropped())
	})
	if b.pool != nil {
		pool := b.pool
		metrics.GaugeFunc("db_pool_acquired_connections", "Connections currently checked out of the pool.", func() float64 {
			return float64(pool.Stat().AcquiredConns())
		})
	}

	return &app{
		cfg:          cfg,
		metrics:      metrics,
		orthanc:      client,
		hub:          hub,
		ingestQueue:  ingestQueue,
		ingestSvc:    ingestSvc,
		archiveQueue: archiveQueue,
		archiveSvc:   archiveSvc,
		cleaner:      archive.NewCleaner(b.studies, b.blobs, urls, logger),
	}
}

func (a *app) registerRoutes(e *echo.Echo, b *backends) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if b.pool != nil {
		pool := b.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	} else {
		e.GET("/health/db", db.HealthHandler(memoryPinger{}, nil))
	}
	e.GET("/metrics", a.metrics.Handler())

	// Archive webhooks and archive jobs
	orthancGroup := e.Group("/orthanc")
	ingest.NewHandler(a.ingestSvc, a.orthanc).RegisterRoutes(orthancGroup)
	archive.NewHandler(a.archiveSvc, b.blobs).RegisterRoutes(orthancGroup)

	// Read API
	apiV1 := e.Group("/api/v1")
	study.NewHandler(b.studies).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(b.blobs).RegisterRoutes(apiV1)

	websocket.NewWebSocketHandler(a.hub, topicStudies).RegisterRoutes(e.Group(""))
}

// drain waits for both queues to finish their in-flight and waiting jobs.
// Ingestion drains first because it can still schedule archive jobs.
func (a *app) drain(ctx context.Context) error {
	if err := a.ingestQueue.Wait(ctx); err != nil {
		return fmt.Errorf("drain ingest queue: %w", err)
	}
	if err := a.archiveQueue.Wait(ctx); err != nil {
		return fmt.Errorf("drain archive queue: %w", err)
	}
	return nil
}

type memoryPinger struct{}

func (memoryPinger) Ping(context.Context) error { return nil }

// hubNotifier publishes study changes and finished archives to websocket
// subscribers of the studies topic.
type hubNotifier struct {
	hub    *websocket.Hub
	logger zerolog.Logger
}

func (n *hubNotifier) NotifyNewStudy(ctx context.Context, s study.Summary) error {
	return n.hub.Notify(ctx, topicStudies, "new_study", "Study", s.StudyID.String(), s)
}

func (n *hubNotifier) NotifySimpleNewStudy(ctx context.Context) error {
	return n.hub.Notify(ctx, topicStudies, "study_list_changed", "Study", "", nil)
}

func (n *hubNotifier) ArchiveReady(ctx context.Context, r archive.Result) {
	if err := n.hub.Notify(ctx, topicStudies, "archive_ready", "Study", r.StudyID.String(), r); err != nil {
		n.logger.Warn().Err(err).Str("orthanc_study_id", r.OrthancStudyID).Msg("archive_ready notification failed")
	}
}
