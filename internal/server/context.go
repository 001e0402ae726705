package server

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/otcheredev/dicom-archive/internal/bus"
	"github.com/otcheredev/dicom-archive/internal/cache"
	"github.com/otcheredev/dicom-archive/internal/config"
	"github.com/otcheredev/dicom-archive/internal/database"
	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/index"
	"github.com/otcheredev/dicom-archive/internal/ingest"
	"github.com/otcheredev/dicom-archive/internal/lookup"
	"github.com/otcheredev/dicom-archive/internal/scheduler"
	"github.com/otcheredev/dicom-archive/internal/storage"
	"github.com/otcheredev/dicom-archive/pkg/dimse"
)

// Context owns every process-wide subsystem of the archive. There are no
// hidden singletons: entry points receive the context explicitly, and
// Finalize tears everything down in reverse order.
type Context struct {
	Config     *config.Config
	DB         *gorm.DB
	Index      *index.Index
	Accessor   *storage.Accessor
	ByteCache  cache.Cache
	Bus        *bus.Bus
	Dispatcher *bus.Dispatcher
	Recycler   *index.Recycler
	Ingest     *ingest.Coordinator
	Lookup     *lookup.Engine
	Scheduler  *scheduler.Scheduler
	Peers      *dimse.Pool

	kafka *bus.KafkaExporter
}

// Initialize wires the archive from its configuration.
func Initialize(cfg *config.Config) (*Context, error) {
	dicom.SetFallbackEncoding(cfg.Dicom.DefaultCharset)

	db, err := database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	})
	if err != nil {
		return nil, err
	}

	store, err := storage.NewFilesystemStore(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}
	compression := storage.CompressionNone
	if cfg.Storage.Compression {
		compression = storage.CompressionZlib
	}

	ctx := &Context{
		Config:   cfg,
		DB:       db,
		Index:    index.New(db),
		Accessor: storage.NewAccessor(store, compression, cfg.Storage.ComputeMD5),
		Bus:      bus.New(),
		Recycler: &index.Recycler{
			MaxPatientCount: cfg.Quota.MaxPatientCount,
			MaxStorageSize:  cfg.Quota.MaxStorageSize,
		},
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.Type == "redis" {
			addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			ctx.ByteCache, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return nil, err
			}
			log.Info().Msg("Redis cache initialized")
		} else {
			ctx.ByteCache = cache.NewMemoryCache()
			log.Info().Msg("Memory cache initialized")
		}
	}

	ctx.Dispatcher = bus.NewDispatcher(ctx.Bus, 256)
	ctx.Ingest = ingest.NewCoordinator(ctx.Index, ctx.Accessor, ctx.Bus, ctx.Dispatcher,
		ctx.Recycler, cfg.Cache.DatasetCapacity)
	if ctx.ByteCache != nil {
		ctx.Ingest.WithByteCache(ctx.ByteCache)
	}
	ctx.Lookup = lookup.NewEngine(ctx.Index, ctx.Accessor, ctx.ByteCache)
	ctx.Scheduler = scheduler.New(cfg.Dicom.SchedulerWorkers, cfg.Dicom.MaxQueuedBytes)
	ctx.Peers = dimse.NewPool(cfg.Dicom.AETitle, 0, cfg.Dicom.CloseDelay)

	if len(cfg.Kafka.Brokers) > 0 {
		ctx.kafka = bus.NewKafkaExporter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		ctx.Bus.Register("kafka-changes", ctx.kafka)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).
			Msg("Kafka change exporter registered")
	}

	ctx.Dispatcher.Start()
	ctx.Scheduler.Start()
	return ctx, nil
}

// Finalize stops background tasks and releases every resource.
func (c *Context) Finalize() error {
	c.Scheduler.Stop()
	c.Dispatcher.Stop()
	c.Peers.Close()
	if c.kafka != nil {
		if err := c.kafka.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Kafka exporter")
		}
	}
	if c.ByteCache != nil {
		if err := c.ByteCache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close byte cache")
		}
	}
	return database.Close(c.DB)
}
