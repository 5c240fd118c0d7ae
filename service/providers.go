package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-story-cache/cache"
	"github.com/saiset-co/sai-story-cache/cron"
	"github.com/saiset-co/sai-story-cache/database"
	"github.com/saiset-co/sai-story-cache/invalidation"
	"github.com/saiset-co/sai-story-cache/metrics"
	"github.com/saiset-co/sai-story-cache/server"
	"github.com/saiset-co/sai-story-cache/structure"
	"github.com/saiset-co/sai-story-cache/types"
)

const (
	JobStructureWarm = "structure-warm"
	JobFallbackPurge = "fallback-purge"
)

// registerProviders builds every component once, in dependency order.
func (s *Service) registerProviders(ctx context.Context, config *types.ServiceConfig, log types.Logger) error {
	collector := metrics.NewCollector()
	s.container.Collector.Store(collector)

	var exporter *metrics.Exporter
	if config.Metrics != nil && config.Metrics.Enabled {
		var err error
		exporter, err = metrics.NewExporter(log, collector, config.Metrics)
		if err != nil {
			return types.WrapError(err, "failed to register metrics exporter")
		}
		s.container.Exporter.Store(exporter)
	}

	loader := s.loader
	if loader == nil {
		store, err := database.NewManager(ctx, log, config.Database)
		if err != nil {
			return types.WrapError(err, "failed to register database")
		}
		s.container.Store.Store(store)
		loader = store
	}

	tiered, err := cache.NewTieredCache(log, collector, config.Cache)
	if err != nil {
		return types.WrapError(err, "failed to register cache")
	}
	s.container.Cache.Store(tiered)

	if exporter != nil {
		exporter.TrackTier(tiered.Name(), tiered.Stats)
	}

	structureCache, err := structure.NewCache(log, tiered, loader, config.Structure)
	if err != nil {
		return types.WrapError(err, "failed to register structure cache")
	}
	s.container.Structure.Store(structureCache)

	router := invalidation.NewRouter(log, tiered, structureCache.Revisions())
	s.container.Invalidation.Store(router)
	s.container.Broadcaster.Store(invalidation.NewBroadcaster())

	var cronManager *cron.Manager
	if config.Cron != nil && config.Cron.Enabled {
		cronManager, err = s.registerCron(ctx, config, log, exporter)
		if err != nil {
			return err
		}
		s.container.Cron.Store(cronManager)
	}

	httpRouter := server.NewRouter()
	httpRouter.Use(server.Recovery(log), server.RequestLogging(log))
	s.container.Router.Store(httpRouter)

	if config.Server != nil && config.Server.Enabled {
		deps := server.Dependencies{
			Cache:     tiered,
			Reporter:  collector,
			Structure: structureCache,
			Writes:    s,
		}
		if exporter != nil {
			deps.Metrics = exporter.Handler()
		}
		if cronManager != nil {
			deps.Jobs = cronManager
		}

		handlers, err := server.NewHandlers(ctx, log, deps)
		if err != nil {
			return types.WrapError(err, "failed to register handlers")
		}
		handlers.Register(httpRouter)

		httpServer, err := server.NewHTTPServer(ctx, log, config.Server, httpRouter)
		if err != nil {
			return types.WrapError(err, "failed to register HTTP server")
		}
		s.container.HTTPServer.Store(httpServer)
	}

	return nil
}

func (s *Service) registerCron(ctx context.Context, config *types.ServiceConfig, log types.Logger, exporter *metrics.Exporter) (*cron.Manager, error) {
	var cronManager *cron.Manager
	var err error

	if exporter != nil {
		cronManager, err = cron.NewManager(ctx, config.Cron, log, exporter.Registry())
	} else {
		cronManager, err = cron.NewManager(ctx, config.Cron, log, nil)
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to register cron manager")
	}

	if fallback := config.Cache.Fallback; fallback != nil && fallback.PurgeSchedule != "" {
		tiered := s.container.Cache.Load()
		err := cronManager.Add(JobFallbackPurge, fallback.PurgeSchedule, func(context.Context) error {
			if purged := tiered.PurgeExpired(); purged > 0 {
				log.Debug("Fallback entries purged", zap.Int("purged", purged))
			}
			return nil
		})
		if err != nil {
			return nil, types.WrapError(err, "failed to register fallback purge job")
		}
	}

	if warm := config.Structure.Warm; warm != nil && warm.Enabled {
		structureCache := s.container.Structure.Load()
		rootIDs := append([]string(nil), warm.RootIDs...)
		err := cronManager.Add(JobStructureWarm, warm.Schedule, func(jobCtx context.Context) error {
			return structureCache.Warm(jobCtx, rootIDs)
		})
		if err != nil {
			return nil, types.WrapError(err, "failed to register structure warm job")
		}
	}

	return cronManager, nil
}
