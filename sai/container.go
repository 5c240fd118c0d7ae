package sai

import (
	"sync/atomic"

	"github.com/saiset-co/sai-story-cache/cache"
	"github.com/saiset-co/sai-story-cache/cron"
	"github.com/saiset-co/sai-story-cache/database"
	"github.com/saiset-co/sai-story-cache/invalidation"
	"github.com/saiset-co/sai-story-cache/metrics"
	"github.com/saiset-co/sai-story-cache/server"
	"github.com/saiset-co/sai-story-cache/structure"
	"github.com/saiset-co/sai-story-cache/types"
)

// Container holds the components built by the service. It is owned by one
// Service and handed out through Service.Container; there is no package
// level instance. Optional ones (exporter, store, cron, server) stay nil
// when disabled.
type Container struct {
	Config       atomic.Pointer[types.ConfigManager]
	Logger       atomic.Pointer[types.Logger]
	Collector    atomic.Pointer[metrics.Collector]
	Exporter     atomic.Pointer[metrics.Exporter]
	Store        atomic.Pointer[database.CloverStore]
	Cache        atomic.Pointer[cache.TieredCache]
	Structure    atomic.Pointer[structure.Cache]
	Invalidation atomic.Pointer[invalidation.Router]
	Broadcaster  atomic.Pointer[invalidation.Broadcaster]
	Cron         atomic.Pointer[cron.Manager]
	Router       atomic.Pointer[server.Router]
	HTTPServer   atomic.Pointer[server.HTTPServer]
}

func InitContainer() *Container {
	return &Container{}
}

func (c *Container) SetConfig(config types.ConfigManager) {
	c.Config.Store(&config)
}

func (c *Container) SetLogger(logger types.Logger) {
	c.Logger.Store(&logger)
}

func (c *Container) GetLogger() types.Logger {
	if ptr := c.Logger.Load(); ptr != nil {
		return *ptr
	}
	return nil
}
