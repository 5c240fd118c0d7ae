package types

import (
	"time"
)

type ConfigManager interface {
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version" validate:"required"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger" validate:"required"`
	Cache     *CacheConfig     `yaml:"cache" json:"cache" validate:"required"`
	Structure *StructureConfig `yaml:"structure" json:"structure" validate:"required"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Server    *ServerConfig    `yaml:"server" json:"server"`
	Cron      *CronConfig      `yaml:"cron" json:"cron"`
	Database  *DatabaseConfig  `yaml:"database" json:"database"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Remote      *RemoteTierConfig  `yaml:"remote" json:"remote"`
	Fallback    *FallbackConfig    `yaml:"fallback" json:"fallback" validate:"required"`
	Compression *CompressionConfig `yaml:"compression" json:"compression"`
}

// RemoteTierConfig leaves URL empty to run fallback-only.
type RemoteTierConfig struct {
	URL          string        `yaml:"url" json:"url" validate:"omitempty,url"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size" validate:"min=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ScanCount    int64         `yaml:"scan_count" json:"scan_count" validate:"min=0"`
}

type FallbackConfig struct {
	MaxEntries    int    `yaml:"max_entries" json:"max_entries" validate:"min=1"`
	PurgeSchedule string `yaml:"purge_schedule" json:"purge_schedule"`
}

type CompressionConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	Threshold int  `yaml:"threshold" json:"threshold" validate:"min=0"`
	Quality   int  `yaml:"quality" json:"quality" validate:"min=0,max=11"`
}

type StructureConfig struct {
	PublishedTTL int         `yaml:"published_ttl" json:"published_ttl" validate:"min=1"`
	DraftTTL     int         `yaml:"draft_ttl" json:"draft_ttl" validate:"min=1"`
	Warm         *WarmConfig `yaml:"warm" json:"warm"`
}

type WarmConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Schedule    string   `yaml:"schedule" json:"schedule" validate:"required_if=Enabled true"`
	RootIDs     []string `yaml:"root_ids" json:"root_ids" validate:"dive,min=1"`
	Concurrency int      `yaml:"concurrency" json:"concurrency" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	Namespace string            `yaml:"namespace" json:"namespace"`
	Labels    map[string]string `yaml:"labels" json:"labels"`
}

type ServerConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=0,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type DatabaseConfig struct {
	Type string `yaml:"type" json:"type" validate:"omitempty,oneof=clover"`
	Path string `yaml:"path" json:"path"`
}
