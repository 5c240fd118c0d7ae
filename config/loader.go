package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-story-cache/types"
)

// EnvRedisURL overrides cache.remote.url when set.
const EnvRedisURL = "REDIS_URL"

type Loader struct {
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
		lookupEnv: os.LookupEnv,
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.Errorf(types.ErrConfigNotFound, "file not found: %s", configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	rawData := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &rawData); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.applyEnv(config); err != nil {
		return nil, nil, err
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, rawData, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) applyEnv(config *types.ServiceConfig) error {
	url, ok := l.lookupEnv(EnvRedisURL)
	if !ok {
		return nil
	}

	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}

	if _, err := redis.ParseURL(url); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%s: %v", EnvRedisURL, err)
	}

	if config.Cache.Remote == nil {
		config.Cache.Remote = defaultRemote()
	}
	config.Cache.Remote.URL = url

	return nil
}

func defaultRemote() *types.RemoteTierConfig {
	return &types.RemoteTierConfig{
		KeyPrefix:    "",
		PoolSize:     10,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		ScanCount:    100,
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "story-cache",
		Version: "dev",
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			Name:   "story",
			Remote: defaultRemote(),
			Fallback: &types.FallbackConfig{
				MaxEntries:    1000,
				PurgeSchedule: "@every 1m",
			},
			Compression: &types.CompressionConfig{
				Enabled:   true,
				Threshold: 4096,
				Quality:   5,
			},
		},
		Structure: &types.StructureConfig{
			PublishedTTL: 1800,
			DraftTTL:     180,
			Warm: &types.WarmConfig{
				Enabled:     false,
				Schedule:    "@every 10m",
				Concurrency: 4,
			},
		},
		Metrics: &types.MetricsConfig{
			Enabled:   true,
			Namespace: "story_cache",
		},
		Server: &types.ServerConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            8090,
			ReadTimeout:     10,
			WriteTimeout:    10,
			ShutdownTimeout: 5,
		},
		Cron: &types.CronConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
		Database: &types.DatabaseConfig{
			Type: "clover",
		},
	}
}
