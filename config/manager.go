package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-story-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      atomic.Pointer[types.ServiceConfig]
	parser      atomic.Pointer[Parser]
	configPath  string
	loader      *Loader
	state       atomic.Value
	mu          sync.RWMutex
	loadTimeout time.Duration
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	cm := newManager(ctx, configPath)

	if err := cm.Load(); err != nil {
		cm.cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// NewConfigurationManagerFromBytes builds a manager from an in-memory YAML
// document. Load is a no-op for managers built this way.
func NewConfigurationManagerFromBytes(ctx context.Context, data []byte) (*ConfigurationManager, error) {
	cm := newManager(ctx, "")

	config, rawData, err := cm.loader.LoadFromBytes(data)
	if err != nil {
		cm.cancel()
		return nil, types.WrapError(err, "failed to load configuration")
	}

	cm.store(config, rawData)

	return cm, nil
}

func newManager(ctx context.Context, configPath string) *ConfigurationManager {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}
	cm.state.Store(StateStopped)

	return cm
}

func (cm *ConfigurationManager) Start() error {
	if !cm.transitionState(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}
	cm.cancel()
	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *ConfigurationManager) Load() error {
	if cm.configPath == "" {
		return nil
	}

	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, rawData, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		if loadCtx.Err() != nil {
			return types.WrapError(loadCtx.Err(), "configuration load timeout")
		}
		return types.WrapError(err, "failed to load configuration from file")
	}

	cm.store(config, rawData)

	return nil
}

func (cm *ConfigurationManager) store(config *types.ServiceConfig, rawData map[string]interface{}) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.config.Store(config)
	cm.parser.Store(NewParser(rawData))
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Load()
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	parser := cm.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	parser := cm.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}

func (cm *ConfigurationManager) GetAllPaths() ([]string, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	parser := cm.parser.Load()
	if parser == nil {
		return nil, types.ErrConfigIsNil
	}
	return parser.GetAllPaths(), nil
}

func (cm *ConfigurationManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *ConfigurationManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}
