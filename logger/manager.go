package logger

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-story-cache/types"
)

var (
	customLoggerCreators   = make(map[string]types.LoggerCreator)
	customLoggerCreatorsMu sync.RWMutex
)

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreatorsMu.Lock()
	defer customLoggerCreatorsMu.Unlock()
	customLoggerCreators[loggerName] = creator
}

func NewLogger(config types.ConfigManager) (types.Logger, error) {
	loggerConfig := config.GetConfig().Logger
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	loggerName := "default"
	if loggerConfig.Type != "" {
		loggerName = loggerConfig.Type
	}

	switch loggerName {
	case "default":
		return NewDefaultLogger(loggerConfig)
	case "nop":
		return NewNopLogger(), nil
	}

	customLoggerCreatorsMu.RLock()
	creator, exists := customLoggerCreators[loggerName]
	customLoggerCreatorsMu.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerName)
	}

	return creator(loggerConfig.Config)
}

func NewNopLogger() types.Logger {
	return NewZapWrapper(zap.NewNop())
}

// Sync flushes buffered entries when the logger supports it.
func Sync(logger types.Logger) {
	if syncer, ok := logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}
