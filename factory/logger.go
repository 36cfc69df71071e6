package factory

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the factory package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the factory package's logger.
// This must be called before any factory is created; a Config.Logger
// overrides it per factory.
func SetLogger(l *zap.Logger) {
	logger = l
}
