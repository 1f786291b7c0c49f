package bootstrap

import (
	"trading_bot/internal/core"
	"trading_bot/pkg/logging"
)

// InitLogger builds the application logger from configuration and installs
// it as the package-global logger.
func InitLogger(cfg *Config) (core.ILogger, error) {
	var (
		logger core.ILogger
		err    error
	)

	if cfg.System.LogFile != "" {
		logger, err = logging.NewFileLogger(cfg.System.LogLevel, cfg.System.LogFile)
	} else {
		logger, err = logging.NewZapLogger(cfg.System.LogLevel)
	}
	if err != nil {
		return nil, err
	}

	logger = logger.WithField("mode", cfg.Mode)
	logging.SetGlobalLogger(logger)

	return logger, nil
}
