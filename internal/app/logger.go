package app

import (
	"github.com/charlesng35/gpubroker/pkg/logger"
)

// ConfigureLogging installs the global logger described by the server section.
func ConfigureLogging(cfg ServerConfig) error {
	return logger.Init(cfg.LogLevel, cfg.LogFormat)
}
