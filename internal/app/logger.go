package app

import (
	"strings"

	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
)

// ConfigureLogging initialises the global zap logger from server settings.
func ConfigureLogging(cfg ServerConfig) error {
	level := strings.TrimSpace(cfg.LogLevel)
	if level == "" {
		level = "info"
	}
	return logger.Init(level, cfg.LogFormat)
}
